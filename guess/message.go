package guess

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/dannyzb/gnutella/common"
)

const protocolVersion byte = 1

// Message type bytes carried in the envelope header.
const (
	TypePing  byte = 1
	TypeQuery byte = 2
	TypePong  byte = 3
)

// Muid is the 128-bit message unique identifier shared by every dispatch
// of one logical query.
type Muid [16]byte

// EncodeMessage wraps a payload with the muid/type header every GUESS
// datagram carries, so a pong can be matched back to the ping or query
// that solicited it.
func EncodeMessage(muid Muid, mtype byte, payload []byte) []byte {
	out := make([]byte, 0, 17+len(payload))
	out = append(out, muid[:]...)
	out = append(out, mtype)
	out = append(out, payload...)
	return out
}

// DecodeMessage splits the envelope header from its payload.
func DecodeMessage(b []byte) (muid Muid, mtype byte, payload []byte, err error) {
	if len(b) < 17 {
		return Muid{}, 0, nil, fmt.Errorf("message: too short for envelope")
	}
	copy(muid[:], b[:16])
	mtype = b[16]
	payload = b[17:]
	return muid, mtype, payload, nil
}

// EncodePing builds a ping-with-GGEP-extensions payload.
func EncodePing(blocks Blocks) []byte {
	out := make([]byte, 0, 1+16)
	out = append(out, protocolVersion)
	out = append(out, blocks.Encode()...)
	return out
}

func DecodePing(b []byte) (Blocks, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("ping payload too short")
	}
	return DecodeBlocks(b[1:])
}

// EncodeQuery builds a query message: little-endian port, big-endian
// IPv4, the null-terminated search text, then GGEP extensions.
func EncodeQuery(localAddr common.IpPort, searchText string, blocks Blocks) []byte {
	out := make([]byte, 0, 2+4+len(searchText)+1)
	var portBuf [2]byte
	binary.LittleEndian.PutUint16(portBuf[:], localAddr.Port)
	out = append(out, portBuf[:]...)
	v4 := localAddr.IP.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	out = append(out, v4...)
	out = append(out, []byte(searchText)...)
	out = append(out, 0)
	out = append(out, blocks.Encode()...)
	return out
}

// Pong is a decoded acknowledgement.
type Pong struct {
	Port    uint16
	IP      net.IP
	Blocks  Blocks
}

func DecodePong(b []byte) (Pong, error) {
	if len(b) < 6 {
		return Pong{}, fmt.Errorf("pong payload too short")
	}
	port := binary.LittleEndian.Uint16(b[0:2])
	ip := net.IPv4(b[2], b[3], b[4], b[5])
	blocks, err := DecodeBlocks(b[6:])
	if err != nil {
		return Pong{}, err
	}
	return Pong{Port: port, IP: ip, Blocks: blocks}, nil
}

func (p Pong) Addr() common.IpPort {
	return common.IpPort{IP: p.IP, Port: p.Port}
}
