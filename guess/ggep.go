package guess

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/dannyzb/gnutella/common"
)

// GGEP keys recognized on either direction of GUESS traffic.
const (
	KeySCP      = "SCP"
	KeyGUE      = "GUE"
	KeyQK       = "QK"
	KeyIPP      = "IPP"
	KeyGTKGIPv6 = "GTKG.IPV6"
)

// Block is a single tagged GGEP extension.
type Block struct {
	Key   string
	Value []byte
}

// Blocks is a tiny key/value extension list. GGEP proper supports COBS
// encoding and compression flags; GUESS traffic never needs either, so
// this codec only implements the flat key/value-with-length-prefix shape
// those two message types actually use.
type Blocks []Block

func (bs Blocks) Get(key string) ([]byte, bool) {
	for _, b := range bs {
		if b.Key == key {
			return b.Value, true
		}
	}
	return nil, false
}

// Encode serializes blocks as a sequence of (1-byte key length, key,
// 2-byte little-endian value length, value).
func (bs Blocks) Encode() []byte {
	var out []byte
	for _, b := range bs {
		out = append(out, byte(len(b.Key)))
		out = append(out, b.Key...)
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b.Value)))
		out = append(out, lenBuf[:]...)
		out = append(out, b.Value...)
	}
	return out
}

// DecodeBlocks parses the encoding produced by Encode. Malformed trailing
// data is reported rather than silently truncated; callers treat that as
// a protocol violation and mark the source suspect.
func DecodeBlocks(b []byte) (Blocks, error) {
	var out Blocks
	for len(b) > 0 {
		if len(b) < 1 {
			return nil, fmt.Errorf("ggep: truncated key length")
		}
		keyLen := int(b[0])
		b = b[1:]
		if len(b) < keyLen+2 {
			return nil, fmt.Errorf("ggep: truncated key or value length")
		}
		key := string(b[:keyLen])
		b = b[keyLen:]
		valLen := int(binary.LittleEndian.Uint16(b[:2]))
		b = b[2:]
		if len(b) < valLen {
			return nil, fmt.Errorf("ggep: truncated value")
		}
		out = append(out, Block{Key: key, Value: b[:valLen]})
		b = b[valLen:]
	}
	return out, nil
}

// EncodeIPP packs a list of IPv4 endpoints as concatenated 6-byte
// records: 4-byte big-endian IPv4, 2-byte little-endian port.
func EncodeIPP(addrs []common.IpPort) []byte {
	out := make([]byte, 0, len(addrs)*6)
	for _, a := range addrs {
		v4 := a.IP.To4()
		if v4 == nil {
			continue
		}
		out = append(out, v4...)
		var portBuf [2]byte
		binary.LittleEndian.PutUint16(portBuf[:], a.Port)
		out = append(out, portBuf[:]...)
	}
	return out
}

// DecodeIPP unpacks an IPP payload; its length must be a multiple of 6.
func DecodeIPP(b []byte) ([]common.IpPort, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("ggep: IPP payload length %d not a multiple of 6", len(b))
	}
	var out []common.IpPort
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := binary.LittleEndian.Uint16(b[i+4 : i+6])
		out = append(out, common.IpPort{IP: ip, Port: port})
	}
	return out, nil
}

// EncodeGUE builds the introduction-ping payload: 1-byte version then
// 2-byte little-endian listening port.
func EncodeGUE(version byte, listenPort uint16) []byte {
	out := make([]byte, 3)
	out[0] = version
	binary.LittleEndian.PutUint16(out[1:3], listenPort)
	return out
}

func DecodeGUE(b []byte) (version byte, listenPort uint16, err error) {
	if len(b) != 3 {
		return 0, 0, fmt.Errorf("ggep: GUE payload length %d != 3", len(b))
	}
	return b[0], binary.LittleEndian.Uint16(b[1:3]), nil
}
