package guess

import (
	"net"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/dannyzb/gnutella/common"
)

func TestEncodeDecodeMessage(t *testing.T) {
	c := qt.New(t)
	muid := Muid{1, 2, 3, 4}
	payload := []byte("payload")
	encoded := EncodeMessage(muid, TypeQuery, payload)

	gotMuid, gotType, gotPayload, err := DecodeMessage(encoded)
	c.Assert(err, qt.IsNil)
	c.Assert(gotMuid, qt.Equals, muid)
	c.Assert(gotType, qt.Equals, TypeQuery)
	c.Assert(gotPayload, qt.DeepEquals, payload)
}

func TestDecodeMessageTooShort(t *testing.T) {
	c := qt.New(t)
	_, _, _, err := DecodeMessage(make([]byte, 10))
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestEncodeDecodePing(t *testing.T) {
	c := qt.New(t)
	blocks := Blocks{{Key: "SCP", Value: nil}}
	encoded := EncodePing(blocks)
	decoded, err := DecodePing(encoded)
	c.Assert(err, qt.IsNil)
	c.Assert(decoded, qt.DeepEquals, blocks)
}

func TestEncodeQuery(t *testing.T) {
	c := qt.New(t)
	local := common.IpPort{IP: net.IPv4(127, 0, 0, 1), Port: 6346}
	out := EncodeQuery(local, "hello", Blocks{{Key: "QK", Value: []byte{9}}})

	gotPort := uint16(out[0]) | uint16(out[1])<<8
	c.Assert(gotPort, qt.Equals, uint16(6346))
	c.Assert(net.IP(out[2:6]).Equal(net.IPv4(127, 0, 0, 1)), qt.IsTrue)
	c.Assert(string(out[6:11]), qt.Equals, "hello")
	c.Assert(out[11], qt.Equals, byte(0))

	blocks, err := DecodeBlocks(out[12:])
	c.Assert(err, qt.IsNil)
	c.Assert(blocks, qt.DeepEquals, Blocks{{Key: "QK", Value: []byte{9}}})
}

func TestDecodePong(t *testing.T) {
	c := qt.New(t)
	payload := make([]byte, 0, 6)
	payload = append(payload, 0x1a, 0x18) // port 6170 little-endian
	payload = append(payload, 192, 168, 0, 5)
	payload = append(payload, Blocks{{Key: "QK", Value: []byte{1, 2}}}.Encode()...)

	pong, err := DecodePong(payload)
	c.Assert(err, qt.IsNil)
	c.Assert(pong.Port, qt.Equals, uint16(0x181a))
	c.Assert(pong.IP.Equal(net.IPv4(192, 168, 0, 5)), qt.IsTrue)

	v, ok := pong.Blocks.Get("QK")
	c.Assert(ok, qt.IsTrue)
	c.Assert(v, qt.DeepEquals, []byte{1, 2})

	addr := pong.Addr()
	c.Assert(addr.Port, qt.Equals, pong.Port)
}

func TestDecodePongTooShort(t *testing.T) {
	c := qt.New(t)
	_, err := DecodePong([]byte{1, 2, 3})
	c.Assert(err, qt.Not(qt.IsNil))
}
