package guess

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/dannyzb/gnutella/common"
)

func encodeAddrPort(a common.AddrPort) []byte {
	ip16 := a.Addr.As16()
	out := make([]byte, 18)
	copy(out, ip16[:])
	binary.BigEndian.PutUint16(out[16:18], a.Port)
	return out
}

func decodeAddrPort(b []byte) common.AddrPort {
	var ip16 [16]byte
	copy(ip16[:], b[:16])
	return common.AddrPort{
		Addr: netip.AddrFrom16(ip16).Unmap(),
		Port: binary.BigEndian.Uint16(b[16:18]),
	}
}

func putTime(buf []byte, t time.Time) {
	if t.IsZero() {
		binary.BigEndian.PutUint64(buf, 0)
		return
	}
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
}

func getTime(buf []byte) time.Time {
	n := int64(binary.BigEndian.Uint64(buf))
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// encodeEntry/decodeEntry serialize a QueryKeyEntry for the bolt-backed
// KeyStore: four 8-byte timestamps, 1-byte flags, 4-byte timeout count,
// then the raw query key bytes.
func encodeEntry(e QueryKeyEntry) ([]byte, error) {
	out := make([]byte, 8*4+1+4+len(e.QueryKey))
	putTime(out[0:8], e.FirstSeen)
	putTime(out[8:16], e.LastSeen)
	putTime(out[16:24], e.LastUpdate)
	putTime(out[24:32], e.LastTimeout)
	out[32] = byte(e.Flags)
	binary.BigEndian.PutUint32(out[33:37], uint32(e.Timeouts))
	copy(out[37:], e.QueryKey)
	return out, nil
}

func decodeEntry(b []byte) (QueryKeyEntry, error) {
	e := QueryKeyEntry{
		FirstSeen:   getTime(b[0:8]),
		LastSeen:    getTime(b[8:16]),
		LastUpdate:  getTime(b[16:24]),
		LastTimeout: getTime(b[24:32]),
		Flags:       EntryFlags(b[32]),
		Timeouts:    int(binary.BigEndian.Uint32(b[33:37])),
	}
	if len(b) > 37 {
		e.QueryKey = append([]byte(nil), b[37:]...)
	}
	return e, nil
}
