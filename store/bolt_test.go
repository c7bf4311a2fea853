package store

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
)

func uint64Codec() Codec[uint64, string] {
	return Codec[uint64, string]{
		EncodeKey: func(k uint64) []byte {
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, k)
			return b
		},
		DecodeKey: func(b []byte) uint64 {
			return binary.BigEndian.Uint64(b)
		},
		EncodeValue: func(v string) ([]byte, error) { return []byte(v), nil },
		DecodeValue: func(b []byte) (string, error) { return string(b), nil },
	}
}

func TestBoltStorePutGet(t *testing.T) {
	c := qt.New(t)
	s, err := NewBolt[uint64, string](filepath.Join(t.TempDir(), "test.db"), uint64Codec())
	c.Assert(err, qt.IsNil)
	defer s.Close()

	c.Assert(s.Put(1, "one"), qt.IsNil)
	c.Assert(s.Put(2, "two"), qt.IsNil)

	v, ok, err := s.Get(1)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	c.Assert(v, qt.Equals, "one")

	_, ok, err = s.Get(3)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsFalse)
}

func TestBoltStoreDeleteAndForEach(t *testing.T) {
	c := qt.New(t)
	s, err := NewBolt[uint64, string](filepath.Join(t.TempDir(), "test.db"), uint64Codec())
	c.Assert(err, qt.IsNil)
	defer s.Close()

	c.Assert(s.Put(1, "one"), qt.IsNil)
	c.Assert(s.Put(2, "two"), qt.IsNil)
	c.Assert(s.Delete(1), qt.IsNil)

	seen := map[uint64]string{}
	c.Assert(s.ForEach(func(k uint64, v string) error {
		seen[k] = v
		return nil
	}), qt.IsNil)
	c.Assert(seen, qt.DeepEquals, map[uint64]string{2: "two"})
}

func TestMemoryStore(t *testing.T) {
	c := qt.New(t)
	s := NewMemory[string, int]()

	c.Assert(s.Put("a", 1), qt.IsNil)
	v, ok, err := s.Get("a")
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	c.Assert(v, qt.Equals, 1)

	c.Assert(s.Delete("a"), qt.IsNil)
	_, ok, _ = s.Get("a")
	c.Assert(ok, qt.IsFalse)
}
