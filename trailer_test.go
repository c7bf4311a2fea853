package gnutella

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/dannyzb/gnutella/common"
)

func TestTrailerEncodeDecodeRoundTrip(t *testing.T) {
	c := qt.New(t)
	tr := NewTrailer()
	tr.Size = 1000
	tr.FirstSeen = 111
	tr.LastSeen = 222
	tr.Aliases = []string{"a.txt", "b.txt"}
	tr.Chunks = []TrailerChunk{
		{Extent: common.Extent{Start: 0, Length: 500}, Status: Done},
		{Extent: common.Extent{Start: 500, Length: 500}, Status: Empty},
	}
	tr.HasSha1 = true
	tr.Sha1 = [20]byte{1, 2, 3}

	body := tr.encode()
	decoded, err := decodeTrailer(body)
	c.Assert(err, qt.IsNil)
	c.Assert(decoded.Size, qt.Equals, tr.Size)
	c.Assert(decoded.FirstSeen, qt.Equals, tr.FirstSeen)
	c.Assert(decoded.LastSeen, qt.Equals, tr.LastSeen)
	c.Assert(decoded.Aliases, qt.DeepEquals, tr.Aliases)
	c.Assert(decoded.Chunks, qt.DeepEquals, tr.Chunks)
	c.Assert(decoded.HasSha1, qt.IsTrue)
	c.Assert(decoded.Sha1, qt.Equals, tr.Sha1)
}

func TestDecodeTrailerRejectsBadChecksum(t *testing.T) {
	c := qt.New(t)
	tr := NewTrailer()
	tr.Size = 10
	body := tr.encode()
	body[0] ^= 0xff // corrupt the magic, invalidating the checksum too

	_, err := decodeTrailer(body)
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestDecodeTrailerRejectsTooShort(t *testing.T) {
	c := qt.New(t)
	_, err := decodeTrailer([]byte{1, 2})
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestTrailerStoreAndReadTrailer(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(t.TempDir(), "data.bin")
	f, err := os.Create(path)
	c.Assert(err, qt.IsNil)
	defer f.Close()

	data := []byte("hello world, this is file data")
	_, err = f.Write(data)
	c.Assert(err, qt.IsNil)

	tr := NewTrailer()
	tr.Size = int64(len(data))
	tr.Chunks = []TrailerChunk{{Extent: common.Extent{Start: 0, Length: int64(len(data))}, Status: Done}}

	err = tr.Store(context.Background(), f, int64(len(data)))
	c.Assert(err, qt.IsNil)

	got, baseLen, ok := ReadTrailer(f)
	c.Assert(ok, qt.IsTrue)
	c.Assert(baseLen, qt.Equals, int64(len(data)))
	c.Assert(got.Size, qt.Equals, tr.Size)
	c.Assert(got.Chunks, qt.DeepEquals, tr.Chunks)
}

func TestTrailerStrip(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(t.TempDir(), "data.bin")
	f, err := os.Create(path)
	c.Assert(err, qt.IsNil)
	defer f.Close()

	data := []byte("some file bytes")
	_, err = f.Write(data)
	c.Assert(err, qt.IsNil)

	tr := NewTrailer()
	tr.Size = int64(len(data))
	c.Assert(tr.Store(context.Background(), f, int64(len(data))), qt.IsNil)

	c.Assert(tr.Strip(f, int64(len(data))), qt.IsNil)

	stat, err := f.Stat()
	c.Assert(err, qt.IsNil)
	c.Assert(stat.Size(), qt.Equals, int64(len(data)))

	_, _, ok := ReadTrailer(f)
	c.Assert(ok, qt.IsFalse)
}

func TestTrailerChunkMapRoundTrip(t *testing.T) {
	c := qt.New(t)
	tr := NewTrailer()
	tr.Size = 100
	tr.Chunks = []TrailerChunk{{Extent: common.Extent{Start: 0, Length: 100}, Status: Done}}

	cm := tr.ChunkMap()
	c.Assert(cm.IsComplete(), qt.IsTrue)

	back := chunksFromMap(cm)
	c.Assert(back, qt.DeepEquals, tr.Chunks)
}
