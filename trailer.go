package gnutella

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/protolambda/ctxlock"

	"github.com/dannyzb/gnutella/common"
)

// trailerMagic identifies a file as carrying a trailer block.
var trailerMagic = [4]byte{'G', 'N', 'T', 'L'}

const trailerVersion byte = 1

// lengthFieldSize is the width of the fixed length field at the file tail
// that points back to the start of the trailer body.
const lengthFieldSize = 4

// Trailer is the on-disk metadata block appended to a partially or fully
// downloaded file: everything FileInfo needs to resume without an
// external index.
type Trailer struct {
	Size      int64
	FirstSeen int64
	LastSeen  int64
	Aliases   []string
	Chunks    []TrailerChunk
	Sha1      [20]byte
	HasSha1   bool

	flushLock *ctxlock.Lock
}

type TrailerChunk struct {
	Extent common.Extent
	Status ChunkStatus
}

func NewTrailer() *Trailer {
	return &Trailer{flushLock: ctxlock.New()}
}

// encode serializes the trailer body, magic through checksum, in the
// on-disk field order.
func (t *Trailer) encode() []byte {
	var buf bytes.Buffer
	buf.Write(trailerMagic[:])
	buf.WriteByte(trailerVersion)

	var scratch [8]byte
	putInt64 := func(v int64) {
		binary.LittleEndian.PutUint64(scratch[:], uint64(v))
		buf.Write(scratch[:])
	}
	putInt64(t.Size)
	putInt64(t.FirstSeen)
	putInt64(t.LastSeen)

	var scratch4 [4]byte
	binary.LittleEndian.PutUint32(scratch4[:], uint32(len(t.Aliases)))
	buf.Write(scratch4[:])
	for _, a := range t.Aliases {
		binary.LittleEndian.PutUint32(scratch4[:], uint32(len(a)))
		buf.Write(scratch4[:])
		buf.WriteString(a)
	}

	binary.LittleEndian.PutUint32(scratch4[:], uint32(len(t.Chunks)))
	buf.Write(scratch4[:])
	for _, c := range t.Chunks {
		putInt64(c.Extent.Start)
		putInt64(c.Extent.End())
		buf.WriteByte(byte(c.Status))
	}

	if t.HasSha1 {
		buf.WriteByte(1)
		buf.Write(t.Sha1[:])
	} else {
		buf.WriteByte(0)
	}

	sum := crc32.ChecksumIEEE(buf.Bytes())
	binary.LittleEndian.PutUint32(scratch4[:], sum)
	buf.Write(scratch4[:])

	return buf.Bytes()
}

func decodeTrailer(body []byte) (*Trailer, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("trailer body too short")
	}
	sum := crc32.ChecksumIEEE(body[:len(body)-4])
	got := binary.LittleEndian.Uint32(body[len(body)-4:])
	if sum != got {
		return nil, fmt.Errorf("trailer checksum mismatch: want %x got %x", got, sum)
	}

	r := body
	read := func(n int) []byte {
		b := r[:n]
		r = r[n:]
		return b
	}
	readInt64 := func() int64 {
		return int64(binary.LittleEndian.Uint64(read(8)))
	}
	readUint32 := func() uint32 {
		return binary.LittleEndian.Uint32(read(4))
	}

	if len(r) < 5 || !bytes.Equal(read(4), trailerMagic[:]) {
		return nil, fmt.Errorf("bad trailer magic")
	}
	ver := read(1)[0]
	if ver != trailerVersion {
		return nil, fmt.Errorf("unsupported trailer version %d", ver)
	}

	t := NewTrailer()
	t.Size = readInt64()
	t.FirstSeen = readInt64()
	t.LastSeen = readInt64()

	numAliases := readUint32()
	t.Aliases = make([]string, numAliases)
	for i := range t.Aliases {
		l := readUint32()
		t.Aliases[i] = string(read(int(l)))
	}

	numChunks := readUint32()
	t.Chunks = make([]TrailerChunk, numChunks)
	for i := range t.Chunks {
		from := readInt64()
		to := readInt64()
		status := read(1)[0]
		t.Chunks[i] = TrailerChunk{
			Extent: common.Extent{Start: from, Length: to - from},
			Status: ChunkStatus(status),
		}
	}

	if read(1)[0] == 1 {
		t.HasSha1 = true
		copy(t.Sha1[:], read(20))
	}

	return t, nil
}

// Store appends the trailer after baseLen bytes of file data and commits
// it crash-safely: the body (including its checksum) is written and
// fsynced first; only then is the length field at the file tail written
// and fsynced. If the process dies between the two fsyncs, the next
// ReadTrailer sees either no trailer (length field absent/stale) or a
// fully valid one, never a half-written body.
func (t *Trailer) Store(ctx context.Context, f *os.File, baseLen int64) (err error) {
	if err := t.flushLock.Lock(ctx); err != nil {
		return err
	}
	defer t.flushLock.Unlock()

	body := t.encode()
	if err := f.Truncate(baseLen + int64(len(body)) + lengthFieldSize); err != nil {
		return fmt.Errorf("truncating for trailer: %w", err)
	}
	if _, err := f.WriteAt(body, baseLen); err != nil {
		return fmt.Errorf("writing trailer body: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsyncing trailer body: %w", err)
	}

	m, err := mmap.MapRegion(f, lengthFieldSize, mmap.RDWR, 0, baseLen+int64(len(body)))
	if err != nil {
		return fmt.Errorf("mmapping trailer length field: %w", err)
	}
	defer m.Unmap()
	binary.LittleEndian.PutUint32(m, uint32(len(body)))
	if err := m.Flush(); err != nil {
		return fmt.Errorf("flushing trailer length field: %w", err)
	}
	return nil
}

// Strip removes the trailer, truncating the file back to its data-only length.
func (t *Trailer) Strip(f *os.File, baseLen int64) error {
	return f.Truncate(baseLen)
}

// ReadTrailer looks for a valid trailer at the tail of f. baseLen is the
// offset at which the real file data ends (and the trailer begins).
func ReadTrailer(f *os.File) (trailer *Trailer, baseLen int64, ok bool) {
	stat, err := f.Stat()
	if err != nil {
		return nil, 0, false
	}
	size := stat.Size()
	if size < lengthFieldSize {
		return nil, 0, false
	}

	lenBuf := make([]byte, lengthFieldSize)
	if _, err := f.ReadAt(lenBuf, size-lengthFieldSize); err != nil {
		return nil, 0, false
	}
	bodyLen := int64(binary.LittleEndian.Uint32(lenBuf))
	trailerStart := size - lengthFieldSize - bodyLen
	if bodyLen <= 0 || trailerStart < 0 {
		return nil, 0, false
	}

	body := make([]byte, bodyLen)
	if _, err := f.ReadAt(body, trailerStart); err != nil {
		return nil, 0, false
	}

	t, err := decodeTrailer(body)
	if err != nil {
		return nil, 0, false
	}
	return t, trailerStart, true
}

// ChunkMap rebuilds a ChunkMap from the trailer's persisted chunk list.
func (t *Trailer) ChunkMap() *ChunkMap {
	cm := NewChunkMap(t.Size)
	for _, c := range t.Chunks {
		cm.Update(nil, c.Extent.Start, c.Extent.End(), c.Status)
	}
	return cm
}

// chunksFromMap flattens a ChunkMap's intervals for persistence.
func chunksFromMap(cm *ChunkMap) []TrailerChunk {
	var ret []TrailerChunk
	for e := cm.intervals.Front(); e != nil; e = e.Next() {
		ret = append(ret, TrailerChunk{Extent: e.Value.extent, Status: e.Value.status})
	}
	return ret
}
