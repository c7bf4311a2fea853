package gnutella

import (
	"context"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/anacrolix/log"
	"github.com/davecgh/go-spew/spew"
	. "github.com/anacrolix/generics"

	"github.com/dannyzb/gnutella/common"
	"github.com/dannyzb/gnutella/internal/eventloop"
)

// FileInfoFlags are the scratch/lifecycle bits carried by a FileInfo.
type FileInfoFlags uint8

const (
	FlagSuspended FileInfoFlags = 1 << iota
	FlagDiscard
	FlagTransient
	FlagMark
)

// dirtyFlushThreshold is the "dirty page heuristic": once this many bytes
// of chunk-map mutation have accumulated since the last flush, the next
// timer tick writes the trailer. Timer does not flush a dirty file below
// this threshold.
const dirtyFlushThreshold = 4 * doneBlockSize

// FileInfo is the per-file coordination object: it owns the ChunkMap, the
// Trailer, the SourceSet downloading it, and the completion state.
type FileInfo struct {
	mu eventloop.Lock

	FileName string
	Path     string
	// Size is unset (Ok == false) until either the caller supplies a
	// known length or a source reports it via SizeKnown.
	Size Option[int64]
	// Sha1 is unset until the content hash is confirmed, by caller,
	// restored trailer, or a completed hash-on-disk (GotSha1).
	Sha1    Option[[20]byte]
	Aliases []string

	Chunks  *ChunkMap
	Sources *SourceSet

	AqueuedCount Count
	PqueuedCount Count
	RecvCount    Count
	RefCount     Count
	LifeCount    Count

	Flags FileInfoFlags
	dirty bool
	dirtySinceBytes int64

	// complete is broadcast once the file transitions into IsComplete,
	// waking any WaitComplete callers parked on it.
	complete Event

	logger log.Logger
}

// Registry indexes all known FileInfos by SHA-1, enforcing the "same
// content, same instance" invariant.
type Registry struct {
	mu       sync.Mutex
	bySha1   map[[20]byte]*FileInfo
	all      []*FileInfo
	logger   log.Logger
	shared   *SharedIndex
}

func NewRegistry(logger log.Logger, shared *SharedIndex) *Registry {
	return &Registry{
		bySha1: make(map[[20]byte]*FileInfo),
		logger: logger,
		shared: shared,
	}
}

// Get implements FileInfo.get: returns the existing FileInfo for sha1 if
// known, restores one from an on-disk trailer if found, or creates a
// fresh FileInfo otherwise.
func (r *Registry) Get(name, path string, size int64, sha1Hash [20]byte, hasSha1, sizeKnown bool) *FileInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	if hasSha1 {
		if fi, ok := r.bySha1[sha1Hash]; ok {
			fi.addAlias(name)
			return fi
		}
	}

	if fi, ok := r.tryRestore(name, path); ok {
		if hasSha1 {
			fi.Sha1 = Option[[20]byte]{Ok: true, Value: sha1Hash}
			r.bySha1[sha1Hash] = fi
		}
		r.all = append(r.all, fi)
		return fi
	}

	fi := &FileInfo{
		FileName: name,
		Path:     path,
		Size:     Option[int64]{Ok: sizeKnown, Value: size},
		Sha1:     Option[[20]byte]{Ok: hasSha1, Value: sha1Hash},
		Chunks:   NewChunkMap(size),
		logger:   r.logger,
	}
	fi.Sources = NewSourceSet(fi)
	if hasSha1 {
		r.bySha1[sha1Hash] = fi
	}
	r.all = append(r.all, fi)
	return fi
}

func (r *Registry) tryRestore(name, path string) (*FileInfo, bool) {
	f, err := os.Open(filepath.Join(path, name))
	if err != nil {
		return nil, false
	}
	defer f.Close()
	t, baseLen, ok := ReadTrailer(f)
	if !ok {
		return nil, false
	}
	fi := &FileInfo{
		FileName: name,
		Path:     path,
		Size:     Option[int64]{Ok: true, Value: t.Size},
		Sha1:     Option[[20]byte]{Ok: t.HasSha1, Value: t.Sha1},
		Aliases:  t.Aliases,
		Chunks:   t.ChunkMap(),
		logger:   r.logger,
	}
	_ = baseLen
	fi.Sources = NewSourceSet(fi)
	return fi, true
}

// All returns a snapshot of every FileInfo known to the registry.
func (r *Registry) All() []*FileInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*FileInfo(nil), r.all...)
}

func (fi *FileInfo) addAlias(name string) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if name == fi.FileName {
		return
	}
	for _, a := range fi.Aliases {
		if a == name {
			return
		}
	}
	fi.Aliases = append(fi.Aliases, name)
	fi.dirty = true
}

func (fi *FileInfo) AliveCount() int64 {
	return fi.AqueuedCount.Int64() + fi.PqueuedCount.Int64() + fi.RecvCount.Int64()
}

// AddSource registers d as a download attempt against this file.
func (fi *FileInfo) AddSource(d Download) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.Sources.Add(d)
	fi.RefCount.Add(1)
	fi.LifeCount.Add(1)
}

// AddNewSource is AddSource for a source created in response to a fresh
// query hit rather than a pre-existing candidate list entry.
func (fi *FileInfo) AddNewSource(d Download) {
	fi.AddSource(d)
}

// RemoveSource detaches d for good, releasing any reservations it held
// and decrementing LifeCount. discardIfEmpty schedules the FileInfo for
// destruction if this was the last reference and Discard semantics
// apply.
func (fi *FileInfo) RemoveSource(d Download, discardIfEmpty bool) {
	fi.mu.Lock()
	fi.Sources.Remove(d)
	fi.Chunks.ReleaseDownload(d)
	fi.RefCount.Add(-1)
	fi.LifeCount.Add(-1)
	empty := fi.RefCount.Int64() == 0
	fi.mu.Unlock()

	if empty && discardIfEmpty {
		fi.Flags |= FlagDiscard
	}
}

// ClearDownload releases every chunk reservation d holds against this
// file. decrementLifeCount distinguishes d leaving for good (matching
// RemoveSource's bookkeeping) from a transient release where d keeps
// retrying against the same file, such as a failed request or read.
func (fi *FileInfo) ClearDownload(d Download, decrementLifeCount bool) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.Chunks.ReleaseDownload(d)
	if decrementLifeCount {
		fi.LifeCount.Add(-1)
	}
}

// GotSha1 sets the file's SHA-1 if unset, checking it against r's index.
// A conflict with an existing FileInfo triggers a merge: the calling
// FileInfo's sources are migrated onto the prior instance and the merged
// instance is returned; callers must not use fi after a non-nil merge
// target is returned.
func (r *Registry) GotSha1(fi *FileInfo, sum [20]byte) *FileInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	fi.mu.Lock()
	if fi.Sha1.Ok {
		fi.mu.Unlock()
		return fi
	}
	fi.mu.Unlock()

	if existing, ok := r.bySha1[sum]; ok && existing != fi {
		return r.merge(existing, fi)
	}

	fi.mu.Lock()
	fi.Sha1 = Option[[20]byte]{Ok: true, Value: sum}
	fi.mu.Unlock()
	r.bySha1[sum] = fi
	return fi
}

// merge folds newer into older, migrating sources and aliases. The two
// locks are taken in a fixed order (lower memory address first) so a
// concurrent merge attempt in the other direction can't deadlock against
// this one.
func (r *Registry) merge(older, newer *FileInfo) *FileInfo {
	first, second := older, newer
	if fixedOrderLess(newer, older) {
		first, second = newer, older
	}
	first.mu.Lock()
	second.mu.Lock()
	defer second.mu.Unlock()
	defer first.mu.Unlock()

	for _, a := range newer.Aliases {
		found := false
		for _, e := range older.Aliases {
			if e == a {
				found = true
				break
			}
		}
		if !found {
			older.Aliases = append(older.Aliases, a)
		}
	}
	older.Aliases = append(older.Aliases, newer.FileName)

	for _, d := range newer.Sources.All() {
		older.Sources.Add(d)
		newer.Sources.Remove(d)
	}
	older.dirty = true

	for i, e := range r.all {
		if e == newer {
			r.all = append(r.all[:i], r.all[i+1:]...)
			break
		}
	}
	return older
}

func fixedOrderLess(a, b *FileInfo) bool {
	return fmt.Sprintf("%p", a) < fmt.Sprintf("%p", b)
}

// SizeKnown locks the size on a previously size-unknown file, truncating
// or extending the ChunkMap to the true size and failing any source whose
// reserved range now extends past it.
func (fi *FileInfo) SizeKnown(size int64) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if fi.Size.Ok {
		return
	}
	fi.Size = Option[int64]{Ok: true, Value: size}
	if !fi.Chunks.Truncate(size) {
		var past []Download
		for e := fi.Chunks.intervals.Front(); e != nil; e = e.Next() {
			if iv := e.Value; iv.status == Busy && iv.extent.End() > size {
				past = append(past, iv.owner)
			}
		}
		for _, d := range past {
			fi.Sources.Fail(d)
		}
		fi.Chunks.Truncate(size)
	}
	if cm := fi.Chunks; cm.size < size {
		gap := common.Extent{Start: cm.size, Length: size - cm.size}
		cm.intervals.PushBack(&chunkInterval{extent: gap, status: Empty})
		cm.holes.Add(gap)
		cm.size = size
		cm.mergeAdjacent()
		cm.syncDoneBlocks(gap.Start-1, size)
	}
	fi.dirty = true
}

// Update proxies to the ChunkMap, marks the file dirty and adds the
// extent's length to the byte count that Timer compares against
// dirtyFlushThreshold.
func (fi *FileInfo) Update(d Download, e common.Extent, status ChunkStatus) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.Chunks.Update(d, e.Start, e.End(), status)
	fi.dirtySinceBytes += e.Length
	fi.dirty = true
	if fi.Size.Ok && fi.Chunks.IsComplete() {
		fi.mu.Defer(fi.complete.Broadcast)
	}
}

// WaitComplete blocks until the file is fully downloaded. Callers park on
// complete via the lock's bypass locker so a waiter doesn't run other
// goroutines' deferred actions every time it re-parks.
func (fi *FileInfo) WaitComplete() {
	fi.mu.Lock()
	for !(fi.Size.Ok && fi.Chunks.IsComplete()) {
		fi.complete.Wait(fi.mu.GetBypassLocker())
	}
	fi.mu.Unlock()
}

// StoreBinary writes the trailer to disk. Safe to call repeatedly; only
// the final length-field write commits a new trailer as valid.
func (fi *FileInfo) StoreBinary(ctx context.Context) error {
	fi.mu.Lock()
	path := filepath.Join(fi.Path, fi.FileName)
	t := NewTrailer()
	t.Size = fi.Size.Value
	t.Aliases = append([]string(nil), fi.Aliases...)
	t.Chunks = chunksFromMap(fi.Chunks)
	t.HasSha1 = fi.Sha1.Ok
	t.Sha1 = fi.Sha1.Value
	fi.mu.Unlock()

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s for trailer store: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}
	baseLen := stat.Size()
	if existing, existingBase, ok := ReadTrailer(f); ok {
		_ = existing
		baseLen = existingBase
	}

	if err := t.Store(ctx, f, baseLen); err != nil {
		return err
	}

	fi.mu.Lock()
	fi.dirty = false
	fi.dirtySinceBytes = 0
	fi.mu.Unlock()
	return nil
}

// StripBinary removes any trailer, truncating the file to its data length.
func (fi *FileInfo) StripBinary() error {
	path := filepath.Join(fi.Path, fi.FileName)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, baseLen, ok := ReadTrailer(f)
	if !ok {
		return nil
	}
	t := NewTrailer()
	return t.Strip(f, baseLen)
}

// Recreate is called when an integrity check fails: the ChunkMap resets
// to empty and the on-disk file is reopened for writing from scratch.
func (fi *FileInfo) Recreate() {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.Chunks.Reset()
	fi.dirty = true
	fi.logger.WithDefaultLevel(log.Warning).Printf("recreating %s after integrity failure", fi.FileName)
}

// AvailableRanges serializes the currently-Done intervals for advertising
// to peers asking what this file has.
func (fi *FileInfo) AvailableRanges() []common.Extent {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.Chunks.AvailableRanges()
}

// RestrictRange clamps [start, end) to the intersection with Done
// intervals, for serving upload requests.
func (fi *FileInfo) RestrictRange(start, end int64) (int64, int64, bool) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	for _, r := range fi.Chunks.AvailableRanges() {
		i := r.Intersect(common.Extent{Start: start, Length: end - start})
		if !i.IsEmpty() {
			return i.Start, i.End(), true
		}
	}
	return 0, 0, false
}

// IsComplete reports whether the entire file has been downloaded.
func (fi *FileInfo) IsComplete() bool {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.Size.Ok && fi.Chunks.IsComplete()
}

// DebugDump renders fi's internal state for diagnostics, gated behind
// GNUTELLA_DEBUG_DUMP since spew.Sdump is too verbose for routine logs.
func (fi *FileInfo) DebugDump() string {
	if os.Getenv("GNUTELLA_DEBUG_DUMP") == "" {
		return ""
	}
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return spew.Sdump(fi)
}

// Timer runs the periodic maintenance pass: flush dirty trailers past
// threshold, and report whether this FileInfo is now discardable.
func (fi *FileInfo) Timer(ctx context.Context) (discardable bool) {
	fi.mu.Lock()
	needsFlush := fi.dirty && fi.dirtySinceBytes >= dirtyFlushThreshold
	transient := fi.Flags&FlagTransient != 0
	discard := fi.Flags&FlagDiscard != 0
	refCount := fi.RefCount.Int64()
	fi.mu.Unlock()

	if needsFlush && !transient {
		if err := fi.StoreBinary(ctx); err != nil {
			fi.logger.WithDefaultLevel(log.Warning).Printf("flushing trailer for %s: %v", fi.FileName, err)
		}
	}
	return refCount == 0 && (discard || fi.IsComplete())
}

func hashFileSha1(path string, hasher Hasher, size int64) ([20]byte, error) {
	var sum [20]byte
	h := sha1.New()
	r, err := hasher.Hash(path, common.Extent{Start: 0, Length: size})
	if err != nil {
		return sum, err
	}
	defer r.Close()
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
