package gnutella

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
	list "github.com/bahlo/generic-list-go"
	"github.com/anacrolix/multiless"

	"github.com/dannyzb/gnutella/common"
	"github.com/dannyzb/gnutella/holeindex"
)

// ChunkStatus classifies a byte range within a ChunkMap.
type ChunkStatus int

const (
	Empty ChunkStatus = iota
	Busy
	Done
	Overlap
)

func (s ChunkStatus) String() string {
	switch s {
	case Empty:
		return "empty"
	case Busy:
		return "busy"
	case Done:
		return "done"
	case Overlap:
		return "overlap"
	default:
		return fmt.Sprintf("ChunkStatus(%d)", int(s))
	}
}

// Download identifies whatever is holding a Busy reservation. Sources pass
// themselves (as a pointer, compared by identity).
type Download = any

// doneBlockSize is the granularity at which completed ranges are mirrored
// into a roaring bitmap for O(1) completeness checks. FileInfo's trailer
// flush threshold (dirtyFlushThreshold) is four of these blocks.
const doneBlockSize = 1 << 14

type chunkInterval struct {
	extent common.Extent
	status ChunkStatus
	owner  Download
}

// ChunkMap is an ordered, non-overlapping sequence of intervals covering
// [0, size) of a file, each carrying a status and (for Busy) an owning
// Download. It tracks Empty intervals in a hole index for fast
// largest-first allocation, and mirrors Done coverage into a bitmap of
// fixed-size blocks for O(1) completeness checks.
type ChunkMap struct {
	size       int64
	intervals  *list.List[*chunkInterval]
	holes      *holeindex.Index
	doneBlocks *roaring.Bitmap
}

func NewChunkMap(size int64) *ChunkMap {
	cm := &ChunkMap{
		size:       size,
		intervals:  list.New[*chunkInterval](),
		holes:      holeindex.New(),
		doneBlocks: roaring.New(),
	}
	if size > 0 {
		e := common.Extent{Start: 0, Length: size}
		cm.intervals.PushBack(&chunkInterval{extent: e, status: Empty})
		cm.holes.Add(e)
	}
	return cm
}

func (cm *ChunkMap) Size() int64 { return cm.size }

func holeCmp(a, b common.Extent) int {
	return multiless.New().Int64(-a.Length, -b.Length).Int64(a.Start, b.Start).OrderingInt()
}

// FindHole selects the largest Empty interval, ties broken by lowest
// offset, and reserves it for d.
func (cm *ChunkMap) FindHole(d Download) (common.Extent, bool) {
	e, ok := cm.holes.Largest()
	if !ok {
		return common.Extent{}, false
	}
	cm.Update(d, e.Start, e.End(), Busy)
	return e, true
}

// FindAvailableHole chooses the largest intersection between an Empty
// interval we hold and the remote's advertised ranges, and reserves it.
func (cm *ChunkMap) FindAvailableHole(d Download, ranges []common.Extent) (common.Extent, bool) {
	var best common.Extent
	found := false
	cm.holes.Scan(func(hole common.Extent) bool {
		for _, r := range ranges {
			inter := hole.Intersect(r)
			if inter.IsEmpty() {
				continue
			}
			if !found || holeCmp(inter, best) < 0 {
				best = inter
				found = true
			}
		}
		return true
	})
	if !found {
		return common.Extent{}, false
	}
	cm.Update(d, best.Start, best.End(), Busy)
	return best, true
}

// ChunkStatusOf returns Done iff [from,to) is fully covered by Done,
// Busy iff any part of it is Busy, Empty iff entirely Empty, else Overlap.
func (cm *ChunkMap) ChunkStatusOf(from, to int64) ChunkStatus {
	seen := map[ChunkStatus]bool{}
	for e := cm.intervals.Front(); e != nil; e = e.Next() {
		iv := e.Value
		if iv.extent.End() <= from {
			continue
		}
		if iv.extent.Start >= to {
			break
		}
		seen[iv.status] = true
	}
	switch len(seen) {
	case 0:
		return Empty
	case 1:
		for s := range seen {
			return s
		}
	}
	if seen[Busy] {
		return Busy
	}
	return Overlap
}

func (cm *ChunkMap) PosStatus(pos int64) ChunkStatus {
	return cm.ChunkStatusOf(pos, pos+1)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Update writes newStatus/d over [from,to), splitting and replacing
// whatever intervals currently occupy that range, then normalizes by
// merging adjacent intervals that ended up with equal status and owner.
// Marking Done drops any existing owner for the overwritten range,
// regardless of who held the prior Busy reservation.
func (cm *ChunkMap) Update(d Download, from, to int64, newStatus ChunkStatus) {
	owner := d
	if newStatus == Done || newStatus == Empty {
		owner = nil
	}

	e := cm.intervals.Front()
	for e != nil {
		next := e.Next()
		iv := e.Value
		ivFrom, ivTo := iv.extent.Start, iv.extent.End()
		if ivTo <= from {
			e = next
			continue
		}
		if ivFrom >= to {
			break
		}

		overlapFrom := max64(ivFrom, from)
		overlapTo := min64(ivTo, to)

		if iv.status == Empty {
			cm.holes.Delete(iv.extent)
		}

		if ivFrom < overlapFrom {
			left := &chunkInterval{
				extent: common.Extent{Start: ivFrom, Length: overlapFrom - ivFrom},
				status: iv.status,
				owner:  iv.owner,
			}
			cm.intervals.InsertBefore(left, e)
			if left.status == Empty {
				cm.holes.Add(left.extent)
			}
		}

		mid := &chunkInterval{
			extent: common.Extent{Start: overlapFrom, Length: overlapTo - overlapFrom},
			status: newStatus,
			owner:  owner,
		}
		cm.intervals.InsertBefore(mid, e)
		if mid.status == Empty {
			cm.holes.Add(mid.extent)
		}

		if overlapTo < ivTo {
			right := &chunkInterval{
				extent: common.Extent{Start: overlapTo, Length: ivTo - overlapTo},
				status: iv.status,
				owner:  iv.owner,
			}
			cm.intervals.InsertBefore(right, e)
			if right.status == Empty {
				cm.holes.Add(right.extent)
			}
		}

		cm.intervals.Remove(e)
		e = next
	}

	cm.mergeAdjacent()
	cm.syncDoneBlocks(from, to)
}

// mergeAdjacent coalesces neighbouring intervals with identical
// (status, owner), keeping the hole index in sync for any merges that
// combine two Empty intervals into one larger one.
func (cm *ChunkMap) mergeAdjacent() {
	e := cm.intervals.Front()
	for e != nil && e.Next() != nil {
		cur, next := e.Value, e.Next().Value
		if cur.status == next.status && cur.owner == next.owner {
			if cur.status == Empty {
				cm.holes.Delete(cur.extent)
				cm.holes.Delete(next.extent)
			}
			cur.extent.Length += next.extent.Length
			if cur.status == Empty {
				cm.holes.Add(cur.extent)
			}
			cm.intervals.Remove(e.Next())
			continue
		}
		e = e.Next()
	}
}

func (cm *ChunkMap) syncDoneBlocks(from, to int64) {
	if from < 0 {
		from = 0
	}
	if to > cm.size {
		to = cm.size
	}
	startBlock := from / doneBlockSize
	endBlock := (to - 1) / doneBlockSize
	if to <= from {
		return
	}
	for b := startBlock; b <= endBlock; b++ {
		blockFrom := b * doneBlockSize
		blockTo := min64(blockFrom+doneBlockSize, cm.size)
		if cm.ChunkStatusOf(blockFrom, blockTo) == Done {
			cm.doneBlocks.Add(uint32(b))
		} else {
			cm.doneBlocks.Remove(uint32(b))
		}
	}
}

// IsComplete reports whether every block of the file is Done.
func (cm *ChunkMap) IsComplete() bool {
	if cm.size == 0 {
		return true
	}
	numBlocks := (cm.size + doneBlockSize - 1) / doneBlockSize
	return int64(cm.doneBlocks.GetCardinality()) == numBlocks
}

// ReleaseDownload returns every Busy interval owned by d back to Empty.
func (cm *ChunkMap) ReleaseDownload(d Download) {
	var ranges []common.Extent
	for e := cm.intervals.Front(); e != nil; e = e.Next() {
		iv := e.Value
		if iv.status == Busy && iv.owner == d {
			ranges = append(ranges, iv.extent)
		}
	}
	for _, r := range ranges {
		cm.Update(nil, r.Start, r.End(), Empty)
	}
}

// Reset transitions every Done interval back to Empty, used after an
// integrity failure forces the download to restart from scratch.
func (cm *ChunkMap) Reset() {
	cm.Update(nil, 0, cm.size, Empty)
	cm.doneBlocks.Clear()
}

// AvailableRanges returns the Done extents, for advertising to peers that
// ask what this file has.
func (cm *ChunkMap) AvailableRanges() []common.Extent {
	var ret []common.Extent
	for e := cm.intervals.Front(); e != nil; e = e.Next() {
		if e.Value.status == Done {
			ret = append(ret, e.Value.extent)
		}
	}
	return ret
}

// Truncate shrinks the map to [0, newSize), failing (returning false) if
// any interval past newSize is Busy — callers must abort the owning
// source before shrinking across its reservation.
func (cm *ChunkMap) Truncate(newSize int64) bool {
	if newSize >= cm.size {
		return true
	}
	for e := cm.intervals.Front(); e != nil; e = e.Next() {
		iv := e.Value
		if iv.extent.End() > newSize && iv.status == Busy {
			return false
		}
	}
	for e := cm.intervals.Front(); e != nil; {
		next := e.Next()
		iv := e.Value
		if iv.extent.Start >= newSize {
			if iv.status == Empty {
				cm.holes.Delete(iv.extent)
			}
			cm.intervals.Remove(e)
		} else if iv.extent.End() > newSize {
			if iv.status == Empty {
				cm.holes.Delete(iv.extent)
			}
			iv.extent.Length = newSize - iv.extent.Start
			if iv.status == Empty {
				cm.holes.Add(iv.extent)
			}
		}
		e = next
	}
	cm.size = newSize
	cm.doneBlocks.RemoveRange(uint64((newSize+doneBlockSize-1)/doneBlockSize), cm.doneBlocks.GetCardinality()+1)
	return true
}
