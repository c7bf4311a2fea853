// Package holeindex provides an ordered index over the Empty intervals of a
// ChunkMap, so find_hole can pick "largest interval, ties to lowest offset"
// in O(log n) instead of scanning the whole interval list.
package holeindex

import (
	"github.com/ajwerner/btree"

	"github.com/dannyzb/gnutella/common"
)

// Item is a single Empty interval as tracked by the index.
type Item struct {
	Extent common.Extent
}

func less(a, b Item) int {
	if a.Extent.Length != b.Extent.Length {
		if a.Extent.Length > b.Extent.Length {
			return -1
		}
		return 1
	}
	if a.Extent.Start != b.Extent.Start {
		if a.Extent.Start < b.Extent.Start {
			return -1
		}
		return 1
	}
	return 0
}

// Index orders Empty intervals by (length desc, offset asc).
type Index struct {
	btree btree.Set[Item]
}

func New() *Index {
	return &Index{
		btree: btree.MakeSet(less),
	}
}

func (idx *Index) Add(e common.Extent) {
	idx.btree.Upsert(Item{e})
}

func (idx *Index) Delete(e common.Extent) {
	idx.btree.Delete(Item{e})
}

// Largest returns the largest indexed interval, or ok=false if empty.
func (idx *Index) Largest() (e common.Extent, ok bool) {
	it := idx.btree.Iterator()
	it.First()
	if !it.Valid() {
		return common.Extent{}, false
	}
	return it.Cur().Extent, true
}

// Scan walks intervals in (length desc, offset asc) order until f returns false.
func (idx *Index) Scan(f func(common.Extent) bool) {
	it := idx.btree.Iterator()
	for it.First(); it.Valid(); it.Next() {
		if !f(it.Cur().Extent) {
			return
		}
	}
}

func (idx *Index) Len() int {
	n := 0
	idx.Scan(func(common.Extent) bool {
		n++
		return true
	})
	return n
}
