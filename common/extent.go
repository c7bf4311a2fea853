// Package common holds small value types shared between the download core
// and the GUESS query engine, so neither has to import the other just to
// pass around a byte range or a socket address.
package common

import "fmt"

// Extent is a half-open byte range [Start, Start+Length) within a file.
type Extent struct {
	Start  int64
	Length int64
}

func (e Extent) End() int64 {
	return e.Start + e.Length
}

func (e Extent) IsEmpty() bool {
	return e.Length <= 0
}

// Intersect returns the overlap of e and o, which IsEmpty if they don't overlap.
func (e Extent) Intersect(o Extent) Extent {
	start := maxInt64(e.Start, o.Start)
	end := minInt64(e.End(), o.End())
	if end <= start {
		return Extent{}
	}
	return Extent{start, end - start}
}

func (e Extent) String() string {
	return fmt.Sprintf("[%d, %d)", e.Start, e.End())
}

// LengthIterFromSizes adapts a slice of region lengths (e.g. one per aliased
// file copy) into a sequence of Extents packed end to end, the same way the
// teacher's upverted file list turns a multi-file torrent's file lengths into
// byte offsets.
func LengthIterFromSizes(sizes []int64) []Extent {
	ret := make([]Extent, 0, len(sizes))
	var off int64
	for _, l := range sizes {
		ret = append(ret, Extent{off, l})
		off += l
	}
	return ret
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
