package gnutella

import "sync"

// SourceSet is the collection of active, queued, and receiving download
// attempts for a single FileInfo.
type SourceSet struct {
	mu    sync.Mutex
	owner *FileInfo
	byKey map[Download]struct{}
	order []Download
}

func NewSourceSet(owner *FileInfo) *SourceSet {
	return &SourceSet{
		owner: owner,
		byKey: make(map[Download]struct{}),
	}
}

func (ss *SourceSet) Add(d Download) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, ok := ss.byKey[d]; ok {
		return
	}
	ss.byKey[d] = struct{}{}
	ss.order = append(ss.order, d)
}

func (ss *SourceSet) Remove(d Download) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, ok := ss.byKey[d]; !ok {
		return
	}
	delete(ss.byKey, d)
	for i, e := range ss.order {
		if e == d {
			ss.order = append(ss.order[:i], ss.order[i+1:]...)
			break
		}
	}
}

func (ss *SourceSet) All() []Download {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return append([]Download(nil), ss.order...)
}

func (ss *SourceSet) Len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.order)
}

// Fail marks d as failed, releasing its reservations without removing it
// from the set; callers typically follow with RemoveSource once the
// source's own retry budget is exhausted. The caller holds the owning
// FileInfo's lock.
func (ss *SourceSet) Fail(d Download) {
	ss.owner.Chunks.ReleaseDownload(d)
	if s, ok := d.(*Source); ok {
		s.Abort()
	}
}
