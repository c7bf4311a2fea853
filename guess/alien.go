package guess

import (
	"sync"
	"time"

	"github.com/dannyzb/gnutella/common"
)

// alienSet tracks endpoints that answered a query-key ping with a plain
// pong (no QK extension) — they spoke enough of the protocol to get a
// reply through, but didn't support query keys, so they're not real
// GUESS ultrapeers. Entries expire after AlienCacheLife.
type alienSet struct {
	mu      sync.Mutex
	entries map[common.AddrPort]time.Time
	life    time.Duration
}

func newAlienSet(life time.Duration) *alienSet {
	if life == 0 {
		life = AlienCacheLife
	}
	return &alienSet{entries: make(map[common.AddrPort]time.Time), life: life}
}

func (s *alienSet) Mark(addr common.AddrPort, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[addr] = now.Add(s.life)
}

func (s *alienSet) Contains(addr common.AddrPort) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.entries[addr]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(s.entries, addr)
		return false
	}
	return true
}

func (s *alienSet) Expire(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for a, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, a)
		}
	}
}
