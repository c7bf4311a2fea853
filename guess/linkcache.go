package guess

import (
	"math/rand"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/dannyzb/gnutella/common"
)

// LinkCache is a bounded MRU-ordered set of ultrapeer endpoints kept hot
// so queries can start immediately without a pool load from the
// KeyStore.
type LinkCache struct {
	mu   sync.Mutex
	m    *orderedmap.OrderedMap[common.AddrPort, time.Time]
	cap  int
}

func NewLinkCache(cap int) *LinkCache {
	if cap <= 0 {
		cap = LinkCacheSize
	}
	return &LinkCache{
		m:   orderedmap.NewOrderedMap[common.AddrPort, time.Time](),
		cap: cap,
	}
}

// Touch moves addr to the front (most-recently-used position), inserting
// it if absent, evicting the tail if the cache is now over capacity.
func (c *LinkCache) Touch(addr common.AddrPort, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touchLocked(addr, now)
}

func (c *LinkCache) touchLocked(addr common.AddrPort, now time.Time) {
	if _, ok := c.m.Get(addr); ok {
		c.m.Delete(addr)
	}
	c.m.Set(addr, now)
	c.evictLocked()
}

// InsertWithProbability inserts addr with probability p (0..1), used for
// newly-discovered endpoints that haven't proven themselves with
// traffic yet.
func (c *LinkCache) InsertWithProbability(addr common.AddrPort, p float64, now time.Time, rng *rand.Rand) {
	if rng.Float64() >= p {
		return
	}
	c.Touch(addr, now)
}

func (c *LinkCache) evictLocked() {
	for c.m.Len() > c.cap {
		front := c.m.Front()
		if front == nil {
			return
		}
		c.m.Delete(front.Key)
	}
}

func (c *LinkCache) Remove(addr common.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m.Delete(addr)
}

func (c *LinkCache) Contains(addr common.AddrPort) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.m.Get(addr)
	return ok
}

func (c *LinkCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.Len()
}

// Sample returns up to n endpoints, most-recently-used first.
func (c *LinkCache) Sample(n int) []common.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []common.AddrPort
	for el := c.m.Back(); el != nil && len(out) < n; el = el.Prev() {
		out = append(out, el.Key)
	}
	return out
}

// StalerThan returns endpoints we haven't heard from in at least d,
// for the periodic refresh ping.
func (c *LinkCache) StalerThan(d time.Duration, now time.Time) []common.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []common.AddrPort
	for el := c.m.Front(); el != nil; el = el.Next() {
		if now.Sub(el.Value) >= d {
			out = append(out, el.Key)
		}
	}
	return out
}
