package gnutella

import (
	"math/rand"
	"sync"

	"github.com/dannyzb/gnutella/common"
)

// HostRole classifies a candidate peer for HostCache lookups.
type HostRole int

const (
	RoleAny HostRole = iota
	RoleUltrapeer
	RoleLeaf
)

// HostCache is the address-indexed set of candidate peers classifiable by
// role, shared between the download core (which wants any peer hinted by
// a query hit) and the GUESS engine (which specifically wants
// ultrapeers).
type HostCache interface {
	Add(addr common.IpPort, role HostRole)
	Sample(role HostRole, n int) []common.IpPort
	Contains(addr common.IpPort) bool
}

// memHostCache is the in-process HostCache, suitable for a single-node
// run; a persistent implementation would layer a store.Store underneath
// the same interface.
type memHostCache struct {
	mu   sync.Mutex
	byRole map[HostRole]map[common.AddrPort]struct{}
}

func NewMemHostCache() HostCache {
	return &memHostCache{byRole: make(map[HostRole]map[common.AddrPort]struct{})}
}

func (c *memHostCache) Add(addr common.IpPort, role HostRole) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byRole[role]
	if !ok {
		m = make(map[common.AddrPort]struct{})
		c.byRole[role] = m
	}
	m[addr.Key()] = struct{}{}
}

func (c *memHostCache) Sample(role HostRole, n int) []common.IpPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.byRole[role]
	if len(m) == 0 {
		return nil
	}
	keys := make([]common.AddrPort, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	if n > len(keys) {
		n = len(keys)
	}
	out := make([]common.IpPort, n)
	for i, k := range keys[:n] {
		out[i] = common.IpPort{IP: k.Addr.AsSlice(), Port: k.Port}
	}
	return out
}

func (c *memHostCache) Contains(addr common.IpPort) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := addr.Key()
	for _, m := range c.byRole {
		if _, ok := m[key]; ok {
			return true
		}
	}
	return false
}
