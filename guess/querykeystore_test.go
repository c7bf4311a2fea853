package guess

import (
	"net/netip"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/dannyzb/gnutella/common"
	"github.com/dannyzb/gnutella/store"
)

func newTestKeyStore() *KeyStore {
	db := store.NewMemory[common.AddrPort, QueryKeyEntry]()
	return NewKeyStore(Config{}, db, newAlienSet(time.Minute))
}

func TestKeyStoreTouchAndGet(t *testing.T) {
	c := qt.New(t)
	ks := newTestKeyStore()
	addr := common.AddrPort{Addr: netip.MustParseAddr("10.0.0.1"), Port: 1}
	now := time.Unix(100, 0)

	ks.Touch(addr, now)
	e, ok := ks.Get(addr)
	c.Assert(ok, qt.IsTrue)
	c.Assert(e.LastSeen, qt.Equals, now)
}

func TestKeyStoreRecordQueryKey(t *testing.T) {
	c := qt.New(t)
	ks := newTestKeyStore()
	addr := common.AddrPort{Addr: netip.MustParseAddr("10.0.0.2"), Port: 2}
	now := time.Unix(100, 0)

	ks.RecordQueryKey(addr, []byte{1, 2, 3}, now)
	e, ok := ks.Get(addr)
	c.Assert(ok, qt.IsTrue)
	c.Assert(e.QueryKey, qt.DeepEquals, []byte{1, 2, 3})
	c.Assert(e.Timeouts, qt.Equals, 0)
}

func TestKeyStoreRecordTimeout(t *testing.T) {
	c := qt.New(t)
	ks := newTestKeyStore()
	addr := common.AddrPort{Addr: netip.MustParseAddr("10.0.0.3"), Port: 3}
	now := time.Unix(100, 0)

	ks.RecordTimeout(addr, now) // no-op, entry doesn't exist yet
	_, ok := ks.Get(addr)
	c.Assert(ok, qt.IsFalse)

	ks.Touch(addr, now)
	ks.RecordTimeout(addr, now.Add(time.Second))
	e, ok := ks.Get(addr)
	c.Assert(ok, qt.IsTrue)
	c.Assert(e.Timeouts, qt.Equals, 1)
}

func TestKeyStorePruneExpired(t *testing.T) {
	c := qt.New(t)
	ks := newTestKeyStore()
	addr := common.AddrPort{Addr: netip.MustParseAddr("10.0.0.4"), Port: 4}
	now := time.Unix(1000, 0)

	ks.Touch(addr, now)
	removed := ks.Prune(now.Add(10000 * time.Hour))
	c.Assert(removed, qt.Equals, 1)
	_, ok := ks.Get(addr)
	c.Assert(ok, qt.IsFalse)
}

func TestKeyStorePruneAlien(t *testing.T) {
	c := qt.New(t)
	alien := newAlienSet(time.Hour)
	db := store.NewMemory[common.AddrPort, QueryKeyEntry]()
	ks := NewKeyStore(Config{}, db, alien)
	addr := common.AddrPort{Addr: netip.MustParseAddr("10.0.0.5"), Port: 5}
	now := time.Unix(1000, 0)

	ks.Touch(addr, now)
	alien.Mark(addr, now)

	removed := ks.Prune(now)
	c.Assert(removed, qt.Equals, 1)
}

func TestCandidateForPoolLoad(t *testing.T) {
	c := qt.New(t)
	now := time.Unix(1000, 0)

	fresh := QueryKeyEntry{Timeouts: 0}
	c.Assert(CandidateForPoolLoad(fresh, now, time.Hour), qt.IsTrue)

	recentTimeout := QueryKeyEntry{
		Timeouts:    1,
		LastTimeout: now.Add(-time.Minute),
		FirstSeen:   now.Add(-time.Hour),
		LastSeen:    now,
	}
	c.Assert(CandidateForPoolLoad(recentTimeout, now, time.Hour), qt.IsFalse)

	staleTimeoutStillAlive := QueryKeyEntry{
		Timeouts:    1,
		LastTimeout: now.Add(-2 * time.Hour),
		FirstSeen:   now.Add(-100 * time.Hour),
		LastSeen:    now,
	}
	c.Assert(CandidateForPoolLoad(staleTimeoutStillAlive, now, time.Hour), qt.IsTrue)
}
