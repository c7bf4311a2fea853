package guess

import (
	"math/rand"
	"net/netip"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/dannyzb/gnutella/common"
)

func addrPort(s string, port uint16) common.AddrPort {
	return common.AddrPort{Addr: netip.MustParseAddr(s), Port: port}
}

func TestLinkCacheTouchAndSample(t *testing.T) {
	c := qt.New(t)
	lc := NewLinkCache(10)
	now := time.Unix(0, 0)

	a := addrPort("10.0.0.1", 1)
	b := addrPort("10.0.0.2", 2)
	lc.Touch(a, now)
	lc.Touch(b, now.Add(time.Second))

	c.Assert(lc.Len(), qt.Equals, 2)
	c.Assert(lc.Contains(a), qt.IsTrue)

	sample := lc.Sample(10)
	c.Assert(sample[0], qt.Equals, b)
	c.Assert(sample[1], qt.Equals, a)
}

func TestLinkCacheEviction(t *testing.T) {
	c := qt.New(t)
	lc := NewLinkCache(2)
	now := time.Unix(0, 0)

	a := addrPort("10.0.0.1", 1)
	b := addrPort("10.0.0.2", 2)
	cc := addrPort("10.0.0.3", 3)
	lc.Touch(a, now)
	lc.Touch(b, now)
	lc.Touch(cc, now)

	c.Assert(lc.Len(), qt.Equals, 2)
	c.Assert(lc.Contains(a), qt.IsFalse)
	c.Assert(lc.Contains(b), qt.IsTrue)
	c.Assert(lc.Contains(cc), qt.IsTrue)
}

func TestLinkCacheRemove(t *testing.T) {
	c := qt.New(t)
	lc := NewLinkCache(10)
	a := addrPort("10.0.0.1", 1)
	lc.Touch(a, time.Unix(0, 0))
	lc.Remove(a)
	c.Assert(lc.Contains(a), qt.IsFalse)
}

func TestLinkCacheInsertWithProbability(t *testing.T) {
	c := qt.New(t)
	lc := NewLinkCache(10)
	a := addrPort("10.0.0.1", 1)
	rng := rand.New(rand.NewSource(1))

	lc.InsertWithProbability(a, 0, time.Unix(0, 0), rng)
	c.Assert(lc.Contains(a), qt.IsFalse)

	lc.InsertWithProbability(a, 1, time.Unix(0, 0), rng)
	c.Assert(lc.Contains(a), qt.IsTrue)
}

func TestLinkCacheStalerThan(t *testing.T) {
	c := qt.New(t)
	lc := NewLinkCache(10)
	now := time.Unix(0, 0)
	a := addrPort("10.0.0.1", 1)
	b := addrPort("10.0.0.2", 2)
	lc.Touch(a, now)
	lc.Touch(b, now.Add(time.Hour))

	stale := lc.StalerThan(30*time.Minute, now.Add(time.Hour))
	c.Assert(stale, qt.DeepEquals, []common.AddrPort{a})
}
