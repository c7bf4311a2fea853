package guess

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/anacrolix/log"
	qt "github.com/frankban/quicktest"

	"github.com/dannyzb/gnutella/common"
	"github.com/dannyzb/gnutella/store"
)

func newTestCore(cfg Config, net Net, bytesPerSec int) *Core {
	db := store.NewMemory[common.AddrPort, QueryKeyEntry]()
	clock := newFakeClock(time.Unix(1000, 0))
	return NewCore(cfg, net, clock, db, bytesPerSec, log.Logger{})
}

func TestQueryIteratePingsWhenNoKey(t *testing.T) {
	c := qt.New(t)
	net := newFakeNet()
	core := newTestCore(Config{Alpha: 1}, net, 1<<20)

	addr := common.AddrPort{Addr: netip.MustParseAddr("10.0.0.1"), Port: 6346}
	core.linkCache.Touch(addr, time.Unix(1000, 0))

	q := core.StartQuery("needle", "", nil, nil)
	c.Assert(q.flags&FlagPoolLoad, qt.Equals, Flags(0))

	q.Iterate(context.Background(), time.Unix(1000, 0))

	pkt, ok := net.lastSent()
	c.Assert(ok, qt.IsTrue)
	muid, mtype, _, err := DecodeMessage(pkt.data)
	c.Assert(err, qt.IsNil)
	c.Assert(muid, qt.Equals, q.Muid)
	c.Assert(mtype, qt.Equals, TypePing)
	c.Assert(q.Snapshot().RpcPending, qt.Equals, int64(1))
}

func TestQueryIterateSendsQueryWhenKeyFresh(t *testing.T) {
	c := qt.New(t)
	net := newFakeNet()
	core := newTestCore(Config{Alpha: 1}, net, 1<<20)

	addr := common.AddrPort{Addr: netip.MustParseAddr("10.0.0.2"), Port: 6346}
	now := time.Unix(1000, 0)
	core.linkCache.Touch(addr, now)
	core.keyStore.RecordQueryKey(addr, []byte{9, 9}, now)

	q := core.StartQuery("needle", "", nil, nil)
	q.Iterate(context.Background(), now)

	pkt, ok := net.lastSent()
	c.Assert(ok, qt.IsTrue)
	_, mtype, _, err := DecodeMessage(pkt.data)
	c.Assert(err, qt.IsNil)
	c.Assert(mtype, qt.Equals, TypeQuery)
}

func TestQueryHandlePongRecordsKeyAndPromotesFront(t *testing.T) {
	c := qt.New(t)
	net := newFakeNet()
	core := newTestCore(Config{Alpha: 1}, net, 1<<20)
	now := time.Unix(1000, 0)

	a := common.AddrPort{Addr: netip.MustParseAddr("10.0.0.3"), Port: 1}
	b := common.AddrPort{Addr: netip.MustParseAddr("10.0.0.4"), Port: 2}
	core.linkCache.Touch(a, now)
	core.linkCache.Touch(b, now)

	q := core.StartQuery("needle", "", nil, nil)
	q.Iterate(context.Background(), now) // dispatches ping to one of a/b

	pkt, ok := net.lastSent()
	c.Assert(ok, qt.IsTrue)
	_, _, payload, _ := DecodeMessage(pkt.data)
	_ = payload

	pong := Pong{Port: pkt.addr.Port, IP: pkt.addr.IP, Blocks: Blocks{{Key: KeyQK, Value: []byte{1, 2}}}}
	from := common.IpPort{IP: pkt.addr.IP, Port: pkt.addr.Port}

	q.HandlePong(from, pong, q.hops, true)

	e, ok := core.keyStore.Get(from.Key())
	c.Assert(ok, qt.IsTrue)
	c.Assert(e.QueryKey, qt.DeepEquals, []byte{1, 2})
	c.Assert(q.Snapshot().QueryAcks, qt.Equals, int64(1))
	c.Assert(q.pool[0].addrPort(), qt.Equals, from.Key())
}

func TestQueryHandlePongMarksAlienWhenNoKeyOnKeyRequest(t *testing.T) {
	c := qt.New(t)
	net := newFakeNet()
	core := newTestCore(Config{Alpha: 1}, net, 1<<20)
	now := time.Unix(1000, 0)

	addr := common.AddrPort{Addr: netip.MustParseAddr("10.0.0.5"), Port: 1}
	core.linkCache.Touch(addr, now)

	q := core.StartQuery("needle", "", nil, nil)
	q.Iterate(context.Background(), now)

	from := common.IpPort{IP: addr.Addr.AsSlice(), Port: addr.Port}
	pong := Pong{Port: addr.Port, IP: from.IP, Blocks: nil}

	q.HandlePong(from, pong, q.hops, true)

	c.Assert(core.alien.Contains(addr), qt.IsTrue)
	_, inPool := q.poolIdx[addr]
	c.Assert(inPool, qt.IsFalse)
}

func TestQueryModePromotesToLooseAtWarmingCount(t *testing.T) {
	c := qt.New(t)
	net := newFakeNet()
	core := newTestCore(Config{Alpha: 5, WarmingCount: 2}, net, 1<<20)
	now := time.Unix(1000, 0)

	q := core.StartQuery("needle", "", nil, nil)
	c.Assert(q.Mode(), qt.Equals, Bounded)

	from := common.IpPort{IP: netip.MustParseAddr("10.0.0.6").AsSlice(), Port: 1}
	pong := Pong{Port: 1, IP: from.IP}

	q.HandlePong(from, pong, q.hops, false)
	c.Assert(q.Mode(), qt.Equals, Bounded)
	q.HandlePong(from, pong, q.hops, false)
	c.Assert(q.Mode(), qt.Equals, Loose)
}

func TestQueryDispatchSetsUdpDropWhenBandwidthExhausted(t *testing.T) {
	c := qt.New(t)
	net := newFakeNet()
	core := newTestCore(Config{Alpha: 1}, net, 1) // effectively no budget
	now := time.Unix(1000, 0)

	addr := common.AddrPort{Addr: netip.MustParseAddr("10.0.0.7"), Port: 1}
	core.linkCache.Touch(addr, now)

	q := core.StartQuery("needle", "", nil, nil)
	q.Iterate(context.Background(), now)

	c.Assert(q.flags&FlagUdpDrop != 0 || q.flags&FlagDelayed != 0, qt.IsTrue)
	_, ok := net.lastSent()
	c.Assert(ok, qt.IsFalse)
}

func TestQueryTerminatesWhenPoolExhausted(t *testing.T) {
	c := qt.New(t)
	net := newFakeNet()
	core := newTestCore(Config{Alpha: 1}, net, 1<<20)
	now := time.Unix(1000, 0)

	doneCh := make(chan struct{}, 1)
	q := core.StartQuery("needle", "", nil, func(*Query) { doneCh <- struct{}{} })

	q.flags &^= FlagPoolLoad
	q.Iterate(context.Background(), now)

	select {
	case <-doneCh:
	default:
		c.Fatal("expected onDone to fire when pool is exhausted")
	}
	c.Assert(q.IsAlive(), qt.IsFalse)
}

func TestQueryMatchesTitleVariants(t *testing.T) {
	c := qt.New(t)
	net := newFakeNet()
	core := newTestCore(Config{Alpha: 1}, net, 1<<20)

	sub := core.StartQuery("abba", "", nil, nil)
	c.Assert(sub.MatchesTitle("ABBA - Dancing Queen.mp3"), qt.IsTrue)
	c.Assert(sub.MatchesTitle("Bjorn.mp3"), qt.IsFalse)

	exact := core.StartQuery("abba.mp3", MatchTypeExact, nil, nil)
	c.Assert(exact.MatchesTitle("ABBA.mp3"), qt.IsTrue)
	c.Assert(exact.MatchesTitle("ABBA.mp3.bak"), qt.IsFalse)

	prefix := core.StartQuery("abba", MatchTypePrefix, nil, nil)
	c.Assert(prefix.MatchesTitle("ABBA - Dancing Queen.mp3"), qt.IsTrue)
	c.Assert(prefix.MatchesTitle("Dancing Queen - ABBA.mp3"), qt.IsFalse)

	suffix := core.StartQuery(".mp3", MatchTypeSuffix, nil, nil)
	c.Assert(suffix.MatchesTitle("ABBA - Dancing Queen.MP3"), qt.IsTrue)
	c.Assert(suffix.MatchesTitle("ABBA - Dancing Queen.flac"), qt.IsFalse)
}
