package guess

import (
	"net/netip"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestTableRegisterAndReply(t *testing.T) {
	c := qt.New(t)
	table := NewTable(time.Minute, func(uint64) bool { return true })

	muid := Muid{1}
	ip := netip.MustParseAddr("10.0.0.1")
	now := time.Unix(0, 0)

	var gotKind ReplyKind
	var gotAddr netip.Addr
	_, err := table.Register(muid, ip, 1, 0, now, func(kind ReplyKind, addr netip.Addr) {
		gotKind = kind
		gotAddr = addr
	})
	c.Assert(err, qt.IsNil)
	c.Assert(table.Pending(1), qt.Equals, 1)

	hops, ok := table.HandleReply(muid, ip)
	c.Assert(ok, qt.IsTrue)
	c.Assert(hops, qt.Equals, 0)
	c.Assert(gotKind, qt.Equals, Reply)
	c.Assert(gotAddr, qt.Equals, ip)
	c.Assert(table.Pending(1), qt.Equals, 0)
}

func TestTableRegisterBusy(t *testing.T) {
	c := qt.New(t)
	table := NewTable(time.Minute, nil)
	muid := Muid{1}
	ip := netip.MustParseAddr("10.0.0.1")
	now := time.Unix(0, 0)

	_, err := table.Register(muid, ip, 1, 0, now, func(ReplyKind, netip.Addr) {})
	c.Assert(err, qt.IsNil)

	_, err = table.Register(muid, ip, 1, 0, now, func(ReplyKind, netip.Addr) {})
	c.Assert(err, qt.Equals, ErrBusy)
}

func TestTableHandleReplyUnknown(t *testing.T) {
	c := qt.New(t)
	table := NewTable(time.Minute, nil)
	_, ok := table.HandleReply(Muid{9}, netip.MustParseAddr("1.2.3.4"))
	c.Assert(ok, qt.IsFalse)
}

func TestTableSweep(t *testing.T) {
	c := qt.New(t)
	table := NewTable(time.Second, func(uint64) bool { return true })
	muid := Muid{2}
	ip := netip.MustParseAddr("10.0.0.2")
	now := time.Unix(0, 0)

	var gotKind ReplyKind
	_, err := table.Register(muid, ip, 5, 2, now, func(kind ReplyKind, addr netip.Addr) {
		gotKind = kind
	})
	c.Assert(err, qt.IsNil)

	fired := table.Sweep(now.Add(500 * time.Millisecond))
	c.Assert(fired, qt.Equals, 0)

	fired = table.Sweep(now.Add(2 * time.Second))
	c.Assert(fired, qt.Equals, 1)
	c.Assert(gotKind, qt.Equals, Timeout)
	c.Assert(table.Pending(5), qt.Equals, 0)
}

func TestTableSweepSkipsDeadQuery(t *testing.T) {
	c := qt.New(t)
	table := NewTable(time.Second, func(uint64) bool { return false })
	muid := Muid{3}
	ip := netip.MustParseAddr("10.0.0.3")
	now := time.Unix(0, 0)

	called := false
	_, err := table.Register(muid, ip, 7, 0, now, func(ReplyKind, netip.Addr) {
		called = true
	})
	c.Assert(err, qt.IsNil)

	fired := table.Sweep(now.Add(2 * time.Second))
	c.Assert(fired, qt.Equals, 1)
	c.Assert(called, qt.IsFalse)
}
