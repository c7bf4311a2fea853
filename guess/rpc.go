package guess

import (
	"net/netip"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/google/btree"
)

// ReplyKind distinguishes an RPC callback's two possible fires.
type ReplyKind int

const (
	Reply ReplyKind = iota
	Timeout
)

// Handle identifies a registered RPC. It carries no pointer: callbacks
// are scheduled by id and re-resolve the RPC (and the query that issued
// it) from the table at fire time, so a query that's been cancelled in
// the meantime is simply not found rather than used after free.
type Handle uint64

func rpcHandle(muid Muid, ip netip.Addr) Handle {
	var buf [32]byte
	copy(buf[:16], muid[:])
	ipBytes := ip.As16()
	copy(buf[16:], ipBytes[:])
	return Handle(xxhash.Sum64(buf[:]))
}

type rpcEntry struct {
	handle   Handle
	muid     Muid
	ip       netip.Addr
	queryID  uint64
	hops     int
	cb       func(kind ReplyKind, addr netip.Addr)
	deadline time.Time
}

// deadlineItem orders rpcEntries in the timeout-sweep btree by
// (deadline, handle), so Table.Sweep can pop everything due without a
// full scan.
type deadlineItem struct {
	deadline time.Time
	handle   Handle
}

func (a deadlineItem) Less(than btree.Item) bool {
	b := than.(deadlineItem)
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.handle < b.handle
}

// ErrBusy is returned by Register when a prior RPC to the same
// (muid, ip) is still outstanding.
var ErrBusy = busyError{}

type busyError struct{}

func (busyError) Error() string { return "guess: rpc busy" }

// Table is the in-flight RPC table keyed by (muid, peer-ip). The port is
// intentionally not part of the key: a peer may reply from a different
// source port than it was contacted on, so while one RPC to an IP is
// outstanding, Register refuses a second one with the same muid to any
// port of that IP with ErrBusy.
type Table struct {
	mu        sync.Mutex
	byHandle  map[Handle]*rpcEntry
	deadlines *btree.BTree
	lifetime  time.Duration
	queryAlive func(queryID uint64) bool
}

func NewTable(lifetime time.Duration, queryAlive func(queryID uint64) bool) *Table {
	if lifetime == 0 {
		lifetime = RpcLifetime
	}
	return &Table{
		byHandle:   make(map[Handle]*rpcEntry),
		deadlines:  btree.New(16),
		lifetime:   lifetime,
		queryAlive: queryAlive,
	}
}

// Register attaches cb to a new RPC against ip for the given muid and
// query. Returns ErrBusy if a prior RPC to the same (muid, ip) is still
// outstanding; the caller is expected to return the endpoint to its pool
// in that case.
func (t *Table) Register(muid Muid, ip netip.Addr, queryID uint64, hops int, now time.Time, cb func(kind ReplyKind, addr netip.Addr)) (Handle, error) {
	h := rpcHandle(muid, ip)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byHandle[h]; ok {
		return 0, ErrBusy
	}
	e := &rpcEntry{
		handle:   h,
		muid:     muid,
		ip:       ip,
		queryID:  queryID,
		hops:     hops,
		cb:       cb,
		deadline: now.Add(t.lifetime),
	}
	t.byHandle[h] = e
	t.deadlines.ReplaceOrInsert(deadlineItem{e.deadline, h})
	return h, nil
}

// HandleReply matches an incoming pong against the table; if found and
// the owning query is still alive, fires the callback with Reply and
// frees the entry.
func (t *Table) HandleReply(muid Muid, ip netip.Addr) (hops int, ok bool) {
	h := rpcHandle(muid, ip)
	t.mu.Lock()
	e, found := t.byHandle[h]
	if found {
		delete(t.byHandle, h)
		t.deadlines.Delete(deadlineItem{e.deadline, h})
	}
	t.mu.Unlock()
	if !found {
		return 0, false
	}
	if t.queryAlive == nil || t.queryAlive(e.queryID) {
		e.cb(Reply, ip)
	}
	return e.hops, true
}

// Sweep fires Timeout for every RPC whose deadline has passed as of now,
// and frees them. Meant to be called from a periodic callout tick rather
// than one timer per RPC.
func (t *Table) Sweep(now time.Time) (fired int) {
	var due []*rpcEntry
	t.mu.Lock()
	for {
		item := t.deadlines.Min()
		if item == nil {
			break
		}
		di := item.(deadlineItem)
		if di.deadline.After(now) {
			break
		}
		e := t.byHandle[di.handle]
		t.deadlines.Delete(di)
		delete(t.byHandle, di.handle)
		if e != nil {
			due = append(due, e)
		}
	}
	t.mu.Unlock()

	for _, e := range due {
		if t.queryAlive == nil || t.queryAlive(e.queryID) {
			e.cb(Timeout, e.ip)
		}
		fired++
	}
	return fired
}

// Pending reports how many RPCs are outstanding for queryID.
func (t *Table) Pending(queryID uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.byHandle {
		if e.queryID == queryID {
			n++
		}
	}
	return n
}
