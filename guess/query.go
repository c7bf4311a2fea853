package guess

import (
	"context"
	"math/rand"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/missinggo/v2/bitmap"
	"github.com/anacrolix/multiless"
	"github.com/bradfitz/iter"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/dannyzb/gnutella/common"
)

// Mode is the query's parallelism regime.
type Mode int

const (
	Bounded Mode = iota
	Loose
)

func (m Mode) String() string {
	if m == Loose {
		return "loose"
	}
	return "bounded"
}

// Flags are the scratch bits carried by a running Query.
type Flags uint16

const (
	FlagDelayed Flags = 1 << iota
	FlagUdpDrop
	FlagSending
	FlagEndStarving
	FlagPoolLoad
)

// Hit is a search result surfaced by a pong carrying matched content;
// what "matched" means is decided by the onHit callback passed to
// Core.StartQuery, this package only threads the raw pong through.
type Hit struct {
	Addr common.IpPort
	Pong Pong
}

// Text-match variants a caller can apply to a candidate title once it
// resolves one out of band for a Hit (this package never sees titles
// itself, since a pong carries no content metadata). MType selects
// between them for MatchesTitle.
const (
	MatchTypeSubstring = ""
	MatchTypeExact     = "exact"
	MatchTypePrefix    = "prefix"
	MatchTypeSuffix    = "suffix"
)

func matchExact(query, title string) bool {
	return strings.EqualFold(query, title)
}

func matchPrefix(query, title string) bool {
	return len(title) >= len(query) && strings.EqualFold(title[:len(query)], query)
}

func matchSubstring(query, title string) bool {
	return strings.Contains(strings.ToLower(title), strings.ToLower(query))
}

// matchSuffix is the reintroduced counterpart to matchPrefix: query
// matches iff it is a case-insensitive suffix of title.
func matchSuffix(query, title string) bool {
	return len(title) >= len(query) && strings.EqualFold(title[len(title)-len(query):], query)
}

// MatchesTitle applies the match variant named by q.MType against title.
// An unrecognized MType falls back to substring, the most permissive of
// the four.
func (q *Query) MatchesTitle(title string) bool {
	switch q.MType {
	case MatchTypeExact:
		return matchExact(q.Text, title)
	case MatchTypePrefix:
		return matchPrefix(q.Text, title)
	case MatchTypeSuffix:
		return matchSuffix(q.Text, title)
	default:
		return matchSubstring(q.Text, title)
	}
}

// Host is one entry in the query's eligible-endpoint pool.
type host struct {
	addr     netip.Addr
	port     uint16
	timeouts int
	lastTimeout time.Time
	pingInFlight bool
}

func (h host) addrPort() common.AddrPort { return common.AddrPort{Addr: h.addr, Port: h.port} }

// Query is one running iterative search.
type Query struct {
	core *Core

	ID        uint64
	Text      string
	Muid      Muid
	MType     string

	mode  Mode
	flags Flags
	hops  int

	// queried tracks which endpoints this query has already dispatched a
	// search to, keyed by a stable per-query interned index rather than
	// the AddrPort itself: membership is a single bitmap.Bitmap instead
	// of a growing map of struct{} values.
	endpointIdx map[common.AddrPort]int
	endpoints   []common.AddrPort
	queried     bitmap.Bitmap

	pool    []host
	poolIdx map[common.AddrPort]int

	pingInFlight map[common.AddrPort]struct{}

	started time.Time

	statsMu sync.Mutex
	queriedNodes int64
	queryAcks    int64
	keptResults  int64
	recvResults  int64
	rpcPending   int64
	bwOutQuery   int64
	bwOutQk      int64

	lastDbLoad time.Time
	dbLoadGroup singleflight.Group
	dbLoadSem   *semaphore.Weighted

	alpha int

	onHit     func(Hit) bool
	onDone    func(*Query)

	alive bool
}

func newQuery(core *Core, id uint64, text, mtype string, muid Muid, onHit func(Hit) bool, onDone func(*Query)) *Query {
	return &Query{
		core:    core,
		ID:      id,
		Text:    text,
		MType:   mtype,
		Muid:    muid,
		mode:    Bounded,
		endpointIdx: make(map[common.AddrPort]int),
		poolIdx: make(map[common.AddrPort]int),
		pingInFlight: make(map[common.AddrPort]struct{}),
		started: time.Now(),
		alpha:   core.cfg.alpha(),
		dbLoadSem: semaphore.NewWeighted(1),
		onHit:   onHit,
		onDone:  onDone,
		alive:   true,
	}
}

func (q *Query) Mode() Mode { return q.mode }

func (q *Query) IsAlive() bool {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	return q.alive
}

// Stats is a point-in-time snapshot of the query's counters, safe to
// read from outside the event loop (e.g. for a status dump).
type Stats struct {
	QueriedNodes int64
	QueryAcks    int64
	KeptResults  int64
	RecvResults  int64
	RpcPending   int64
	Mode         Mode
	Hops         int
}

func (q *Query) Snapshot() Stats {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	return Stats{
		QueriedNodes: q.queriedNodes,
		QueryAcks:    q.queryAcks,
		KeptResults:  q.keptResults,
		RecvResults:  q.recvResults,
		RpcPending:   q.rpcPending,
		Mode:         q.mode,
		Hops:         q.hops,
	}
}

// internIndex returns addr's stable per-query index, assigning a fresh
// one the first time addr is seen.
func (q *Query) internIndex(addr common.AddrPort) int {
	if idx, ok := q.endpointIdx[addr]; ok {
		return idx
	}
	idx := len(q.endpoints)
	q.endpointIdx[addr] = idx
	q.endpoints = append(q.endpoints, addr)
	return idx
}

func (q *Query) addToPool(addr common.AddrPort) {
	if q.queried.Contains(bitmap.BitIndex(q.internIndex(addr))) {
		return
	}
	if _, ok := q.poolIdx[addr]; ok {
		return
	}
	q.poolIdx[addr] = len(q.pool)
	q.pool = append(q.pool, host{addr: addr.Addr, port: addr.Port})
}

// frontOfPool moves addr to the front of the pool, inserting it if
// absent, so a freshly query-keyed endpoint is queried before the rest.
func (q *Query) frontOfPool(addr common.AddrPort) {
	var h host
	if idx, ok := q.poolIdx[addr]; ok {
		h = q.pool[idx]
		q.pool = append(q.pool[:idx], q.pool[idx+1:]...)
	} else {
		h = host{addr: addr.Addr, port: addr.Port}
	}
	q.pool = append([]host{h}, q.pool...)
	q.reindexPool()
}

func (q *Query) reindexPool() {
	for i, h := range q.pool {
		q.poolIdx[h.addrPort()] = i
	}
}

// sortPool orders the pool so the healthiest endpoints are tried
// first: fewest consecutive timeouts, then longest since the last one.
// Called after a bulk refill; per-iteration skip/drop handling in
// nextEligible still governs exactly which endpoint fires next.
func (q *Query) sortPool() {
	sort.SliceStable(q.pool, func(i, j int) bool {
		a, b := q.pool[i], q.pool[j]
		return multiless.New().
			Int64(int64(a.timeouts), int64(b.timeouts)).
			Int64(a.lastTimeout.UnixNano(), b.lastTimeout.UnixNano()).
			OrderingInt() < 0
	})
	q.reindexPool()
}

func (q *Query) removeFromPool(addr common.AddrPort) {
	idx, ok := q.poolIdx[addr]
	if !ok {
		return
	}
	q.pool = append(q.pool[:idx], q.pool[idx+1:]...)
	delete(q.poolIdx, addr)
	q.reindexPool()
}

// terminationReached implements the termination predicate.
func (q *Query) terminationReached(cfg Config) bool {
	q.statsMu.Lock()
	acks := q.queryAcks
	kept := q.keptResults
	q.statsMu.Unlock()

	if acks >= int64(cfg.UltrapeerCap()) {
		return true
	}
	if kept >= int64(cfg.searchMaxResults()) {
		return true
	}
	if q.flags&FlagEndStarving != 0 && len(q.pool) == 0 && q.flags&FlagPoolLoad == 0 {
		return true
	}
	return false
}

// endpointFiltered applies the drop/skip filter while picking from the
// pool. Returns (drop, skip): drop means remove from pool permanently;
// skip means leave in place but don't pick this iteration.
func (q *Query) endpointFiltered(h host, now time.Time, cfg Config, alien *alienSet) (drop, skip bool) {
	ap := h.addrPort()
	if alien != nil && alien.Contains(ap) {
		return true, false
	}
	if h.timeouts > cfg.maxConsecutiveTimeouts() {
		return true, false
	}
	graceSecs := 5 * (1 << uint(minInt(h.timeouts, 30)))
	if !h.lastTimeout.IsZero() && now.Sub(h.lastTimeout) < time.Duration(graceSecs)*time.Second {
		return false, true
	}
	if h.pingInFlight {
		return false, true
	}
	return false, false
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// loadPoolFromLinkCache is the initial pool load: draws from LinkCache
// only.
func (q *Query) loadPoolFromLinkCache() int {
	n := 0
	for _, ap := range q.core.linkCache.Sample(q.core.cfg.alpha() * 4) {
		q.addToPool(ap)
		n++
	}
	q.sortPool()
	return n
}

// loadPoolFromStore is the fallback pool load from the KeyStore,
// rate-limited to once per DbLoadDelay per query by the lastDbLoad check
// so a starved query doesn't re-scan the whole store every iteration;
// the semaphore and singleflight group keep concurrent loads from
// overlapping.
func (q *Query) loadPoolFromStore(now time.Time) {
	if now.Sub(q.lastDbLoad) < DbLoadDelay {
		q.flags |= FlagPoolLoad
		return
	}
	if !q.dbLoadSem.TryAcquire(1) {
		q.flags |= FlagPoolLoad
		return
	}
	defer q.dbLoadSem.Release(1)

	_, _, _ = q.dbLoadGroup.Do("load", func() (any, error) {
		q.core.keyStore.db.ForEach(func(addr common.AddrPort, e QueryKeyEntry) error {
			if CandidateForPoolLoad(e, now, TimeoutDecay) {
				q.addToPool(addr)
			}
			return nil
		})
		q.sortPool()
		return nil, nil
	})
	q.lastDbLoad = now
	q.flags &^= FlagPoolLoad
}

// Iterate runs one scheduling tick of the algorithm described in the
// GUESS query engine design: check termination, maybe refill the pool,
// respect delay/bandwidth waits, compute budget from mode and pending
// RPCs, and dispatch up to that many sends.
func (q *Query) Iterate(ctx context.Context, now time.Time) {
	cfg := q.core.cfg

	if q.terminationReached(cfg) {
		q.complete()
		return
	}

	if q.flags&FlagPoolLoad != 0 {
		q.loadPoolFromStore(now)
	}

	if q.flags&FlagDelayed != 0 {
		return
	}

	var budget int
	if q.mode == Bounded {
		pending := int(q.Snapshot().RpcPending)
		budget = cfg.alpha() - pending
		if budget < 0 {
			budget = 0
		}
	} else {
		budget = cfg.alpha()
	}

	q.hops++
	q.flags |= FlagSending
	q.flags &^= FlagUdpDrop

	for range iter.N(budget) {
		addr, ok := q.nextEligible(now, cfg)
		if !ok {
			break
		}
		if q.dispatchTo(ctx, addr, now) {
			continue
		}
		// A failed dispatch re-adds addr to the pool; retrying it in the
		// same tick would just spin until the budget runs out for no
		// gain, so wait for the next tick instead.
		break
	}

	q.flags &^= FlagSending
	if q.flags&FlagUdpDrop != 0 {
		q.flags |= FlagDelayed
		q.core.clock.AfterFunc(PostDropIterateDelay, func() {
			q.flags &^= FlagDelayed
		})
	}
}

// nextEligible pops the next endpoint from the front of the pool that
// passes the filter, dropping ineligible ones permanently as it goes.
func (q *Query) nextEligible(now time.Time, cfg Config) (common.AddrPort, bool) {
	for len(q.pool) > 0 {
		h := q.pool[0]
		ap := h.addrPort()
		drop, skip := q.endpointFiltered(h, now, cfg, q.core.alien)
		if drop {
			q.removeFromPool(ap)
			continue
		}
		if skip {
			q.pool = append(q.pool[1:], h)
			q.reindexPool()
			continue
		}
		q.removeFromPool(ap)
		return ap, true
	}
	return common.AddrPort{}, false
}

// dispatchTo sends either a query-key request or the search itself,
// depending on whether we hold a fresh key for addr.
func (q *Query) dispatchTo(ctx context.Context, addr common.AddrPort, now time.Time) bool {
	entry, haveEntry := q.core.keyStore.Get(addr)
	needsKey := !haveEntry || !entry.hasQueryKey() || entry.keyExpired(now, q.core.cfg.queryKeyLife())

	ip := addr.Addr
	ipp := common.IpPort{IP: net.IP(ip.AsSlice()), Port: addr.Port}

	if needsKey {
		blocks := Blocks{{Key: KeyQK, Value: nil}}
		payload := EncodeMessage(q.Muid, TypePing, EncodePing(blocks))
		if !q.accountAndSend(payload, ipp, &q.bwOutQk) {
			q.flags |= FlagUdpDrop
			q.addToPool(addr)
			return false
		}
		_, err := q.core.rpc.Register(q.Muid, ip, q.ID, q.hops, now, q.rpcCallback(addr, true))
		if err != nil {
			q.addToPool(addr)
			return false
		}
		q.markPingInFlight(addr)
		q.statsMu.Lock()
		q.rpcPending++
		q.statsMu.Unlock()
		return true
	}

	blocks := Blocks{{Key: KeyQK, Value: entry.QueryKey}}
	payload := EncodeMessage(q.Muid, TypeQuery, EncodeQuery(ipp, q.Text, blocks))
	if !q.accountAndSend(payload, ipp, &q.bwOutQuery) {
		q.flags |= FlagUdpDrop
		q.addToPool(addr)
		return false
	}
	_, err := q.core.rpc.Register(q.Muid, ip, q.ID, q.hops, now, q.rpcCallback(addr, false))
	if err != nil {
		q.addToPool(addr)
		return false
	}
	q.statsMu.Lock()
	q.queriedNodes++
	q.rpcPending++
	q.statsMu.Unlock()
	q.queried.Add(bitmap.BitIndex(q.internIndex(addr)))
	return true
}

func (q *Query) markPingInFlight(addr common.AddrPort) {
	q.pingInFlight[addr] = struct{}{}
	if idx, ok := q.poolIdx[addr]; ok {
		q.pool[idx].pingInFlight = true
	}
}

func (q *Query) accountAndSend(payload []byte, addr common.IpPort, counter *int64) bool {
	if !q.core.bandwidth.TryAccount(len(payload)) {
		return false
	}
	if err := q.core.net.SendUDP(payload, addr); err != nil {
		return false
	}
	q.statsMu.Lock()
	*counter += int64(len(payload))
	q.statsMu.Unlock()
	return true
}

// rpcCallback builds the per-dispatch RPC callback, which settles the
// pending count and records timeouts. isKeyRequest is not consulted:
// alien detection happens in HandlePong, whose wasKeyRequest argument
// handlePacket reads from pingInFlight.
func (q *Query) rpcCallback(addr common.AddrPort, isKeyRequest bool) func(kind ReplyKind, ip netip.Addr) {
	return func(kind ReplyKind, ip netip.Addr) {
		q.statsMu.Lock()
		q.rpcPending--
		q.statsMu.Unlock()
		delete(q.pingInFlight, addr)

		if kind == Timeout {
			q.core.keyStore.RecordTimeout(addr, time.Now())
			if idx, ok := q.poolIdx[addr]; ok {
				q.pool[idx].timeouts++
				q.pool[idx].lastTimeout = time.Now()
			}
			return
		}
		_ = isKeyRequest
	}
}

// HandlePong processes an incoming acknowledgement, whether it's a reply
// to a query-key ping or to the search itself.
func (q *Query) HandlePong(from common.IpPort, pong Pong, hopsAtDispatch int, wasKeyRequest bool) {
	now := time.Now()
	addr := from.Key()
	q.core.keyStore.Touch(addr, now)
	q.core.linkCache.Touch(addr, now)

	if ipp, ok := pong.Blocks.Get(KeyIPP); ok {
		if hosts, err := DecodeIPP(ipp); err == nil {
			for _, h := range hosts {
				ap := h.Key()
				q.core.linkCache.InsertWithProbability(ap, 1.0, now, q.rng())
				q.addToPool(ap)
			}
		}
	}

	qk, hasQK := pong.Blocks.Get(KeyQK)
	if wasKeyRequest && !hasQK {
		q.core.markAlien(addr, now)
		q.removeFromPool(addr)
		return
	}
	if hasQK {
		q.core.keyStore.RecordQueryKey(addr, qk, now)
		q.frontOfPool(addr)
	}

	q.statsMu.Lock()
	q.queryAcks++
	crossedWarming := q.queryAcks >= int64(q.core.cfg.warmingCount())
	q.statsMu.Unlock()

	if crossedWarming && q.mode == Bounded {
		q.mode = Loose
	}

	if hopsAtDispatch != q.hops {
		return
	}

	if q.onHit != nil && q.onHit(Hit{Addr: from, Pong: pong}) {
		q.statsMu.Lock()
		q.keptResults++
		q.recvResults++
		q.statsMu.Unlock()
	} else {
		q.statsMu.Lock()
		q.recvResults++
		q.statsMu.Unlock()
	}
}

func (q *Query) rng() *rand.Rand {
	return q.core.rng
}

func (q *Query) complete() {
	q.statsMu.Lock()
	if !q.alive {
		q.statsMu.Unlock()
		return
	}
	q.alive = false
	q.statsMu.Unlock()
	if q.onDone != nil {
		q.onDone(q)
	}
}

// Cancel terminates the query immediately: it is marked dead and onDone
// fires. Core drops it from its tables on its next iteration pass; a
// pending post-drop delay timer is not stopped. Outstanding RPCs
// remain in the table but their callbacks become no-ops because
// IsAlive() now reports false.
func (q *Query) Cancel() {
	q.complete()
}

