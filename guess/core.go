package guess

import (
	"context"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/log"

	"github.com/dannyzb/gnutella/common"
	"github.com/dannyzb/gnutella/store"
)

// Core is the shared context every running Query draws on: its own
// config, a query-key store, a link cache, an RPC table, a bandwidth
// gate, and the transport. One Core can run many concurrent queries.
type Core struct {
	cfg       Config
	net       Net
	clock     Clock
	logger    log.Logger
	linkCache *LinkCache
	keyStore  *KeyStore
	rpc       *Table
	bandwidth *BandwidthGate
	alien     *alienSet

	rng *rand.Rand

	mu         sync.Mutex
	queries    map[uint64]*Query
	byMuid     map[Muid]uint64
	nextID     uint64

	closer  io.Closer
	packets chan packetEvent
}

type packetEvent struct {
	data []byte
	from common.IpPort
}

// NewCore wires the collaborators a GUESS engine needs. db backs the
// query-key store; pass a memory store in tests.
func NewCore(cfg Config, net Net, clock Clock, db store.Store[common.AddrPort, QueryKeyEntry], bandwidthBytesPerSec int, logger log.Logger) *Core {
	alien := newAlienSet(0)
	c := &Core{
		cfg:       cfg,
		net:       net,
		clock:     clock,
		logger:    logger,
		linkCache: NewLinkCache(LinkCacheSize),
		keyStore:  NewKeyStore(cfg, db, alien),
		bandwidth: NewBandwidthGate(bandwidthBytesPerSec),
		alien:     alien,
		rng:       rand.New(rand.NewSource(1)),
		queries:   make(map[uint64]*Query),
		byMuid:    make(map[Muid]uint64),
		packets:   make(chan packetEvent, 256),
	}
	c.rpc = NewTable(cfg.rpcLifetime(), c.queryAlive)
	return c
}

// KeyStore exposes the query-key store so callers can drive its Sync
// on their own schedule alongside other persistence.
func (c *Core) KeyStore() *KeyStore {
	return c.keyStore
}

func (c *Core) queryAlive(queryID uint64) bool {
	c.mu.Lock()
	q, ok := c.queries[queryID]
	c.mu.Unlock()
	return ok && q.IsAlive()
}

func (c *Core) markAlien(addr common.AddrPort, now time.Time) {
	c.alien.Mark(addr, now)
	c.linkCache.Remove(addr)
	c.keyStore.Delete(addr)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range c.queries {
		q.removeFromPool(addr)
	}
}

func newMuid(rng *rand.Rand) Muid {
	var m Muid
	rng.Read(m[:])
	return m
}

// StartQuery begins a new iterative search. onHit is called for every
// acknowledgement whose hops match the query's current iteration and
// returns whether the caller wants to count it as a kept result.
// onDone fires once when the query terminates.
func (c *Core) StartQuery(text, mtype string, onHit func(Hit) bool, onDone func(*Query)) *Query {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	muid := newMuid(c.rng)
	q := newQuery(c, id, text, mtype, muid, onHit, onDone)
	q.flags |= FlagEndStarving
	q.loadPoolFromLinkCache()
	if len(q.pool) == 0 {
		q.flags |= FlagPoolLoad
	}
	c.queries[id] = q
	c.byMuid[muid] = id
	c.mu.Unlock()
	return q
}

func (c *Core) removeQuery(q *Query) {
	c.mu.Lock()
	delete(c.queries, q.ID)
	delete(c.byMuid, q.Muid)
	c.mu.Unlock()
}

// enqueuePacket is the callback handed to the transport's listener
// goroutine. It only queues the datagram; handlePacket runs on Run's
// single goroutine so query state is never touched concurrently. A full
// queue drops the packet, the same as a lost UDP datagram would.
func (c *Core) enqueuePacket(b []byte, from common.IpPort) {
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case c.packets <- packetEvent{cp, from}:
	default:
	}
}

// handlePacket is the inbound UDP demux entry point: decode the
// envelope, find the owning query by muid, resolve the RPC, and feed
// the decoded pong to the query's acknowledgement handler.
func (c *Core) handlePacket(b []byte, from common.IpPort) {
	muid, mtype, payload, err := DecodeMessage(b)
	if err != nil {
		return
	}
	if mtype != TypePong {
		return
	}
	pong, err := DecodePong(payload)
	if err != nil {
		c.alien.Mark(from.Key(), time.Now())
		return
	}

	c.mu.Lock()
	id, ok := c.byMuid[muid]
	var q *Query
	if ok {
		q = c.queries[id]
	}
	c.mu.Unlock()
	if q == nil {
		return
	}

	addr := from.Key()
	_, wasKeyRequest := q.pingInFlight[addr]

	hops, found := c.rpc.HandleReply(muid, addr.Addr)
	if !found {
		return
	}

	q.HandlePong(from, pong, hops, wasKeyRequest)
}

// Run drives the periodic maintenance ticks (RPC sweep, iteration,
// key-store pruning, bandwidth release, link-cache refresh) until ctx
// is cancelled.
func (c *Core) Run(ctx context.Context) {
	rpcTick := c.clock.Ticker(time.Second)
	iterTick := c.clock.Ticker(time.Second)
	maintTick := c.clock.Ticker(PruningPeriod)
	bwTick := c.clock.Ticker(time.Second)
	linkTick := c.clock.Ticker(LinkCacheCheckPeriod)
	defer rpcTick.Stop()
	defer iterTick.Stop()
	defer maintTick.Stop()
	defer bwTick.Stop()
	defer linkTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-rpcTick.C():
			c.rpc.Sweep(now)
		case now := <-iterTick.C():
			c.iterateAll(ctx, now)
		case now := <-maintTick.C():
			c.keyStore.Prune(now)
			c.alien.Expire(now)
		case <-bwTick.C():
			c.bandwidth.Tick()
		case now := <-linkTick.C():
			c.refreshStaleLinks(now)
		case p := <-c.packets:
			c.handlePacket(p.data, p.from)
		}
	}
}

// refreshStaleLinks pings every link-cache entry we haven't heard from
// in AlivePeriod. A quarter of those pings additionally request cached
// pongs (SCP), so the refresh also trickles fresh endpoints into the
// cache instead of only confirming the ones already there.
func (c *Core) refreshStaleLinks(now time.Time) {
	stale := c.linkCache.StalerThan(AlivePeriod, now)
	for _, addr := range stale {
		var blocks Blocks
		if c.rng.Float64() < IntroductionFraction {
			blocks = Blocks{{Key: KeySCP, Value: nil}}
		}
		muid := newMuid(c.rng)
		payload := EncodeMessage(muid, TypePing, EncodePing(blocks))
		ip := common.IpPort{IP: net.IP(addr.Addr.AsSlice()), Port: addr.Port}
		if !c.bandwidth.TryAccount(len(payload)) {
			continue
		}
		if err := c.net.SendUDP(payload, ip); err != nil {
			continue
		}
		c.linkCache.Touch(addr, now)
	}
}

func (c *Core) iterateAll(ctx context.Context, now time.Time) {
	c.mu.Lock()
	snapshot := make([]*Query, 0, len(c.queries))
	for _, q := range c.queries {
		snapshot = append(snapshot, q)
	}
	c.mu.Unlock()

	for _, q := range snapshot {
		if !q.IsAlive() {
			c.removeQuery(q)
			continue
		}
		q.Iterate(ctx, now)
		if !q.IsAlive() {
			c.removeQuery(q)
		}
	}
}

// Listen starts receiving UDP packets and queuing them for Run to
// process on its own goroutine.
func (c *Core) Listen() error {
	closer, err := c.net.ListenUDP(c.enqueuePacket)
	if err != nil {
		return err
	}
	c.closer = closer
	return nil
}

func (c *Core) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
