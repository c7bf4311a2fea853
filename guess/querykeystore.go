package guess

import (
	"math"
	"time"

	tidwallbtree "github.com/tidwall/btree"

	"github.com/dannyzb/gnutella/common"
	"github.com/dannyzb/gnutella/store"
)

// EntryFlags are the bits carried by a QueryKeyEntry.
type EntryFlags uint8

const (
	FlagPinged EntryFlags = 1 << iota
	FlagOtherHost
	FlagPongIpp
)

// QueryKeyEntry is the persisted per-endpoint record of query-key state.
type QueryKeyEntry struct {
	Addr        common.AddrPort
	FirstSeen   time.Time
	LastSeen    time.Time
	LastUpdate  time.Time
	LastTimeout time.Time
	Flags       EntryFlags
	Timeouts    int
	QueryKey    []byte
}

func (e QueryKeyEntry) hasQueryKey() bool { return len(e.QueryKey) > 0 }

func (e QueryKeyEntry) keyExpired(now time.Time, life time.Duration) bool {
	return now.Sub(e.LastUpdate) > life
}

// stillAliveProbability combines a stability function over
// first_seen/last_seen with a decimation table over consecutive
// timeouts: recent observation across a long span is high-confidence,
// and every additional timeout multiplies confidence by 0.85.
func stillAliveProbability(e QueryKeyEntry, now time.Time) float64 {
	span := e.LastSeen.Sub(e.FirstSeen)
	sinceLastSeen := now.Sub(e.LastSeen)
	if span <= 0 {
		span = time.Second
	}
	base := float64(span) / (float64(span) + float64(sinceLastSeen))
	return base * math.Pow(TimeoutDecayFactor, float64(e.Timeouts))
}

// alivePruneItem orders entries by alive probability ascending. KeyStore
// creates pruneTree over it, but nothing inserts into it and Prune walks
// the whole store instead.
type alivePruneItem struct {
	prob float64
	addr common.AddrPort
}

func aliveLess(a, b alivePruneItem) bool {
	if a.prob != b.prob {
		return a.prob < b.prob
	}
	return a.addr.String() < b.addr.String()
}

// KeyStore is the persistent (ip, port) -> QueryKeyEntry map, with
// periodic pruning of entries whose alive probability has decayed past
// the stable floor and periodic sync to disk.
type KeyStore struct {
	cfg   Config
	db    store.Store[common.AddrPort, QueryKeyEntry]
	alien *alienSet

	pruneTree *tidwallbtree.BTreeG[alivePruneItem]
}

func entryCodec() store.Codec[common.AddrPort, QueryKeyEntry] {
	return store.Codec[common.AddrPort, QueryKeyEntry]{
		EncodeKey:   encodeAddrPort,
		DecodeKey:   decodeAddrPort,
		EncodeValue: encodeEntry,
		DecodeValue: decodeEntry,
	}
}

// OpenKeyStoreDB opens (creating if absent) the bbolt-backed store
// backing a KeyStore.
func OpenKeyStoreDB(path string) (store.Store[common.AddrPort, QueryKeyEntry], error) {
	return store.NewBolt(path, entryCodec())
}

func NewKeyStore(cfg Config, db store.Store[common.AddrPort, QueryKeyEntry], alien *alienSet) *KeyStore {
	return &KeyStore{
		cfg:       cfg,
		db:        db,
		alien:     alien,
		pruneTree: tidwallbtree.NewBTreeG(aliveLess),
	}
}

func (s *KeyStore) Get(addr common.AddrPort) (QueryKeyEntry, bool) {
	e, ok, _ := s.db.Get(addr)
	return e, ok
}

func (s *KeyStore) Upsert(e QueryKeyEntry) {
	s.db.Put(e.Addr, e)
}

func (s *KeyStore) Delete(addr common.AddrPort) {
	s.db.Delete(addr)
}

// Touch records traffic from addr, creating the entry if it didn't exist.
func (s *KeyStore) Touch(addr common.AddrPort, now time.Time) QueryKeyEntry {
	e, ok := s.Get(addr)
	if !ok {
		e = QueryKeyEntry{Addr: addr, FirstSeen: now}
	}
	e.LastSeen = now
	s.Upsert(e)
	return e
}

// RecordQueryKey stores a freshly received query key for addr.
func (s *KeyStore) RecordQueryKey(addr common.AddrPort, key []byte, now time.Time) {
	e, ok := s.Get(addr)
	if !ok {
		e = QueryKeyEntry{Addr: addr, FirstSeen: now}
	}
	e.QueryKey = key
	e.LastUpdate = now
	e.LastSeen = now
	e.Timeouts = 0
	s.Upsert(e)
}

// RecordTimeout increments the entry's consecutive-timeout count.
func (s *KeyStore) RecordTimeout(addr common.AddrPort, now time.Time) {
	e, ok := s.Get(addr)
	if !ok {
		return
	}
	e.Timeouts++
	e.LastTimeout = now
	s.Upsert(e)
}

// Prune removes entries whose still-alive probability has dropped below
// the stable floor, and any entry the alien set has flagged hostile.
func (s *KeyStore) Prune(now time.Time) (removed int) {
	var doomed []common.AddrPort
	s.db.ForEach(func(addr common.AddrPort, e QueryKeyEntry) error {
		if s.alien != nil && s.alien.Contains(addr) {
			doomed = append(doomed, addr)
			return nil
		}
		if stillAliveProbability(e, now) < StableAliveFloor {
			doomed = append(doomed, addr)
		}
		return nil
	})
	for _, a := range doomed {
		s.Delete(a)
	}
	return len(doomed)
}

// Sync flushes the store to disk.
func (s *KeyStore) Sync() error { return s.db.Sync() }

// CandidateForPoolLoad reports whether e is eligible for pool loading:
// timeouts == 0, or last_timeout is stale and still_alive_probability
// clears AliveFloor, which is stricter than the StableAliveFloor Prune uses.
func CandidateForPoolLoad(e QueryKeyEntry, now time.Time, timeoutDecay time.Duration) bool {
	if e.Timeouts == 0 {
		return true
	}
	staleTimeout := now.Sub(e.LastTimeout) > timeoutDecay
	return staleTimeout && stillAliveProbability(e, now) >= AliveFloor
}
