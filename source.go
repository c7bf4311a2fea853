package gnutella

import (
	"context"
	"sync"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/multiless"
	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"

	"github.com/dannyzb/gnutella/common"
)

// sourceTrust ranks sources for the smart-ban / removal-preference
// decision: implicit (hinted, never confirmed good) sources are
// preferred for eviction over ones with a track record of good chunks.
type sourceTrust struct {
	Implicit      bool
	NetGoodChunks int64
}

func (l sourceTrust) Cmp(r sourceTrust) int {
	return multiless.New().Bool(l.Implicit, r.Implicit).Int64(l.NetGoodChunks, r.NetGoodChunks).OrderingInt()
}

// Source is a single remote peer FileInfo is attempting to download chunks
// from. It owns nothing but its own connection and accounting; all
// ChunkMap mutation goes through FileInfo so every FileInfo invariant
// still holds no matter how many Sources are active concurrently.
type Source struct {
	fi      *FileInfo
	addr    common.IpPort
	net     Net
	logger  log.Logger
	implicit bool

	backoff backoff.BackOff

	mu         sync.Mutex
	goodChunks int64
	badChunks  int64

	banned  chansync.SetOnce
	aborted chansync.SetOnce
}

func NewSource(fi *FileInfo, addr common.IpPort, net Net, implicit bool, logger log.Logger) *Source {
	return &Source{
		fi:       fi,
		addr:     addr,
		net:      net,
		implicit: implicit,
		logger:   logger,
		backoff:  backoff.NewExponentialBackOff(),
	}
}

func (s *Source) Trust() sourceTrust {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sourceTrust{Implicit: s.implicit, NetGoodChunks: s.goodChunks - s.badChunks}
}

func (s *Source) Banned() bool {
	return s.banned.IsSet()
}

// Abort marks the source for removal without waiting for its run loop's
// own retry budget; Run observes this and exits at the next opportunity,
// including while parked in the reconnect backoff wait.
func (s *Source) Abort() {
	s.aborted.Set()
}

func (s *Source) shouldStop() bool {
	return s.aborted.IsSet() || s.banned.IsSet()
}

// Run dials the source and loops requesting chunks until the context is
// cancelled, the file completes, or the source is aborted or banned. It
// is meant to run in its own goroutine.
func (s *Source) Run(ctx context.Context) {
	defer s.fi.RemoveSource(s, true)
	for {
		if s.fi.IsComplete() || s.shouldStop() {
			return
		}

		conn, err := s.net.DialChunkConn(ctx, s.addr)
		if err != nil {
			s.logger.WithDefaultLevel(log.Debug).Printf("dialing source %v: %v", s.addr, err)
			wait := s.backoff.NextBackOff()
			if wait == backoff.Stop {
				return
			}
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			case <-s.aborted.Done():
				return
			}
		}
		s.backoff.Reset()
		s.transferLoop(ctx, conn)
		conn.Close()
	}
}

func (s *Source) transferLoop(ctx context.Context, conn ChunkConn) {
	ranges := conn.AdvertisedRanges()
	for {
		if s.fi.IsComplete() || s.shouldStop() {
			return
		}

		var e common.Extent
		var ok bool
		s.fi.mu.Lock()
		if len(ranges) > 0 {
			e, ok = s.fi.Chunks.FindAvailableHole(s, ranges)
		} else {
			e, ok = s.fi.Chunks.FindHole(s)
		}
		s.fi.mu.Unlock()
		if !ok {
			return
		}

		if err := conn.RequestChunk(ctx, e); err != nil {
			s.fi.ClearDownload(s, false)
			s.penalize()
			return
		}

		got, data, err := conn.ReadChunk(ctx)
		if err != nil {
			s.fi.ClearDownload(s, false)
			s.penalize()
			return
		}

		if got != e || int64(len(data)) != got.Length {
			s.fi.ClearDownload(s, false)
			s.penalize()
			return
		}

		s.fi.Update(s, got, Done)
		s.mu.Lock()
		s.goodChunks++
		s.mu.Unlock()
		s.logger.WithDefaultLevel(log.Debug).Printf("got %s chunk from %v", humanize.Bytes(uint64(got.Length)), s.addr)
	}
}

// penalize records a bad chunk and bans the source once its net trust
// goes negative, per the integrity-failure handling: "the offending
// source is penalised (added to a temporary blocklist)".
func (s *Source) penalize() {
	s.mu.Lock()
	bad := s.goodChunks - s.badChunks - 1 < 0
	s.badChunks++
	s.mu.Unlock()
	if bad {
		s.banned.Set()
	}
}
