package gnutella

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dannyzb/gnutella/common"
	"github.com/dannyzb/gnutella/guess"
)

// Client is the node: it owns the download registry, the shared index,
// the host cache, and the GUESS query engine, and drives their periodic
// maintenance loops.
type Client struct {
	cfg    Config
	logger log.Logger

	net      *socketNet
	clock    Clock
	registry *Registry
	shared   *SharedIndex
	hosts    HostCache
	metrics  *Metrics
	guess    *guess.Core

	upnpTeardown func()
	orphans      *OrphanWatcher

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
}

// NewClient wires every collaborator described by Config into a running
// Client. Call Run to start its event loop and Close to tear it down.
func NewClient(cfg Config) (*Client, error) {
	logger := log.Logger{}.WithDefaultLevel(cfg.logLevel())

	net, err := NewSocketNet(cfg.ListenAddr, logger)
	if err != nil {
		return nil, fmt.Errorf("opening socket: %w", err)
	}

	shared, err := NewSharedIndex(cfg.SharedCacheDir)
	if err != nil {
		net.Close()
		return nil, fmt.Errorf("opening shared index: %w", err)
	}

	registry := NewRegistry(logger, shared)
	hosts := NewMemHostCache()
	metrics := NewMetrics(prometheus.DefaultRegisterer)

	keyStoreDB, err := guess.OpenKeyStoreDB(filepath.Join(cfg.DataDir, cfg.QueryKeyStorePath))
	if err != nil {
		net.Close()
		return nil, fmt.Errorf("opening query-key store: %w", err)
	}

	clock := NewRealClock()
	core := guess.NewCore(cfg.guessConfig(), net, guessClockAdapter{clock}, keyStoreDB, cfg.BandwidthBytesPerSec, logger)

	c := &Client{
		cfg:      cfg,
		logger:   logger,
		net:      net,
		clock:    clock,
		registry: registry,
		shared:   shared,
		hosts:    hosts,
		metrics:  metrics,
		guess:    core,
	}
	return c, nil
}

// guessClockAdapter narrows the root Clock to the guess package's local
// Clock interface; both describe the same shape, but guess can't import
// the root package to share the type without an import cycle.
type guessClockAdapter struct{ Clock }

func (a guessClockAdapter) AfterFunc(d time.Duration, f func()) guess.Timer {
	return a.Clock.AfterFunc(d, f)
}

func (a guessClockAdapter) Ticker(d time.Duration) guess.Ticker {
	return a.Clock.Ticker(d)
}

// Run starts the GUESS event loop and UDP listener, blocking until ctx
// is cancelled or Close is called.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	if c.cfg.EnableUpnp {
		if teardown, err := MapUDPPort(c.net.LocalPort(), "gnutella-node"); err == nil {
			c.upnpTeardown = teardown
		} else {
			c.logger.WithDefaultLevel(log.Debug).Printf("upnp mapping failed: %v", err)
		}
	}

	if err := c.guess.Listen(); err != nil {
		cancel()
		return fmt.Errorf("starting guess listener: %w", err)
	}

	if err := c.registry.SpotCompletedOrphans(c.cfg.DataDir, c.shared); err != nil {
		c.logger.WithDefaultLevel(log.Debug).Printf("scanning for orphaned downloads: %v", err)
	}
	if w, err := WatchForOrphans(c.cfg.DataDir, c.registry, c.shared); err == nil {
		c.orphans = w
	} else {
		c.logger.WithDefaultLevel(log.Debug).Printf("watching %s for orphans: %v", c.cfg.DataDir, err)
	}

	go c.maintenanceLoop(ctx)
	c.guess.Run(ctx)
	return nil
}

// maintenanceLoop runs the periodic FileInfo trailer-flush/discard pass
// and store syncs independently of the GUESS engine's own tick.
func (c *Client) maintenanceLoop(ctx context.Context) {
	ticker := c.clock.Ticker(guess.StoreSyncPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			for _, fi := range c.registry.All() {
				if fi.Timer(ctx) {
					c.shared.Unpublish(fi.Sha1.Value)
				} else if fi.IsComplete() {
					c.shared.Publish(fi)
				}
			}
			if err := c.guess.KeyStore().Sync(); err != nil {
				c.logger.WithDefaultLevel(log.Debug).Printf("syncing query-key store: %v", err)
			}
		}
	}
}

// Search starts a new GUESS query for text and returns the handle used
// to track and cancel it. matched decides whether a given pong counts
// as a kept result; mtype (one of the guess.MatchType* constants, or ""
// for substring) additionally governs the title match AddSourceFromHit
// applies once a hit's metadata resolves outside the GUESS engine.
func (c *Client) Search(text, mtype string, matched func(guess.Hit) bool) *guess.Query {
	c.metrics.ActiveQueries.Inc()
	return c.guess.StartQuery(text, mtype, matched, func(q *guess.Query) {
		c.metrics.ActiveQueries.Dec()
	})
}

// AddFile registers a file for download or sharing, restoring its state
// from an on-disk trailer when present.
func (c *Client) AddFile(name, path string, size int64, sha1 [20]byte, hasSha1 bool) *FileInfo {
	fi := c.registry.Get(name, path, size, sha1, hasSha1, size > 0)
	c.metrics.ActiveSources.Set(float64(len(fi.Sources.All())))
	return fi
}

// AddSourceFromHit attaches a download source discovered via a query hit
// carrying addr as a candidate for sha1/name. q is the query that led to
// this hit; if non-nil, name must satisfy q's MatchesTitle before a
// source is created, guarding against an unrelated title slipping in
// attached to a stale or misdirected hit. Reports whether a source was
// attached.
func (c *Client) AddSourceFromHit(q *guess.Query, name, path string, size int64, sha1 [20]byte, hasSha1 bool, addr common.IpPort) bool {
	if q != nil && !q.MatchesTitle(name) {
		return false
	}
	c.shared.TryToSwarmWith(c.registry, name, path, size, sha1, hasSha1, addr, c.net, c.logger)
	c.hosts.Add(addr, RoleAny)
	return true
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c.upnpTeardown != nil {
		c.upnpTeardown()
	}
	if c.orphans != nil {
		c.orphans.Close()
	}
	if err := c.guess.Close(); err != nil {
		return err
	}
	return c.net.Close()
}
