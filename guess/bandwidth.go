package guess

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BandwidthGate is a per-second token bucket over outgoing UDP bytes.
// Producers account at enqueue time, not at wire time, so the smoothing
// cost is paid up front. When the budget is exhausted, callers suspend
// on a FIFO wait-queue; the periodic Tick resets the deficit and wakes
// waiters in order until the new budget is exhausted.
type BandwidthGate struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	waiters []chan struct{}
}

func NewBandwidthGate(bytesPerSecond int) *BandwidthGate {
	return &BandwidthGate{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond),
	}
}

// TryAccount attempts to spend n bytes immediately, without waiting.
func (g *BandwidthGate) TryAccount(n int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limiter.AllowN(time.Now(), n)
}

// Wait spends n bytes, suspending on the FIFO wait-queue if the budget
// is currently exhausted.
func (g *BandwidthGate) Wait(ctx context.Context, n int) error {
	if g.TryAccount(n) {
		return nil
	}
	ch := make(chan struct{})
	g.mu.Lock()
	g.waiters = append(g.waiters, ch)
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs on the 1-second callout, refills the budget to a full second's
// worth, and wakes FIFO waiters while budget remains available.
func (g *BandwidthGate) Tick() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limiter = rate.NewLimiter(g.limiter.Limit(), g.limiter.Burst())
	for len(g.waiters) > 0 {
		if !g.limiter.AllowN(time.Now(), 1) {
			break
		}
		ch := g.waiters[0]
		g.waiters = g.waiters[1:]
		close(ch)
	}
}

func (g *BandwidthGate) NumWaiters() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
