package gnutella

import "time"

// Clock is the event loop's source of monotonic time and timers. Tests
// substitute a fake clock to drive RPC timeouts and periodic ticks
// deterministically instead of sleeping in real time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	Ticker(d time.Duration) Ticker
}

// Timer is a cancellable callout, as returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// Ticker delivers periodic callouts until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// realClock is the production Clock, backed by the runtime timer wheel.
type realClock struct{}

func NewRealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

func (realClock) Ticker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool              { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
