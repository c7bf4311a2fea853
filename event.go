package gnutella

import "sync"

// Event provides condition-variable functionality that's compatible with
// eventloop.Lock. It replaces sync.Cond to avoid deadlocks when used with a
// lock that runs deferred actions during Unlock: sync.Cond re-locks the
// mutex itself and would trigger those actions at the wrong time.
type Event struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// Wait blocks until Broadcast is called, releasing and re-acquiring the
// provided lock around the wait.
func (e *Event) Wait(mu sync.Locker) {
	e.mu.Lock()
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	e.mu.Unlock()

	mu.Unlock()
	<-ch
	mu.Lock()
}

// Broadcast wakes all goroutines waiting on this Event.
func (e *Event) Broadcast() {
	e.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}
