package guess

import (
	"io"
	"sync"
	"time"

	"github.com/dannyzb/gnutella/common"
)

// fakeNet records every outbound datagram instead of touching the network.
type fakeNet struct {
	mu      sync.Mutex
	sent    []sentPacket
	allow   bool
	onPkt   func(b []byte, from common.IpPort)
}

type sentPacket struct {
	data []byte
	addr common.IpPort
}

func newFakeNet() *fakeNet {
	return &fakeNet{allow: true}
}

func (n *fakeNet) SendUDP(b []byte, addr common.IpPort) error {
	if !n.allow {
		return errFakeSendRefused
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	n.sent = append(n.sent, sentPacket{cp, addr})
	return nil
}

func (n *fakeNet) ListenUDP(onPacket func(b []byte, from common.IpPort)) (io.Closer, error) {
	n.onPkt = onPacket
	return io.NopCloser(nil), nil
}

func (n *fakeNet) LocalPort() uint16 { return 6346 }

func (n *fakeNet) lastSent() (sentPacket, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return sentPacket{}, false
	}
	return n.sent[len(n.sent)-1], true
}

type fakeSendError struct{}

func (fakeSendError) Error() string { return "fake: send refused" }

var errFakeSendRefused = fakeSendError{}

// fakeClock gives tests control over time without real sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	return &fakeTimer{}
}

func (c *fakeClock) Ticker(d time.Duration) Ticker {
	return &fakeTicker{ch: make(chan time.Time, 1)}
}

type fakeTimer struct{}

func (t *fakeTimer) Stop() bool              { return true }
func (t *fakeTimer) Reset(d time.Duration) bool { return true }

type fakeTicker struct {
	ch chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               {}
