package guess

import (
	"io"
	"time"

	"github.com/dannyzb/gnutella/common"
)

// Net is the UDP transport this package needs. It's declared locally
// rather than imported from the root package so this package never has
// to import it back — the root Client's socket implementation satisfies
// this interface structurally, same as it does the root Net interface.
type Net interface {
	SendUDP(b []byte, addr common.IpPort) error
	ListenUDP(onPacket func(b []byte, from common.IpPort)) (io.Closer, error)
	LocalPort() uint16
}

// Clock is the time source and timer factory used for RPC sweeps and
// periodic maintenance, substituted with a fake in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	Ticker(d time.Duration) Ticker
}

type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}
