package gnutella

import (
	"fmt"
	"time"

	"github.com/anacrolix/upnp"
)

// MapUDPPort asks any UPnP gateway on the network to forward udpPort to
// this node, so it can act as a GUESS-reachable ultrapeer rather than
// only ever dialing out.
func MapUDPPort(udpPort uint16, description string) (func(), error) {
	devices := upnp.Discover(0, 2*time.Second)
	if len(devices) == 0 {
		return nil, fmt.Errorf("no upnp gateway discovered")
	}
	dev := devices[0]
	if err := dev.Forward(udpPort, "UDP", description); err != nil {
		return nil, fmt.Errorf("mapping udp port %d: %w", udpPort, err)
	}
	return func() {
		dev.Forward(udpPort, "UDP", "")
	}, nil
}
