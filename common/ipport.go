package common

import (
	"fmt"
	"net"
	"net/netip"
)

// IpPort is the endpoint identity used throughout the GUESS engine: a query
// key, an RPC, and a link-cache entry are all keyed on some form of this.
type IpPort struct {
	IP   net.IP
	Port uint16
}

func (me IpPort) String() string {
	return fmt.Sprintf("%s:%d", me.IP, me.Port)
}

// Addr returns the netip.Addr form, used as the comparable map/btree key
// (net.IP is a slice and isn't comparable).
func (me IpPort) Addr() (netip.Addr, bool) {
	a, ok := netip.AddrFromSlice(me.IP)
	return a, ok
}

// AddrPort returns the fully comparable (netip.Addr, port) key. Two IpPorts
// with differently-shaped but equal net.IPs (4-byte vs 16-byte v4-in-v6
// forms) compare equal through this.
type AddrPort struct {
	Addr netip.Addr
	Port uint16
}

func (me IpPort) Key() AddrPort {
	a, _ := me.Addr()
	return AddrPort{a.Unmap(), me.Port}
}

// IpOnlyKey drops the port, which is how GuessRpc intentionally keys its
// table: a peer may reply from a different source port than it was
// contacted on.
func (me IpPort) IpOnlyKey() netip.Addr {
	a, _ := me.Addr()
	return a.Unmap()
}

func (me AddrPort) String() string {
	return fmt.Sprintf("%s:%d", me.Addr, me.Port)
}
