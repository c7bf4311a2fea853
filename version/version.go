// Package version provides default versions, vendor codes, and user-agents
// for node identification.
package version

var (
	// DefaultVendorCode is this client's 4-byte vendor code, the GUESS
	// equivalent of a BEP20 client prefix. Nothing in this repository
	// sends it.
	DefaultVendorCode string
	// This should be updated when client behaviour changes in a way that other peers could care
	// about.
	DefaultUpnpId       string
	DefaultHttpUserAgent string
)

func init() {
	DefaultVendorCode = "GTNL"
	DefaultUpnpId = "gnutella-node 0.1"
	DefaultHttpUserAgent = "gnutella-node/0.1"
}
