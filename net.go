package gnutella

import (
	"context"
	"io"

	"github.com/dannyzb/gnutella/common"
)

// Net is the external transport collaborator: everything above it deals
// in addresses, chunks, and GUESS messages, never in sockets directly.
// The TCP handshake and message framing it performs are not this
// package's concern, only the contract it exposes.
type Net interface {
	// DialChunkConn opens a TCP download connection to addr, already past
	// whatever handshake the peer protocol requires.
	DialChunkConn(ctx context.Context, addr common.IpPort) (ChunkConn, error)

	// SendUDP fires a single datagram at addr. Producers account for it
	// against BandwidthGate before calling this.
	SendUDP(b []byte, addr common.IpPort) error

	// ListenUDP delivers every inbound datagram to onPacket until the
	// returned closer is closed.
	ListenUDP(onPacket func(b []byte, from common.IpPort)) (io.Closer, error)

	// LocalPort reports the UDP port this node listens on, for GGEP
	// IPP/GTKG.IPV6 self-advertisement.
	LocalPort() uint16
}

// ChunkConn is a TCP download connection to a single source, already
// speaking whatever chunk-request protocol the peer uses: request a byte
// range, read back the range actually delivered and its payload.
type ChunkConn interface {
	RequestChunk(ctx context.Context, e common.Extent) error
	ReadChunk(ctx context.Context) (common.Extent, []byte, error)
	AdvertisedRanges() []common.Extent
	Close() error
}
