package gnutella

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/anacrolix/log"
	"golang.org/x/sys/unix"

	"github.com/dannyzb/gnutella/common"
)

// socketNet is the concrete, production Net: a UDP socket for GUESS
// traffic and plain TCP dials for chunk transfer.
type socketNet struct {
	udpConn  *net.UDPConn
	logger   log.Logger
	localPort uint16

	mu     sync.Mutex
	closed bool
}

var tcpDialer = net.Dialer{
	FallbackDelay: -1,
	KeepAlive:     -1,
	Control: func(network, address string, c syscall.RawConn) (err error) {
		controlErr := c.Control(func(fd uintptr) {
			err = setSockNoLinger(fd)
		})
		if err == nil {
			err = controlErr
		}
		return
	},
}

// setSockNoLinger turns SO_LINGER on with a zero timeout, so closing an
// aborted chunk connection drops unsent data and resets the connection
// at once instead of lingering.
func setSockNoLinger(fd uintptr) error {
	return unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
}

func NewSocketNet(udpAddr string, logger log.Logger) (*socketNet, error) {
	addr, err := net.ResolveUDPAddr("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving udp addr %q: %w", udpAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening udp %q: %w", udpAddr, err)
	}
	_, portStr, _ := net.SplitHostPort(conn.LocalAddr().String())
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)
	return &socketNet{udpConn: conn, logger: logger, localPort: port}, nil
}

func (n *socketNet) LocalPort() uint16 { return n.localPort }

func (n *socketNet) SendUDP(b []byte, addr common.IpPort) error {
	udpAddr := &net.UDPAddr{IP: addr.IP, Port: int(addr.Port)}
	_, err := n.udpConn.WriteToUDP(b, udpAddr)
	return err
}

func (n *socketNet) ListenUDP(onPacket func(b []byte, from common.IpPort)) (io.Closer, error) {
	go func() {
		buf := make([]byte, 65536)
		for {
			nRead, from, err := n.udpConn.ReadFromUDP(buf)
			if err != nil {
				n.mu.Lock()
				closed := n.closed
				n.mu.Unlock()
				if closed {
					return
				}
				n.logger.WithDefaultLevel(log.Debug).Printf("reading udp: %v", err)
				continue
			}
			pkt := make([]byte, nRead)
			copy(pkt, buf[:nRead])
			onPacket(pkt, common.IpPort{IP: from.IP, Port: uint16(from.Port)})
		}
	}()
	return n, nil
}

func (n *socketNet) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return n.udpConn.Close()
}

// DialChunkConn opens a TCP connection and wraps it in the node's minimal
// chunk-request framing: a request is an 8-byte offset + 4-byte length,
// a response is the same 12-byte header immediately followed by that
// many bytes of payload.
func (n *socketNet) DialChunkConn(ctx context.Context, addr common.IpPort) (ChunkConn, error) {
	raw, err := tcpDialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	return &frameConn{conn: raw}, nil
}

type frameConn struct {
	conn net.Conn
}

func (c *frameConn) RequestChunk(ctx context.Context, e common.Extent) error {
	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(e.Start))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(e.Length))
	_, err := c.conn.Write(hdr[:])
	return err
}

func (c *frameConn) ReadChunk(ctx context.Context) (common.Extent, []byte, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return common.Extent{}, nil, err
	}
	start := int64(binary.BigEndian.Uint64(hdr[0:8]))
	length := int64(binary.BigEndian.Uint32(hdr[8:12]))
	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return common.Extent{}, nil, err
	}
	return common.Extent{Start: start, Length: length}, data, nil
}

// AdvertisedRanges is unknown without a handshake reply; an empty slice
// tells the caller to fall back to FindHole rather than
// FindAvailableHole.
func (c *frameConn) AdvertisedRanges() []common.Extent { return nil }

func (c *frameConn) Close() error { return c.conn.Close() }
