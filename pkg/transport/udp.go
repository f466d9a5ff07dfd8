// Package transport provides production collaborators for pkg/interfaces:
// a *net.UDPConn adapter and a crypto/rand-backed RandSource, the pair a
// real node wires in where a test wires in its fakes instead.
package transport

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"time"

	"github.com/rock3qiu/libtorrent/pkg/interfaces"
)

// pollInterval bounds how long a ReadFrom call can block past ctx
// cancellation; *net.UDPConn has no context-aware read, so ReadFrom
// re-arms a short deadline and rechecks ctx in a loop instead.
const pollInterval = 200 * time.Millisecond

// UDPConn adapts a *net.UDPConn to interfaces.PacketConn.
type UDPConn struct {
	conn *net.UDPConn
}

// ListenUDP opens a UDP socket on addr (host:port, host may be empty) and
// wraps it as a PacketConn.
func ListenUDP(addr string) (*UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &UDPConn{conn: conn}, nil
}

var _ interfaces.PacketConn = (*UDPConn)(nil)

// ReadFrom blocks until a datagram arrives or ctx is done, polling the
// underlying deadline at pollInterval so a cancelled ctx is honored
// promptly without needing a second goroutine per read.
func (u *UDPConn) ReadFrom(ctx context.Context, buf []byte) (int, net.Addr, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		_ = u.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err == nil {
			return n, addr, nil
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		return 0, nil, err
	}
}

func (u *UDPConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	return u.conn.WriteTo(b, addr)
}

func (u *UDPConn) LocalAddr() net.Addr { return u.conn.LocalAddr() }

func (u *UDPConn) Close() error { return u.conn.Close() }

// CryptoRandSource satisfies interfaces.RandSource over crypto/rand, the
// only acceptable entropy source for transaction IDs, write-token
// secrets and BEP-42 nonces outside of tests.
type CryptoRandSource struct{}

func (CryptoRandSource) Read(p []byte) (int, error) {
	return io.ReadFull(rand.Reader, p)
}
