// Package interfaces defines the collaborator interfaces the DHT core
// consumes but does not implement itself: a packet transport, a clock, a
// CSPRNG and a signer/verifier pair. The core never opens a socket and
// never reads crypto/rand directly, and its RPC timeouts and token epochs
// run on Clock — those calls go through these seams so a test can supply
// a deterministic or scripted substitute. Routing-table timestamps,
// storage expiry and write rate limiting in the core read time.Now
// directly.
package interfaces

import (
	"context"
	"net"
	"time"
)

// PacketConn is the minimal send/receive surface the DHT core needs from
// a UDP-like transport. The core owns no socket; a collaborator supplies
// one that satisfies this interface (*net.UDPConn does, trivially).
type PacketConn interface {
	// ReadFrom blocks until a datagram arrives or ctx is done.
	ReadFrom(ctx context.Context, buf []byte) (n int, addr net.Addr, err error)

	// WriteTo sends b to addr. Implementations should not block
	// indefinitely; the core treats a send error as a local failure
	// (spec §7 layer 3), not as a protocol error.
	WriteTo(b []byte, addr net.Addr) (n int, err error)

	LocalAddr() net.Addr
	Close() error
}

// Clock abstracts wall-clock reads and timer creation so the RPC manager
// and traversal engine can be driven by a fake clock in tests instead of
// real timeouts. github.com/benbjohnson/clock.Clock does not satisfy this
// interface directly (its AfterFunc returns *clock.Timer);
// pkg/transport's RealClock adapts it.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer (or its fake-clock equivalent) the
// core needs to cancel an armed timeout.
type Timer interface {
	Stop() bool
}

// RandSource is the CSPRNG seam: transaction IDs, write-token secrets and
// BEP-42 "r" nonces all flow through it rather than through crypto/rand
// directly, so a test can supply a seeded, reproducible source.
type RandSource interface {
	// Read fills p with random bytes and never returns a short read
	// (matches io.Reader but documents the no-partial-read expectation).
	Read(p []byte) (n int, err error)
}
