package transport

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rock3qiu/libtorrent/pkg/interfaces"
)

// RealClock adapts github.com/benbjohnson/clock's real clock to
// interfaces.Clock. The two aren't directly interface-compatible — their
// AfterFunc returns a concrete *clock.Timer where ours returns the
// interfaces.Timer seam — so this wraps each call instead of asserting
// the concrete type in directly.
type RealClock struct {
	inner clock.Clock
}

// NewRealClock builds a RealClock backed by the real wall clock.
func NewRealClock() *RealClock {
	return &RealClock{inner: clock.New()}
}

var _ interfaces.Clock = (*RealClock)(nil)

func (c *RealClock) Now() time.Time { return c.inner.Now() }

func (c *RealClock) After(d time.Duration) <-chan time.Time { return c.inner.After(d) }

func (c *RealClock) AfterFunc(d time.Duration, f func()) interfaces.Timer {
	return c.inner.AfterFunc(d, f)
}
