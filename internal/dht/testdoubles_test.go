package dht

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rock3qiu/libtorrent/pkg/interfaces"
)

// fakeClock, fakeTimer and fakeRand are the shared interfaces.Clock /
// interfaces.RandSource test doubles used across this package's tests:
// manual time control instead of real timeouts, deterministic bytes
// instead of crypto/rand.
type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	scheduled []*fakeTimer
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) interfaces.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{f: f}
	c.scheduled = append(c.scheduled, t)
	return t
}

// fireAll runs every still-armed timer once, in scheduling order. Tests
// use this to simulate a request timeout without advancing a real clock.
func (c *fakeClock) fireAll() {
	c.mu.Lock()
	pending := append([]*fakeTimer(nil), c.scheduled...)
	c.scheduled = nil
	c.mu.Unlock()

	for _, t := range pending {
		t.mu.Lock()
		stopped := t.stopped
		t.mu.Unlock()
		if !stopped {
			t.f()
		}
	}
}

type fakeTimer struct {
	mu      sync.Mutex
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	already := t.stopped
	t.stopped = true
	return !already
}

type fakeRand struct{ b byte }

func (r *fakeRand) Read(p []byte) (int, error) {
	for i := range p {
		r.b++
		p[i] = r.b
	}
	return len(p), nil
}

// fakeConn is an interfaces.PacketConn double that queues written
// datagrams for inspection and lets a test inject inbound ones.
type fakeConn struct {
	mu      sync.Mutex
	sent    []sentDatagram
	inbound chan inboundDatagram
	local   net.Addr
}

type sentDatagram struct {
	b    []byte
	addr net.Addr
}

type inboundDatagram struct {
	b    []byte
	addr net.Addr
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan inboundDatagram, 64),
		local:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6881},
	}
}

func (c *fakeConn) ReadFrom(ctx context.Context, buf []byte) (int, net.Addr, error) {
	select {
	case d := <-c.inbound:
		n := copy(buf, d.b)
		return n, d.addr, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), b...)
	c.sent = append(c.sent, sentDatagram{b: cp, addr: addr})
	return len(b), nil
}

func (c *fakeConn) LocalAddr() net.Addr { return c.local }
func (c *fakeConn) Close() error        { return nil }

func (c *fakeConn) lastSent() ([]byte, net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil, nil
	}
	last := c.sent[len(c.sent)-1]
	return last.b, last.addr
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) deliver(b []byte, addr net.Addr) {
	c.inbound <- inboundDatagram{b: b, addr: addr}
}
