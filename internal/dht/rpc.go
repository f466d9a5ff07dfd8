package dht

import (
	"context"
	"net"
	"sync"

	"github.com/juju/ratelimit"
	"github.com/rock3qiu/libtorrent/internal/bencode"
	"github.com/rock3qiu/libtorrent/pkg/interfaces"
	"github.com/rock3qiu/libtorrent/pkg/lib/log"
)

var rpcLog = log.Logger("dht.rpc")

// pendingRequest is one in-flight query: what was sent, who it went to,
// and what to do on a matching response or on timeout (spec §4.3).
type pendingRequest struct {
	tid      uint16
	endpoint Endpoint
	method   string
	raw      []byte
	retries  int

	onResponse func(*Msg)
	onTimeout  func()
	timer      interfaces.Timer
}

// Manager owns the outgoing transaction table: it assigns transaction
// IDs, tracks in-flight queries, retries or times them out, and routes
// incoming responses back to their caller. It never inspects KRPC query
// semantics beyond the transaction id — that belongs to query.go and
// handler.go.
type Manager struct {
	mu sync.Mutex

	conn  interfaces.PacketConn
	clock interfaces.Clock
	rng   interfaces.RandSource
	cfg   *Config

	nextTid            uint16
	pending            map[uint16]*pendingRequest
	outstandingPerNode map[Endpoint]int

	// bucket paces newly issued queries and retries to
	// MaxOutstandingGlobal sends per second, with a burst allowance of the
	// same size; it does not bound concurrency (pending's length already
	// does that via MaxOutstandingGlobal).
	bucket *ratelimit.Bucket

	closed bool
}

// NewManager builds a Manager bound to conn. Transaction IDs start at a
// value drawn from rng so two nodes restarted back-to-back don't collide
// on low-numbered ids from a previous run's peer cache.
func NewManager(conn interfaces.PacketConn, clock interfaces.Clock, rng interfaces.RandSource, cfg *Config) *Manager {
	var seed [2]byte
	rng.Read(seed[:])
	return &Manager{
		conn:               conn,
		clock:              clock,
		rng:                rng,
		cfg:                cfg,
		nextTid:            uint16(seed[0])<<8 | uint16(seed[1]),
		pending:            make(map[uint16]*pendingRequest),
		outstandingPerNode: make(map[Endpoint]int),
		bucket:             ratelimit.NewBucketWithRate(float64(cfg.MaxOutstandingGlobal), int64(cfg.MaxOutstandingGlobal)),
	}
}

// Invoke sends a query to endpoint and arranges for onResponse or
// onTimeout to run once: onResponse when a matching "r"/"e" reply
// arrives, onTimeout once the query times out with no retry left
// (announce_peer and put are never retried) or its first write fails.
// Invoke itself returns an error only for local admission-control
// failures (ErrClosed, ErrTooManyOutstanding); protocol-level failure is
// always reported through onTimeout or the "e" branch passed to
// onResponse.
func (m *Manager) Invoke(ctx context.Context, endpoint Endpoint, method string, args map[string]bencode.Value, onResponse func(*Msg), onTimeout func()) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if len(m.pending) >= m.cfg.MaxOutstandingGlobal {
		m.mu.Unlock()
		return ErrTooManyOutstanding
	}
	if m.outstandingPerNode[endpoint] >= m.cfg.MaxOutstandingPerNode {
		m.mu.Unlock()
		return ErrTooManyOutstanding
	}

	tid := m.nextTid
	m.nextTid++
	raw := EncodeQuery(tidBytes(tid), method, args, m.cfg.ReadOnly)

	req := &pendingRequest{
		tid:        tid,
		endpoint:   endpoint,
		method:     method,
		raw:        raw,
		onResponse: onResponse,
		onTimeout:  onTimeout,
	}
	m.pending[tid] = req
	m.outstandingPerNode[endpoint]++
	m.mu.Unlock()

	m.bucket.Wait(1)
	if _, err := m.conn.WriteTo(raw, endpoint.UDPAddr()); err != nil {
		rpcLog.Debug("write failed", "endpoint", endpoint.String(), "method", method, "err", err)
		m.finish(tid)
		onTimeout()
		return nil
	}

	m.armTimer(req)
	return nil
}

// isRetryableMethod reports whether a query kind may be resent on
// timeout. Lookups (ping, find_node, get_peers, get) are idempotent and
// safe to retry; writes (announce_peer, put) are not — per spec.md,
// retrying a write risks a duplicate store with no way to tell the
// original attempt actually failed, so a write that times out gives up
// immediately rather than resending.
func isRetryableMethod(method string) bool {
	switch method {
	case "announce_peer", "put":
		return false
	default:
		return true
	}
}

func (m *Manager) armTimer(req *pendingRequest) {
	req.timer = m.clock.AfterFunc(m.cfg.RequestTimeout, func() { m.onTimerFire(req.tid) })
}

func (m *Manager) onTimerFire(tid uint16) {
	m.mu.Lock()
	req, ok := m.pending[tid]
	if !ok {
		m.mu.Unlock()
		return
	}
	if req.retries >= m.cfg.MaxRetries || !isRetryableMethod(req.method) {
		delete(m.pending, tid)
		m.outstandingPerNode[req.endpoint]--
		m.mu.Unlock()
		req.onTimeout()
		return
	}
	req.retries++
	m.mu.Unlock()

	m.bucket.Wait(1)
	if _, err := m.conn.WriteTo(req.raw, req.endpoint.UDPAddr()); err != nil {
		rpcLog.Debug("retry write failed", "endpoint", req.endpoint.String(), "err", err)
	}
	m.armTimer(req)
}

// HandleIncoming routes a decoded response or error message to its
// waiting caller. It reports false if no pending transaction matches tid
// (a late reply after timeout, a spoofed transaction id, or a stray
// datagram), in which case the caller should simply drop the message.
func (m *Manager) HandleIncoming(msg *Msg) bool {
	tid, ok := tidUint16(msg.Tid)
	if !ok {
		return false
	}

	m.mu.Lock()
	req, ok := m.pending[tid]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pending, tid)
	m.outstandingPerNode[req.endpoint]--
	m.mu.Unlock()

	if req.timer != nil {
		req.timer.Stop()
	}
	req.onResponse(msg)
	return true
}

func (m *Manager) finish(tid uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.pending[tid]; ok {
		if req.timer != nil {
			req.timer.Stop()
		}
		delete(m.pending, tid)
		m.outstandingPerNode[req.endpoint]--
	}
}

// Close stops every armed timer and fails any in-flight transaction's
// onTimeout callback, then marks the manager unusable.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pending := m.pending
	m.pending = make(map[uint16]*pendingRequest)
	m.mu.Unlock()

	for _, req := range pending {
		if req.timer != nil {
			req.timer.Stop()
		}
		req.onTimeout()
	}
	return nil
}

// Outstanding returns the current global in-flight transaction count,
// for tests and metrics.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func tidBytes(tid uint16) []byte {
	return []byte{byte(tid >> 8), byte(tid)}
}

func tidUint16(b []byte) (uint16, bool) {
	if len(b) != 2 {
		return 0, false
	}
	return uint16(b[0])<<8 | uint16(b[1]), true
}

// ReadLoop pumps datagrams off conn until ctx is done, decoding each one
// and handing query/response/error messages to dispatch. It is the
// transport-facing half of the node facade's demultiplexer (dht.go).
func (m *Manager) ReadLoop(ctx context.Context, dispatch func(*Msg, net.Addr)) {
	buf := make([]byte, 65536)
	for {
		n, addr, err := m.conn.ReadFrom(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			rpcLog.Debug("read error", "err", err)
			continue
		}
		msg, err := DecodeMsg(buf[:n])
		if err != nil {
			rpcLog.Debug("malformed datagram", "from", addr.String(), "err", err)
			continue
		}
		dispatch(msg, addr)
	}
}
