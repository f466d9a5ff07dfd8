package dht

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/rock3qiu/libtorrent/internal/bencode"
	"github.com/rock3qiu/libtorrent/pkg/interfaces"
	"github.com/rock3qiu/libtorrent/pkg/lib/crypto"
	"github.com/rock3qiu/libtorrent/pkg/lib/log"
)

var nodeLog = log.Logger("dht.node")

// Node is a single Mainline DHT participant: it owns a routing table (or
// two, for a dual-stack node), the RPC transaction manager, the
// peer/item storage and the query handler, and exposes the four public
// operations of spec §4.7 — bootstrap, announce, get_item, put_item.
// Everything the public operations do funnels through the same Manager
// and RoutingTable instances the read loop (dispatch) updates, so both
// sides of the protocol share one view of liveness and write tokens.
type Node struct {
	localId NodeId
	cfg     *Config

	conn interfaces.PacketConn

	rt      *RoutingTable
	rt6     *RoutingTable
	storage *Storage
	tokens  *TokenManager
	rpc     *Manager
	handler *Handler

	observer *Observer

	clock interfaces.Clock
	rng   interfaces.RandSource
}

// NewNode builds a Node bound to conn. rt6 is built only when dualStack
// is true; a v4-only node answers "want n6"/"nodes6" with nothing.
func NewNode(localId NodeId, conn interfaces.PacketConn, clock interfaces.Clock, rng interfaces.RandSource, cfg *Config, dualStack bool, onAddressChange func(net.IP)) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt := NewRoutingTable(localId, FamilyV4, cfg)
	var rt6 *RoutingTable
	if dualStack {
		rt6 = NewRoutingTable(localId, FamilyV6, cfg)
	}
	storage := NewStorage(cfg)
	tokens := NewTokenManager(cfg.TokenEpoch, clock, rng)
	rpcMgr := NewManager(conn, clock, rng, cfg)
	handler := NewHandler(localId, rt, rt6, storage, tokens, cfg)

	return &Node{
		localId:  localId,
		cfg:      cfg,
		conn:     conn,
		rt:       rt,
		rt6:      rt6,
		storage:  storage,
		tokens:   tokens,
		rpc:      rpcMgr,
		handler:  handler,
		observer: NewObserver(rt, rt6, onAddressChange),
		clock:    clock,
		rng:      rng,
	}, nil
}

// Start runs the read loop in its own goroutine until ctx is done.
func (n *Node) Start(ctx context.Context) {
	go n.rpc.ReadLoop(ctx, n.dispatch)
}

// Close releases the RPC manager's resources, failing every in-flight
// transaction. It does not close conn — the caller owns that.
func (n *Node) Close() error {
	return n.rpc.Close()
}

// Stats snapshots the node's traffic counters, for a periodic log line
// or a metrics exporter.
func (n *Node) Stats() Stats {
	return n.observer.Stats()
}

// dispatch is the demultiplexer named in spec §5: every datagram read
// off the wire, query or reply, funnels through here.
func (n *Node) dispatch(msg *Msg, addr net.Addr) {
	from := endpointFromAddr(addr)
	if msg.Type == TypeQuery {
		n.handleQuery(msg, from)
		return
	}
	if !n.rpc.HandleIncoming(msg) {
		n.observer.RecordDropped()
		nodeLog.Debug("dropped unmatched message", "from", from.String(), "type", string(msg.Type))
	}
}

func (n *Node) handleQuery(msg *Msg, from Endpoint) {
	values, kerr, respond := n.handler.Handle(msg, from)
	if !respond {
		return
	}

	var raw []byte
	if kerr != nil {
		n.observer.RecordError()
		raw = EncodeError(msg.Tid, kerr.Code, kerr.Message)
	} else {
		if values == nil {
			values = map[string]bencode.Value{}
		}
		values["ip"] = bencode.Bytes(encodeCompactPeer(from))
		raw = EncodeResponse(msg.Tid, values)
	}
	if _, err := n.conn.WriteTo(raw, from.UDPAddr()); err != nil {
		nodeLog.Debug("reply write failed", "to", from.String(), "err", err)
	}
}

func endpointFromAddr(addr net.Addr) Endpoint {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return NewEndpoint(udp.IP, udp.Port)
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Endpoint{}
	}
	port, _ := strconv.Atoi(portStr)
	return NewEndpoint(net.ParseIP(host), port)
}

func (n *Node) routingTableFor(ep Endpoint) *RoutingTable {
	if ep.IsV4() || n.rt6 == nil {
		return n.rt
	}
	return n.rt6
}

// invoke wraps Manager.Invoke with the bookkeeping every outgoing probe
// shares: RTT-stamping NodeSeen on success, NodeFailed on error or
// timeout, and folding a reply's "ip" field into BEP-42 IP voting.
func (n *Node) invoke(ctx context.Context, to NodeEntry, method string, args map[string]bencode.Value, onDone func(ProbeOutcome), parse func(*Msg) ProbeOutcome) {
	rt := n.routingTableFor(to.Endpoint)
	start := n.clock.Now()

	n.observer.RecordSent()
	err := n.rpc.Invoke(ctx, to.Endpoint, method, args,
		func(msg *Msg) {
			if msg.Type == TypeError {
				rt.NodeFailed(to.ID, to.Endpoint)
				onDone(ProbeOutcome{Failed: true})
				return
			}
			rtt := n.clock.Now().Sub(start)
			if idB, ok := msg.Values.GetString("id"); ok {
				if id, err := NodeIdFromBytes(idB); err == nil {
					rt.NodeSeen(id, to.Endpoint, &rtt)
				}
			}
			if ipB, ok := msg.Values.GetString("ip"); ok {
				if ep, err := decodeCompactPeer(ipB); err == nil {
					n.observer.ObserveIP(ep)
				}
			}
			onDone(parse(msg))
		},
		func() {
			n.observer.RecordTimeout()
			rt.NodeFailed(to.ID, to.Endpoint)
			onDone(ProbeOutcome{Failed: true})
		},
	)
	if err != nil {
		onDone(ProbeOutcome{Failed: true})
	}
}

func (n *Node) newFindNodeProbe(target NodeId) ProbeFunc {
	return func(ctx context.Context, to NodeEntry, onDone func(ProbeOutcome)) {
		args := map[string]bencode.Value{
			"id":     bencode.Bytes(n.localId[:]),
			"target": bencode.Bytes(target[:]),
		}
		n.invoke(ctx, to, "find_node", args, onDone, parseNodesOutcome)
	}
}

func (n *Node) newGetPeersProbe(infohash NodeId) ProbeFunc {
	return func(ctx context.Context, to NodeEntry, onDone func(ProbeOutcome)) {
		args := map[string]bencode.Value{
			"id":        bencode.Bytes(n.localId[:]),
			"info_hash": bencode.Bytes(infohash[:]),
		}
		n.invoke(ctx, to, "get_peers", args, onDone, parseGetPeersOutcome)
	}
}

func (n *Node) newGetProbe(target NodeId, pubKey, salt []byte) ProbeFunc {
	return func(ctx context.Context, to NodeEntry, onDone func(ProbeOutcome)) {
		args := map[string]bencode.Value{
			"id":     bencode.Bytes(n.localId[:]),
			"target": bencode.Bytes(target[:]),
		}
		n.invoke(ctx, to, "get", args, onDone, func(msg *Msg) ProbeOutcome {
			return parseGetOutcome(msg, target, pubKey, salt)
		})
	}
}

func parseNodesOutcome(msg *Msg) ProbeOutcome {
	var out ProbeOutcome
	if b, ok := msg.Values.GetString("nodes"); ok {
		if nodes, err := decodeCompactNodes(b); err == nil {
			out.Nodes = nodes
		}
	}
	if b, ok := msg.Values.GetString("nodes6"); ok {
		if nodes, err := decodeCompactNodes6(b); err == nil {
			out.Nodes6 = nodes
		}
	}
	return out
}

func parseGetPeersOutcome(msg *Msg) ProbeOutcome {
	out := parseNodesOutcome(msg)
	if tok, ok := msg.Values.GetString("token"); ok {
		out.Token = append([]byte(nil), tok...)
	}
	if values, ok := msg.Values.GetList("values"); ok {
		for _, v := range values {
			if v.Kind != bencode.KindString {
				continue
			}
			if ep, err := decodeCompactPeer(v.Str); err == nil {
				out.Peers = append(out.Peers, ep)
			}
		}
	}
	return out
}

// parseGetOutcome trusts only the caller-supplied pubKey/salt to verify a
// mutable reply's signature, never the remote's self-reported "k" — a
// remote can't forge ownership of a target it doesn't hold the private
// key for this way. A nil pubKey selects the immutable path instead,
// where the target itself (SHA-1 of v) is the only thing checked.
func parseGetOutcome(msg *Msg, target NodeId, pubKey, salt []byte) ProbeOutcome {
	out := parseNodesOutcome(msg)
	if tok, ok := msg.Values.GetString("token"); ok {
		out.Token = append([]byte(nil), tok...)
	}

	v, hasV := msg.Values.GetString("v")
	if !hasV {
		return out
	}

	seq, hasSeq := msg.Values.GetInt("seq")
	if !hasSeq {
		if len(pubKey) == 0 && ImmutableTarget(v) == target {
			out.Value = append([]byte(nil), v...)
		}
		return out
	}
	if len(pubKey) == 0 {
		return out
	}
	sig, _ := msg.Values.GetString("sig")
	if valid, err := VerifyMutableSignature(pubKey, sig, seq, salt, v); err != nil || !valid {
		return out
	}
	out.Value = append([]byte(nil), v...)
	s := seq
	out.Seq = &s
	return out
}

// Bootstrap seeds the routing table by issuing a direct find_node(target
// = localId) against each seed address (whose node ID is not yet known,
// so it can't go through the candidate-keyed Traversal machinery), then
// runs a full traversal toward localId to populate the table from
// whatever those seeds returned.
func (n *Node) Bootstrap(ctx context.Context, seeds []Endpoint) error {
	opID := uuid.NewString()
	nodeLog.Debug("bootstrap starting", "op", opID, "seeds", len(seeds))

	var mu sync.Mutex
	var learned []NodeEntry
	var errs error

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range seeds {
		s := s
		g.Go(func() error {
			done := make(chan struct{})
			args := map[string]bencode.Value{
				"id":     bencode.Bytes(n.localId[:]),
				"target": bencode.Bytes(n.localId[:]),
			}
			err := n.rpc.Invoke(gctx, s, "find_node", args,
				func(msg *Msg) {
					defer close(done)
					if msg.Type == TypeError {
						return
					}
					idB, ok := msg.Values.GetString("id")
					if !ok {
						return
					}
					id, err := NodeIdFromBytes(idB)
					if err != nil {
						return
					}
					n.routingTableFor(s).NodeSeen(id, s, nil)
					mu.Lock()
					learned = append(learned, NodeEntry{ID: id, Endpoint: s})
					mu.Unlock()
				},
				func() { close(done) },
			)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
				return nil // a local admission failure on one seed shouldn't abort the rest
			}
			<-done
			return nil
		})
	}
	_ = g.Wait()

	seeds4 := n.rt.FindNode(n.localId, n.cfg.K)
	candidates := append(seeds4, learned...)
	if len(candidates) == 0 {
		nodeLog.Debug("bootstrap found no usable seeds", "op", opID, "errs", errs)
		return ErrBootstrapFailed
	}

	probe := n.newFindNodeProbe(n.localId)
	trav := NewTraversal(n.localId, n.cfg.Alpha, n.cfg.K, candidates, probe)
	trav.Run(ctx, func(results []*candidate) {
		nodeLog.Debug("bootstrap traversal complete", "op", opID, "responded", len(results))
	})
	return nil
}

// fanOutWrite sends method with per-candidate args (closing over each
// candidate's write token) to every holder that has one, bounding
// concurrency to cfg.Alpha so a K-wide fan-out doesn't burst past the
// RPC manager's per-node cap. It returns how many of those sends got a
// non-error reply and the combined local-admission errors, if any.
func (n *Node) fanOutWrite(ctx context.Context, holders []*candidate, method string, buildArgs func(*candidate) map[string]bencode.Value) (int, error) {
	var stored atomic.Int64
	var mu sync.Mutex
	var errs error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.cfg.Alpha)
	for _, c := range holders {
		if c.token == nil {
			continue
		}
		c := c
		g.Go(func() error {
			done := make(chan struct{})
			err := n.rpc.Invoke(gctx, c.entry.Endpoint, method, buildArgs(c),
				func(msg *Msg) {
					defer close(done)
					if msg.Type != TypeError {
						stored.Add(1)
					}
				},
				func() { close(done) },
			)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
				return nil
			}
			<-done
			return nil
		})
	}
	_ = g.Wait()
	return int(stored.Load()), errs
}

// Announce runs a get_peers traversal toward infohash, reports every
// distinct peer endpoint it collected along the way through onPeers,
// and announce_peers the local port to every one of the closest K
// nodes that handed back a write token.
func (n *Node) Announce(ctx context.Context, infohash NodeId, port int, isSeed bool, onPeers func([]Endpoint)) (int, error) {
	probe := n.newGetPeersProbe(infohash)
	seeds := n.rt.FindNode(infohash, n.cfg.K)
	trav := NewTraversal(infohash, n.cfg.Alpha, n.cfg.K, seeds, probe)

	peerSet := make(map[Endpoint]struct{})
	var holders []*candidate
	trav.Run(ctx, func(results []*candidate) {
		holders = results
		for _, c := range results {
			for _, p := range c.peers {
				peerSet[p] = struct{}{}
			}
		}
	})

	if onPeers != nil {
		peers := make([]Endpoint, 0, len(peerSet))
		for p := range peerSet {
			peers = append(peers, p)
		}
		onPeers(peers)
	}

	return n.fanOutWrite(ctx, holders, "announce_peer", func(c *candidate) map[string]bencode.Value {
		args := map[string]bencode.Value{
			"id":        bencode.Bytes(n.localId[:]),
			"info_hash": bencode.Bytes(infohash[:]),
			"port":      bencode.Int(int64(port)),
			"token":     bencode.Bytes(c.token),
		}
		if isSeed {
			args["seed"] = bencode.Int(1)
		}
		return args
	})
}

// GetItem runs a get traversal toward target and reports the best
// (highest valid seq, for a mutable item) value found among the
// closest K responded nodes, or a nil value if none of them had it.
// Leave pubKey and salt nil for an immutable lookup; supply both,
// alongside target = MutableTarget(pubKey, salt), for a mutable one.
func (n *Node) GetItem(ctx context.Context, target NodeId, pubKey, salt []byte, onItem func(value []byte, seq *int64)) {
	probe := n.newGetProbe(target, pubKey, salt)
	seeds := n.rt.FindNode(target, n.cfg.K)
	trav := NewTraversal(target, n.cfg.Alpha, n.cfg.K, seeds, probe)

	trav.Run(ctx, func(results []*candidate) {
		var bestValue []byte
		var bestSeq *int64
		for _, c := range results {
			if c.value == nil {
				continue
			}
			if c.seq == nil {
				if bestValue == nil && bestSeq == nil {
					bestValue = c.value
				}
				continue
			}
			if bestSeq == nil || *c.seq > *bestSeq {
				bestSeq = c.seq
				bestValue = c.value
			}
		}
		onItem(bestValue, bestSeq)
	})
}

// PutImmutableItem locates the closest K nodes to SHA-1(value), collects
// their write tokens via a get traversal, then puts value to each.
func (n *Node) PutImmutableItem(ctx context.Context, value []byte) (NodeId, int, error) {
	if len(value) > MaxValueSize {
		return NodeId{}, 0, ErrValueTooLarge
	}
	target := ImmutableTarget(value)
	probe := n.newGetProbe(target, nil, nil)
	seeds := n.rt.FindNode(target, n.cfg.K)
	trav := NewTraversal(target, n.cfg.Alpha, n.cfg.K, seeds, probe)

	var holders []*candidate
	trav.Run(ctx, func(results []*candidate) { holders = results })

	stored, err := n.fanOutWrite(ctx, holders, "put", func(c *candidate) map[string]bencode.Value {
		return map[string]bencode.Value{
			"id":    bencode.Bytes(n.localId[:]),
			"token": bencode.Bytes(c.token),
			"v":     bencode.Bytes(value),
		}
	})
	return target, stored, err
}

// PutMutableItem runs a get traversal toward MutableTarget(pubKey, salt)
// to collect write tokens and the current (seq, value) held by the
// closest K nodes, invokes dataCb with that current state so the caller
// can publish a correctly-CAS'd update, signs the result with priv, and
// puts it to every token holder.
func (n *Node) PutMutableItem(ctx context.Context, priv crypto.PrivateKey, salt []byte, dataCb func(current []byte, seq int64) (value []byte, cas *int64)) (NodeId, int, error) {
	pub, err := priv.GetPublic().Raw()
	if err != nil {
		return NodeId{}, 0, err
	}
	target := MutableTarget(pub, salt)

	probe := n.newGetProbe(target, pub, salt)
	seeds := n.rt.FindNode(target, n.cfg.K)
	trav := NewTraversal(target, n.cfg.Alpha, n.cfg.K, seeds, probe)

	var holders []*candidate
	var currentSeq int64
	var currentValue []byte
	trav.Run(ctx, func(results []*candidate) {
		holders = results
		for _, c := range results {
			if c.seq != nil && *c.seq > currentSeq {
				currentSeq = *c.seq
				currentValue = c.value
			}
		}
	})

	value, cas := dataCb(currentValue, currentSeq)
	if len(value) > MaxValueSize {
		return target, 0, ErrValueTooLarge
	}
	newSeq := currentSeq + 1
	sig, err := SignMutableValue(priv, newSeq, salt, value)
	if err != nil {
		return target, 0, err
	}

	stored, werr := n.fanOutWrite(ctx, holders, "put", func(c *candidate) map[string]bencode.Value {
		args := map[string]bencode.Value{
			"id":    bencode.Bytes(n.localId[:]),
			"token": bencode.Bytes(c.token),
			"v":     bencode.Bytes(value),
			"k":     bencode.Bytes(pub),
			"sig":   bencode.Bytes(sig),
			"seq":   bencode.Int(newSeq),
		}
		if len(salt) > 0 {
			args["salt"] = bencode.Bytes(salt)
		}
		if cas != nil {
			args["cas"] = bencode.Int(*cas)
		}
		return args
	})
	return target, stored, werr
}
