package dht

import (
	"sync"
	"time"

	"github.com/rock3qiu/libtorrent/internal/bencode"
	"github.com/rock3qiu/libtorrent/pkg/lib/log"
)

var handlerLog = log.Logger("dht.handler")

// writeRateLimit and writeRateWindow bound how often a single endpoint
// may successfully announce_peer or put before being throttled with a
// generic (201) error, independent of token validity.
const (
	writeRateLimit  = 20
	writeRateWindow = time.Minute
)

// rateLimiter is a simple sliding-window counter per endpoint (it keeps
// the timestamps of accepted writes within the last window), used to keep
// a single flooding peer from exhausting Storage's write path.
type rateLimiter struct {
	mu      sync.Mutex
	records map[Endpoint][]time.Time
	limit   int
	window  time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{records: make(map[Endpoint][]time.Time), limit: limit, window: window}
}

func (rl *rateLimiter) Allow(from Endpoint, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-rl.window)
	kept := rl.records[from][:0]
	for _, ts := range rl.records[from] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= rl.limit {
		rl.records[from] = kept
		return false
	}
	rl.records[from] = append(kept, now)
	return true
}

// Handler answers incoming KRPC queries against the v4 routing table
// (and, on a dual-stack node, the v6 one) and the shared item/peer
// storage, per spec §4.5. It never sends a datagram itself — dht.go
// encodes whatever map/error Handle returns and writes it to the packet
// transport.
type Handler struct {
	localId NodeId
	rt      *RoutingTable
	rt6     *RoutingTable
	storage *Storage
	tokens  *TokenManager
	cfg     *Config
	writeRL *rateLimiter
}

// NewHandler builds a Handler. rt6 may be nil for a v4-only node.
func NewHandler(localId NodeId, rt, rt6 *RoutingTable, storage *Storage, tokens *TokenManager, cfg *Config) *Handler {
	return &Handler{
		localId: localId,
		rt:      rt,
		rt6:     rt6,
		storage: storage,
		tokens:  tokens,
		cfg:     cfg,
		writeRL: newRateLimiter(writeRateLimit, writeRateWindow),
	}
}

// Handle dispatches msg (already known to be a TypeQuery) to the method
// handler named by msg.Query, returning either the "r" dictionary to
// send back or a KRPCError to send as "e". The final bool reports
// whether the caller should send any reply at all: a ReadOnly node
// answers nothing and inserts no one, so its queries are dropped
// silently rather than answered with an error.
func (h *Handler) Handle(msg *Msg, from Endpoint) (map[string]bencode.Value, *KRPCError, bool) {
	if h.cfg.ReadOnly {
		return nil, nil, false
	}

	id, err := requireID(msg.Args)
	if err != nil {
		return nil, err, true
	}

	if h.cfg.EnforceNodeId && !CheckNodeId(id, from.NetIP()) {
		return nil, NewKRPCError(ErrCodeProtocol, "node id does not match BEP-42 IP binding"), true
	}

	h.tableFor(from).NodeSeen(id, from, nil)

	var values map[string]bencode.Value
	var kerr *KRPCError
	switch msg.Query {
	case "ping":
		values, kerr = h.handlePing()
	case "find_node":
		values, kerr = h.handleFindNode(msg.Args, from)
	case "get_peers":
		values, kerr = h.handleGetPeers(msg.Args, from)
	case "announce_peer":
		values, kerr = h.handleAnnouncePeer(msg.Args, from)
	case "get":
		values, kerr = h.handleGet(msg.Args, from)
	case "put":
		values, kerr = h.handlePut(msg.Args, from)
	default:
		kerr = NewKRPCError(ErrCodeMethodUnknown, "method %q unknown", msg.Query)
	}
	return values, kerr, true
}

func (h *Handler) tableFor(from Endpoint) *RoutingTable {
	if from.IsV4() || h.rt6 == nil {
		return h.rt
	}
	return h.rt6
}

func (h *Handler) handlePing() (map[string]bencode.Value, *KRPCError) {
	return map[string]bencode.Value{"id": bencode.Bytes(h.localId[:])}, nil
}

func (h *Handler) handleFindNode(args bencode.Value, from Endpoint) (map[string]bencode.Value, *KRPCError) {
	targetB, ok := args.GetString("target")
	if !ok {
		return nil, errMissingKey("target")
	}
	target, err := NodeIdFromBytes(targetB)
	if err != nil {
		return nil, errProtocol("invalid target: %v", err)
	}

	want4, want6 := wantFamilies(args, from)
	out := map[string]bencode.Value{"id": bencode.Bytes(h.localId[:])}
	if want4 {
		out["nodes"] = bencode.Bytes(encodeCompactNodes(h.rt.FindNode(target, h.cfg.K)))
	}
	if want6 && h.rt6 != nil {
		out["nodes6"] = bencode.Bytes(encodeCompactNodes6(h.rt6.FindNode(target, h.cfg.K)))
	}
	return out, nil
}

func (h *Handler) handleGetPeers(args bencode.Value, from Endpoint) (map[string]bencode.Value, *KRPCError) {
	infoHashB, ok := args.GetString("info_hash")
	if !ok {
		return nil, errMissingKey("info_hash")
	}
	infoHash, err := NodeIdFromBytes(infoHashB)
	if err != nil {
		return nil, errProtocol("invalid info_hash: %v", err)
	}

	out := map[string]bencode.Value{
		"id":    bencode.Bytes(h.localId[:]),
		"token": bencode.Bytes(h.tokens.Issue(from.NetIP())),
	}

	if scrape, ok := args.GetInt("scrape"); ok && scrape == 1 {
		seeds, downloaders := h.storage.AllPeerIPs(infoHash)
		seedFilter, dlFilter := BuildScrapeBlooms(seeds, downloaders)
		out["BFsd"] = bencode.Bytes(seedFilter.Bytes())
		out["BFpe"] = bencode.Bytes(dlFilter.Bytes())
		return out, nil
	}

	peers := h.storage.GetPeers(infoHash, h.cfg.GetPeersReturnCount)
	if len(peers) > 0 {
		values := make([]bencode.Value, 0, len(peers))
		for _, p := range peers {
			values = append(values, bencode.Bytes(encodeCompactPeer(p.Endpoint)))
		}
		out["values"] = bencode.List(values...)
		return out, nil
	}

	want4, want6 := wantFamilies(args, from)
	if want4 {
		out["nodes"] = bencode.Bytes(encodeCompactNodes(h.rt.FindNode(infoHash, h.cfg.K)))
	}
	if want6 && h.rt6 != nil {
		out["nodes6"] = bencode.Bytes(encodeCompactNodes6(h.rt6.FindNode(infoHash, h.cfg.K)))
	}
	return out, nil
}

func (h *Handler) handleAnnouncePeer(args bencode.Value, from Endpoint) (map[string]bencode.Value, *KRPCError) {
	if !h.writeRL.Allow(from, time.Now()) {
		return nil, NewKRPCError(ErrCodeGeneric, "rate limited")
	}

	infoHashB, ok := args.GetString("info_hash")
	if !ok {
		return nil, errMissingKey("info_hash")
	}
	infoHash, err := NodeIdFromBytes(infoHashB)
	if err != nil {
		return nil, errProtocol("invalid info_hash: %v", err)
	}

	token, ok := args.GetString("token")
	if !ok {
		return nil, errMissingKey("token")
	}
	if !h.tokens.Verify(from.NetIP(), token) {
		return nil, NewKRPCError(ErrCodeProtocol, "bad token")
	}

	port, ok := args.GetInt("port")
	if !ok {
		return nil, errMissingKey("port")
	}
	announceEP := NewEndpoint(from.NetIP(), int(port))
	if implied, ok := args.GetInt("implied_port"); ok && implied == 1 {
		announceEP = from
	}

	seed := false
	if s, ok := args.GetInt("seed"); ok && s == 1 {
		seed = true
	}
	var name string
	if n, ok := args.GetString("name"); ok {
		name = string(n)
	}

	h.storage.AnnouncePeer(infoHash, announceEP, seed, name)
	return map[string]bencode.Value{"id": bencode.Bytes(h.localId[:])}, nil
}

func (h *Handler) handleGet(args bencode.Value, from Endpoint) (map[string]bencode.Value, *KRPCError) {
	targetB, ok := args.GetString("target")
	if !ok {
		return nil, errMissingKey("target")
	}
	target, err := NodeIdFromBytes(targetB)
	if err != nil {
		return nil, errProtocol("invalid target: %v", err)
	}

	out := map[string]bencode.Value{
		"id":    bencode.Bytes(h.localId[:]),
		"token": bencode.Bytes(h.tokens.Issue(from.NetIP())),
		"nodes": bencode.Bytes(encodeCompactNodes(h.rt.FindNode(target, h.cfg.K))),
	}

	if imm, ok := h.storage.GetImmutable(target); ok {
		out["v"] = bencode.Bytes(imm.Value)
		return out, nil
	}
	if mut, ok := h.storage.GetMutable(target); ok {
		if seq, ok := args.GetInt("seq"); ok && mut.Seq <= seq {
			return out, nil // conditional get: caller already has this seq or newer
		}
		out["v"] = bencode.Bytes(mut.Value)
		out["seq"] = bencode.Int(mut.Seq)
		out["sig"] = bencode.Bytes(mut.Signature)
		out["k"] = bencode.Bytes(mut.PublicKey)
		return out, nil
	}
	return out, nil
}

func (h *Handler) handlePut(args bencode.Value, from Endpoint) (map[string]bencode.Value, *KRPCError) {
	if !h.writeRL.Allow(from, time.Now()) {
		return nil, NewKRPCError(ErrCodeGeneric, "rate limited")
	}

	token, ok := args.GetString("token")
	if !ok {
		return nil, errMissingKey("token")
	}
	if !h.tokens.Verify(from.NetIP(), token) {
		return nil, NewKRPCError(ErrCodeProtocol, "bad token")
	}

	value, ok := args.GetString("v")
	if !ok {
		return nil, errMissingKey("v")
	}
	if len(value) > MaxValueSize {
		return nil, errProtocol("value exceeds %d bytes", MaxValueSize)
	}

	pubKey, hasKey := args.GetString("k")
	if !hasKey {
		// Immutable item: the target is the value's hash, nothing to verify.
		target := ImmutableTarget(value)
		if _, exists := h.storage.GetImmutable(target); !exists && h.storage.ItemCount() >= h.cfg.MaxDHTItems {
			return nil, NewKRPCError(ErrCodeServer, "storage full")
		}
		h.storage.PutImmutable(target, append([]byte(nil), value...))
		return map[string]bencode.Value{"id": bencode.Bytes(h.localId[:])}, nil
	}

	sig, ok := args.GetString("sig")
	if !ok {
		return nil, errMissingKey("sig")
	}
	seq, ok := args.GetInt("seq")
	if !ok {
		return nil, errMissingKey("seq")
	}
	var salt []byte
	if s, ok := args.GetString("salt"); ok {
		if len(s) > MaxSaltSize {
			return nil, errProtocol("salt exceeds %d bytes", MaxSaltSize)
		}
		salt = s
	}

	target := MutableTarget(pubKey, salt)
	valid, err := VerifyMutableSignature(pubKey, sig, seq, salt, value)
	if err != nil || !valid {
		return nil, NewKRPCError(ErrCodeInvalidSig, "signature verification failed")
	}

	if existing, ok := h.storage.GetMutable(target); ok {
		if seq < existing.Seq {
			return nil, NewKRPCError(ErrCodeSeqTooLow, "seq %d lower than stored %d", seq, existing.Seq)
		}
		if cas, hasCas := args.GetInt("cas"); hasCas && cas != existing.Seq {
			return nil, NewKRPCError(ErrCodeCASMismatch, "cas mismatch: expected %d, got %d", existing.Seq, cas)
		}
	} else if h.storage.ItemCount() >= h.cfg.MaxDHTItems {
		return nil, NewKRPCError(ErrCodeServer, "storage full")
	}

	h.storage.PutMutable(target, &MutableItem{
		Value:     append([]byte(nil), value...),
		PublicKey: append([]byte(nil), pubKey...),
		Signature: append([]byte(nil), sig...),
		Seq:       seq,
		Salt:      append([]byte(nil), salt...),
	})
	return map[string]bencode.Value{"id": bencode.Bytes(h.localId[:])}, nil
}

func requireID(args bencode.Value) (NodeId, *KRPCError) {
	idB, ok := args.GetString("id")
	if !ok {
		return NodeId{}, errMissingKey("id")
	}
	id, err := NodeIdFromBytes(idB)
	if err != nil {
		return NodeId{}, errProtocol("invalid id: %v", err)
	}
	return id, nil
}

// wantFamilies inspects the optional "want" list (["n4"] and/or ["n6"])
// and falls back to the requester's own address family when it is absent
// or names neither family, per BEP 32. Unknown entries are ignored.
func wantFamilies(args bencode.Value, from Endpoint) (want4, want6 bool) {
	wantList, ok := args.GetList("want")
	if !ok {
		if from.IsV4() {
			return true, false
		}
		return false, true
	}
	for _, w := range wantList {
		switch string(w.Str) {
		case "n4":
			want4 = true
		case "n6":
			want6 = true
		}
	}
	if !want4 && !want6 {
		return from.IsV4(), !from.IsV4()
	}
	return want4, want6
}
