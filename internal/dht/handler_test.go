package dht

import (
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/rock3qiu/libtorrent/internal/bencode"
	"github.com/rock3qiu/libtorrent/pkg/lib/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*Handler, *Config) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.EnforceNodeId = false
	local := randID(t)
	rt := NewRoutingTable(local, FamilyV4, cfg)
	storage := NewStorage(cfg)
	tokens := NewTokenManager(cfg.TokenEpoch, &fakeClock{now: time.Unix(0, 0)}, &fakeRand{})
	return NewHandler(local, rt, nil, storage, tokens, cfg), cfg
}

func queryArgs(m map[string]bencode.Value) bencode.Value {
	return bencode.Dict(m)
}

func TestHandler_Ping(t *testing.T) {
	h, _ := newTestHandler(t)
	msg := &Msg{Query: "ping", Args: queryArgs(map[string]bencode.Value{"id": bencode.Bytes(make([]byte, 20))})}
	out, kerr, _ := h.Handle(msg, ep("1.2.3.4", 1))
	require.Nil(t, kerr)
	assert.Len(t, out["id"].Str, 20)
}

func TestHandler_UnknownMethod(t *testing.T) {
	h, _ := newTestHandler(t)
	msg := &Msg{Query: "bogus", Args: queryArgs(map[string]bencode.Value{"id": bencode.Bytes(make([]byte, 20))})}
	_, kerr, _ := h.Handle(msg, ep("1.2.3.4", 1))
	require.NotNil(t, kerr)
	assert.Equal(t, ErrCodeMethodUnknown, kerr.Code)
}

func TestHandler_ReadOnlyRefusesEverything(t *testing.T) {
	h, cfg := newTestHandler(t)
	cfg.ReadOnly = true
	msg := &Msg{Query: "ping", Args: queryArgs(map[string]bencode.Value{"id": bencode.Bytes(make([]byte, 20))})}
	out, kerr, respond := h.Handle(msg, ep("1.2.3.4", 1))
	assert.Nil(t, kerr)
	assert.Nil(t, out)
	assert.False(t, respond)
}

func TestHandler_FindNodeReturnsCompactNodes(t *testing.T) {
	h, _ := newTestHandler(t)
	other := randID(t)
	rtt := time.Millisecond // a measured RTT marks the entry verified, so find_node may return it
	h.rt.NodeSeen(other, ep("2.2.2.2", 6881), &rtt)

	msg := &Msg{Query: "find_node", Args: queryArgs(map[string]bencode.Value{
		"id":     bencode.Bytes(make([]byte, 20)),
		"target": bencode.Bytes(make([]byte, 20)),
	})}
	out, kerr, _ := h.Handle(msg, ep("1.1.1.1", 1))
	require.Nil(t, kerr)
	assert.NotEmpty(t, out["nodes"].Str)
}

func TestHandler_AnnounceThenGetPeersRoundTrips(t *testing.T) {
	h, cfg := newTestHandler(t)
	infoHash := randID(t)
	from := ep("3.3.3.3", 6881)

	// get_peers first, to mint a token bound to from's IP.
	gp := &Msg{Query: "get_peers", Args: queryArgs(map[string]bencode.Value{
		"id":        bencode.Bytes(make([]byte, 20)),
		"info_hash": bencode.Bytes(infoHash[:]),
	})}
	gpOut, kerr, _ := h.Handle(gp, from)
	require.Nil(t, kerr)
	token := gpOut["token"].Str

	ap := &Msg{Query: "announce_peer", Args: queryArgs(map[string]bencode.Value{
		"id":        bencode.Bytes(make([]byte, 20)),
		"info_hash": bencode.Bytes(infoHash[:]),
		"port":      bencode.Int(6882),
		"token":     bencode.Bytes(token),
	})}
	_, kerr, _ = h.Handle(ap, from)
	require.Nil(t, kerr)

	gp2Out, kerr, _ := h.Handle(gp, from)
	require.Nil(t, kerr)
	values, ok := gp2Out["values"].List, gp2Out["values"].Kind == bencode.KindList
	require.True(t, ok)
	require.Len(t, values, 1)
	peer, err := decodeCompactPeer(values[0].Str)
	require.NoError(t, err)
	assert.Equal(t, NewEndpoint(from.NetIP(), 6882), peer)

	_ = cfg
}

func TestHandler_AnnouncePeerRejectsBadToken(t *testing.T) {
	h, _ := newTestHandler(t)
	infoHash := randID(t)
	from := ep("3.3.3.3", 6881)

	ap := &Msg{Query: "announce_peer", Args: queryArgs(map[string]bencode.Value{
		"id":        bencode.Bytes(make([]byte, 20)),
		"info_hash": bencode.Bytes(infoHash[:]),
		"port":      bencode.Int(6882),
		"token":     bencode.Bytes([]byte("not-a-real-token")),
	})}
	_, kerr, _ := h.Handle(ap, from)
	require.NotNil(t, kerr)
	assert.Equal(t, ErrCodeProtocol, kerr.Code)
}

func TestHandler_PutImmutableThenGet(t *testing.T) {
	h, _ := newTestHandler(t)
	from := ep("4.4.4.4", 6881)

	helloTarget := ImmutableTarget([]byte("hello"))
	gp := &Msg{Query: "get", Args: queryArgs(map[string]bencode.Value{
		"id":     bencode.Bytes(make([]byte, 20)),
		"target": bencode.Bytes(helloTarget[:]),
	})}
	gpOut, kerr, _ := h.Handle(gp, from)
	require.Nil(t, kerr)
	token := gpOut["token"].Str

	put := &Msg{Query: "put", Args: queryArgs(map[string]bencode.Value{
		"id":    bencode.Bytes(make([]byte, 20)),
		"token": bencode.Bytes(token),
		"v":     bencode.Bytes([]byte("hello")),
	})}
	_, kerr, _ = h.Handle(put, from)
	require.Nil(t, kerr)

	getOut, kerr, _ := h.Handle(gp, from)
	require.Nil(t, kerr)
	assert.Equal(t, []byte("hello"), getOut["v"].Str)
}

func TestHandler_PutMutableValidatesSignatureAndSeq(t *testing.T) {
	h, _ := newTestHandler(t)
	from := ep("5.5.5.5", 6881)

	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	pubRaw, err := pub.Raw()
	require.NoError(t, err)
	target := MutableTarget(pubRaw, nil)

	getArgs := map[string]bencode.Value{
		"id":     bencode.Bytes(make([]byte, 20)),
		"target": bencode.Bytes(target[:]),
	}
	gp := &Msg{Query: "get", Args: queryArgs(getArgs)}
	gpOut, kerr, _ := h.Handle(gp, from)
	require.Nil(t, kerr)
	token := gpOut["token"].Str

	sig, err := SignMutableValue(priv, 1, nil, []byte("v1"))
	require.NoError(t, err)
	put := &Msg{Query: "put", Args: queryArgs(map[string]bencode.Value{
		"id":    bencode.Bytes(make([]byte, 20)),
		"token": bencode.Bytes(token),
		"v":     bencode.Bytes([]byte("v1")),
		"k":     bencode.Bytes(pubRaw),
		"sig":   bencode.Bytes(sig),
		"seq":   bencode.Int(1),
	})}
	_, kerr, _ = h.Handle(put, from)
	require.Nil(t, kerr)

	// A lower seq without cas must be rejected.
	staleSig, err := SignMutableValue(priv, 0, nil, []byte("v0"))
	require.NoError(t, err)
	stalePut := &Msg{Query: "put", Args: queryArgs(map[string]bencode.Value{
		"id":    bencode.Bytes(make([]byte, 20)),
		"token": bencode.Bytes(token),
		"v":     bencode.Bytes([]byte("v0")),
		"k":     bencode.Bytes(pubRaw),
		"sig":   bencode.Bytes(staleSig),
		"seq":   bencode.Int(0),
	})}
	_, kerr, _ = h.Handle(stalePut, from)
	require.NotNil(t, kerr)
	assert.Equal(t, ErrCodeSeqTooLow, kerr.Code)
}

// TestHandler_PutMutableCASMismatch ports "PUT CAS 1"/"PUT CAS 2" from the
// original implementation's test suite: a put naming the seq the caller
// believes is currently stored (cas) succeeds once, then fails with 301
// when replayed against the now-advanced seq.
func TestHandler_PutMutableCASMismatch(t *testing.T) {
	h, _ := newTestHandler(t)
	from := ep("6.6.6.6", 6881)

	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	pubRaw, err := pub.Raw()
	require.NoError(t, err)
	target := MutableTarget(pubRaw, nil)

	gp := &Msg{Query: "get", Args: queryArgs(map[string]bencode.Value{
		"id":     bencode.Bytes(make([]byte, 20)),
		"target": bencode.Bytes(target[:]),
	})}
	gpOut, kerr, _ := h.Handle(gp, from)
	require.Nil(t, kerr)
	token := gpOut["token"].Str

	// establish the item at seq 1.
	sig1, err := SignMutableValue(priv, 1, nil, []byte("v1"))
	require.NoError(t, err)
	_, kerr, _ = h.Handle(&Msg{Query: "put", Args: queryArgs(map[string]bencode.Value{
		"id":    bencode.Bytes(make([]byte, 20)),
		"token": bencode.Bytes(token),
		"v":     bencode.Bytes([]byte("v1")),
		"k":     bencode.Bytes(pubRaw),
		"sig":   bencode.Bytes(sig1),
		"seq":   bencode.Int(1),
	})}, from)
	require.Nil(t, kerr)

	// PUT CAS 1: cas names the seq we expect is stored (1); advances to seq 2.
	sig2, err := SignMutableValue(priv, 2, nil, []byte("v2"))
	require.NoError(t, err)
	casPut := &Msg{Query: "put", Args: queryArgs(map[string]bencode.Value{
		"id":    bencode.Bytes(make([]byte, 20)),
		"token": bencode.Bytes(token),
		"v":     bencode.Bytes([]byte("v2")),
		"k":     bencode.Bytes(pubRaw),
		"sig":   bencode.Bytes(sig2),
		"seq":   bencode.Int(2),
		"cas":   bencode.Int(1),
	})}
	_, kerr, _ = h.Handle(casPut, from)
	require.Nil(t, kerr)

	// PUT CAS 2: the exact same request again. cas(1) no longer matches the
	// now-stored seq (2), so it must be rejected.
	_, kerr, _ = h.Handle(casPut, from)
	require.NotNil(t, kerr)
	assert.Equal(t, ErrCodeCASMismatch, kerr.Code)
}

// TestHandler_FindNode_WantFiltersAddressFamily covers spec.md's BEP-32
// dual-stack scenario: want=["n6"] returns only nodes6, and
// want=["n4","n6"] returns both.
func TestHandler_FindNode_WantFiltersAddressFamily(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnforceNodeId = false
	local := randID(t)
	rt := NewRoutingTable(local, FamilyV4, cfg)
	rt6 := NewRoutingTable(local, FamilyV6, cfg)
	rtt := time.Millisecond // verified entries only are returned by find_node
	rt.NodeSeen(randID(t), ep("2.2.2.2", 6881), &rtt)
	rt6.NodeSeen(randID(t), ep("2001:db8::1", 6881), &rtt)
	storage := NewStorage(cfg)
	tokens := NewTokenManager(cfg.TokenEpoch, &fakeClock{now: time.Unix(0, 0)}, &fakeRand{})
	h := NewHandler(local, rt, rt6, storage, tokens, cfg)

	target := make([]byte, 20)
	from := ep("3.3.3.3", 6881)

	n6Only := &Msg{Query: "find_node", Args: queryArgs(map[string]bencode.Value{
		"id":     bencode.Bytes(make([]byte, 20)),
		"target": bencode.Bytes(target),
		"want":   bencode.List(bencode.Bytes([]byte("n6"))),
	})}
	out, kerr, _ := h.Handle(n6Only, from)
	require.Nil(t, kerr)
	assert.Empty(t, out["nodes"].Str)
	assert.NotEmpty(t, out["nodes6"].Str)

	both := &Msg{Query: "find_node", Args: queryArgs(map[string]bencode.Value{
		"id":     bencode.Bytes(make([]byte, 20)),
		"target": bencode.Bytes(target),
		"want":   bencode.List(bencode.Bytes([]byte("n4")), bencode.Bytes([]byte("n6"))),
	})}
	out, kerr, _ = h.Handle(both, from)
	require.Nil(t, kerr)
	assert.NotEmpty(t, out["nodes"].Str)
	assert.NotEmpty(t, out["nodes6"].Str)
}

// TestHandler_FindNode_RejectsInvalidNodeID reproduces test_id_enforcement's
// BEP-42 vector from http://libtorrent.org/dht_sec.html: 124.31.75.21 only
// accepts ids in the form 5fbfbff1...; a caller claiming 18bfbff1... is
// rejected with 203 and never reaches the routing table, while the valid
// id is accepted.
func TestHandler_FindNode_RejectsInvalidNodeID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnforceNodeId = true
	local := randID(t)
	rt := NewRoutingTable(local, FamilyV4, cfg)
	storage := NewStorage(cfg)
	tokens := NewTokenManager(cfg.TokenEpoch, &fakeClock{now: time.Unix(0, 0)}, &fakeRand{})
	h := NewHandler(local, rt, nil, storage, tokens, cfg)

	from := ep("124.31.75.21", 1)
	targetB, err := hex.DecodeString("0101010101010101010101010101010101010101")
	require.NoError(t, err)

	invalidIDB, err := hex.DecodeString("18bfbff10c5d6a4ec8a88e4c6ab4c28b95eee401")
	require.NoError(t, err)
	badMsg := &Msg{Query: "find_node", Args: queryArgs(map[string]bencode.Value{
		"id":     bencode.Bytes(invalidIDB),
		"target": bencode.Bytes(targetB),
	})}
	_, kerr, _ := h.Handle(badMsg, from)
	require.NotNil(t, kerr)
	assert.Equal(t, ErrCodeProtocol, kerr.Code)
	assert.Equal(t, 0, rt.Size())

	validIDB, err := hex.DecodeString("5fbfbff10c5d6a4ec8a88e4c6ab4c28b95eee401")
	require.NoError(t, err)
	goodMsg := &Msg{Query: "find_node", Args: queryArgs(map[string]bencode.Value{
		"id":     bencode.Bytes(validIDB),
		"target": bencode.Bytes(targetB),
	})}
	_, kerr, _ = h.Handle(goodMsg, from)
	require.Nil(t, kerr)
	assert.Equal(t, 1, rt.Size())
}
