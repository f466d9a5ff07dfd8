package dht

import (
	"crypto/rand"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T) (*RoutingTable, NodeId) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.EnforceNodeId = false
	local := randID(t)
	return NewRoutingTable(local, FamilyV4, cfg), local
}

func randID(t *testing.T) NodeId {
	t.Helper()
	var id NodeId
	_, err := rand.Read(id[:])
	require.NoError(t, err)
	return id
}

func ep(ip string, port int) Endpoint {
	return NewEndpoint(net.ParseIP(ip), port)
}

func TestNodeSeen_InsertsAndVerifies(t *testing.T) {
	rt, _ := newTestTable(t)
	id := randID(t)
	rtt := 10 * time.Millisecond
	status := rt.NodeSeen(id, ep("1.2.3.4", 6881), &rtt)
	assert.Equal(t, StatusInserted, status)
	assert.Equal(t, 1, rt.Size())
}

func TestNodeSeen_NoHijack(t *testing.T) {
	rt, _ := newTestTable(t)
	id := randID(t)
	rt.NodeSeen(id, ep("1.2.3.4", 1), nil)

	status := rt.NodeSeen(id, ep("5.6.7.8", 1), nil)
	assert.Equal(t, StatusIgnoredHijack, status)
	assert.Equal(t, 1, rt.Size())
}

func TestNodeSeen_IDChangeEvictsOld(t *testing.T) {
	rt, _ := newTestTable(t)
	endpoint := ep("1.2.3.4", 1)
	id1 := randID(t)
	id2 := randID(t)

	rt.NodeSeen(id1, endpoint, nil)
	status := rt.NodeSeen(id2, endpoint, nil)

	assert.Equal(t, StatusReplacedByIDChange, status)
	assert.Equal(t, 1, rt.Size())

	found := false
	rt.ForEachNode(func(e NodeEntry) {
		if e.ID == id2 {
			found = true
		}
		assert.NotEqual(t, id1, e.ID)
	})
	assert.True(t, found)
}

func TestNodeSeen_BadIDRejectedWhenEnforced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnforceNodeId = true
	local := randID(t)
	rt := NewRoutingTable(local, FamilyV4, cfg)

	var badID NodeId
	badID[0] = 0x18 // does not match the BEP-42 derivation for the IP below
	status := rt.NodeSeen(badID, ep("124.31.75.21", 1), nil)
	assert.Equal(t, StatusIgnoredBadID, status)
	assert.Equal(t, 0, rt.Size())
}

func TestNodeSeen_BucketSplitsNearLocalID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnforceNodeId = false
	cfg.K = 4
	var local NodeId // all-zero local id
	rt := NewRoutingTable(local, FamilyV4, cfg)

	// Each id below differs from the all-zero local id in exactly one bit,
	// a different bit per id. Every split forced by exceeding K happens on
	// the bucket holding the local id; each id split off lands alone in
	// the sibling bucket for its bit and the rest stay in the local
	// bucket — none should overflow into the replacement cache.
	for i := 1; i <= 20; i++ {
		var id NodeId
		id[(i-1)/8] = 0x80 >> uint((i-1)%8)
		ip := net.IPv4(10, 0, byte(i), 1) // distinct /24 per entry
		status := rt.NodeSeen(id, NewEndpoint(ip, 6881), nil)
		assert.NotEqual(t, StatusMovedToReplacement, status)
	}
	assert.Equal(t, 20, rt.Size())
}

func TestNodeFailed_EvictsAfterMaxFailCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnforceNodeId = false
	cfg.MaxFailCount = 3
	local := randID(t)
	rt := NewRoutingTable(local, FamilyV4, cfg)

	id := randID(t)
	e := ep("1.2.3.4", 1)
	rt.NodeSeen(id, e, nil)

	for i := 0; i < 2; i++ {
		rt.NodeFailed(id, e)
		assert.Equal(t, 1, rt.Size())
	}
	rt.NodeFailed(id, e)
	assert.Equal(t, 0, rt.Size())
}

func TestNodeFailed_PromotesReplacement(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnforceNodeId = false
	cfg.K = 1
	cfg.MaxFailCount = 1
	cfg.ExtendedRoutingTable = false
	var local NodeId
	local[0] = 0x80 // local bucket path differs from the two test IDs below
	rt := NewRoutingTable(local, FamilyV4, cfg)

	var idA, idB NodeId
	idA[0], idB[0] = 0x00, 0x01 // both land outside the local-ID bucket

	epA, epB := ep("1.1.1.1", 1), ep("2.2.2.2", 2)
	rt.NodeSeen(idA, epA, nil)
	status := rt.NodeSeen(idB, epB, nil)
	assert.Equal(t, StatusMovedToReplacement, status)

	rt.NodeFailed(idA, epA)

	var ids []NodeId
	rt.ForEachNode(func(e NodeEntry) { ids = append(ids, e.ID) })
	assert.Equal(t, []NodeId{idB}, ids)
}

func TestFindNode_OnlyReturnsVerified(t *testing.T) {
	rt, _ := newTestTable(t)
	unverified := randID(t)
	rt.NodeSeen(unverified, ep("1.1.1.1", 1), nil)

	verified := randID(t)
	rtt := time.Millisecond
	rt.NodeSeen(verified, ep("2.2.2.2", 2), &rtt)

	out := rt.FindNode(randID(t), 8)
	require.Len(t, out, 1)
	assert.Equal(t, verified, out[0].ID)
}

func TestRestrictRoutingIPs_RejectsSameSubnet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnforceNodeId = false
	cfg.RestrictRoutingIPs = true
	local := randID(t)
	rt := NewRoutingTable(local, FamilyV4, cfg)

	rt.NodeSeen(randID(t), ep("9.9.1.10", 1), nil)
	status := rt.NodeSeen(randID(t), ep("9.9.1.200", 2), nil)
	assert.Equal(t, StatusIgnoredIPConflict, status)
}

func TestRefreshDue_PicksOldestPerBucket(t *testing.T) {
	rt, _ := newTestTable(t)
	id := randID(t)
	rt.NodeSeen(id, ep("1.1.1.1", 1), nil)

	due := rt.RefreshDue(time.Now().Add(time.Hour))
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].Entry.ID)

	assert.Empty(t, rt.RefreshDue(time.Now().Add(-time.Hour)))
}

// TestBucketDistribution_IsExponential is spec.md §8's bucket-distribution
// property: for N random IDs, the i-th bucket from the top (the set of IDs
// sharing exactly i leading bits with the local ID, i.e.
// CommonPrefixLen(local, id) == i, since only the local ID's own leaf ever
// splits further) should hold ≈ N/2^(i+1) of them, within ±5% of N. This
// is a statement about the bit-level distribution of the XOR metric, not
// about actual table occupancy — a real RoutingTable caps each bucket at
// K entries and routes the rest to a replacement cache, which would mask
// a broken distance/prefix computation behind "the table just filled up."
func TestBucketDistribution_IsExponential(t *testing.T) {
	var local NodeId
	const n = 100000
	const maxBucket = 12

	counts := make([]int, maxBucket+1)
	for i := 0; i < n; i++ {
		var id NodeId
		_, err := rand.Read(id[:])
		require.NoError(t, err)
		prefixLen := CommonPrefixLen(local, id)
		if prefixLen <= maxBucket {
			counts[prefixLen]++
		}
	}

	tolerance := 0.05 * n
	for i := 0; i <= maxBucket; i++ {
		expected := n / math.Pow(2, float64(i+1))
		assert.InDelta(t, expected, float64(counts[i]), tolerance,
			"bucket %d: got %d, want ~%.0f", i, counts[i], expected)
	}
}
