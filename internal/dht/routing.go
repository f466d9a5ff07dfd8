package dht

import (
	"net"
	"sort"
	"sync"
	"time"
)

// bucket is a leaf of the routing table's binary tree: up to K live
// entries plus a same-sized replacement cache.
type bucket struct {
	entries      []*NodeEntry
	replacements []*NodeEntry
}

// node is either a leaf (bucket != nil) or a split point with two
// children keyed by the bit at depth prefixLen.
type node struct {
	bucket    *bucket
	lo, hi    *node
	prefixLen int
}

func newLeaf(prefixLen int) *node {
	return &node{bucket: &bucket{}, prefixLen: prefixLen}
}

// RoutingTable is a Kademlia bucket tree keyed by XOR distance to a local
// NodeId, per spec §3/§4.1. It is safe for concurrent use.
type RoutingTable struct {
	mu sync.Mutex

	localId NodeId
	family  Family
	cfg     *Config

	root *node

	// byEndpoint indexes every live entry (not replacements) by endpoint
	// for O(1) hijack/ID-change detection.
	byEndpoint map[Endpoint]*NodeEntry
	// owner maps an entry pointer back to which leaf holds it, so removal
	// doesn't require a second descent.
	owner map[*NodeEntry]*node

	ipVotes map[string]int
}

// NewRoutingTable builds an empty table for localId/family using cfg's
// K, RestrictRoutingIPs, ExtendedRoutingTable and ExtendedSplitDepth.
func NewRoutingTable(localId NodeId, family Family, cfg *Config) *RoutingTable {
	return &RoutingTable{
		localId:    localId,
		family:     family,
		cfg:        cfg,
		root:       newLeaf(0),
		byEndpoint: make(map[Endpoint]*NodeEntry),
		owner:      make(map[*NodeEntry]*node),
		ipVotes:    make(map[string]int),
	}
}

// leafFor descends the tree to the leaf that would hold id, reporting
// whether every bit on the path matched the local ID too (i.e. whether
// this leaf is "the" bucket the classic Kademlia rule always allows to
// split, regardless of ExtendedRoutingTable).
func (rt *RoutingTable) leafFor(id NodeId) (*node, bool) {
	n := rt.root
	isLocal := true
	depth := 0
	for n.bucket == nil {
		bit := id.Bit(depth)
		if bit != rt.localId.Bit(depth) {
			isLocal = false
		}
		if bit == 0 {
			n = n.lo
		} else {
			n = n.hi
		}
		depth++
	}
	return n, isLocal
}

func (rt *RoutingTable) splittable(n *node, isLocal bool) bool {
	if isLocal {
		return true
	}
	return rt.cfg.ExtendedRoutingTable && n.prefixLen < rt.cfg.ExtendedSplitDepth
}

func (rt *RoutingTable) split(n *node) {
	lo := newLeaf(n.prefixLen + 1)
	hi := newLeaf(n.prefixLen + 1)
	for _, e := range n.bucket.entries {
		child := lo
		if e.ID.Bit(n.prefixLen) == 1 {
			child = hi
		}
		child.bucket.entries = append(child.bucket.entries, e)
		rt.owner[e] = child
	}
	for _, e := range n.bucket.replacements {
		child := lo
		if e.ID.Bit(n.prefixLen) == 1 {
			child = hi
		}
		child.bucket.replacements = append(child.bucket.replacements, e)
	}
	n.bucket = nil
	n.lo, n.hi = lo, hi
}

func subnetKey(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		masked := v4.Mask(net.CIDRMask(24, 32))
		return masked.String() + "/24"
	}
	masked := ip.Mask(net.CIDRMask(64, 128))
	return masked.String() + "/64"
}

func ipConflict(b *bucket, ep Endpoint) bool {
	key := subnetKey(ep.NetIP())
	for _, e := range b.entries {
		if e.Endpoint == ep {
			continue
		}
		if subnetKey(e.Endpoint.NetIP()) == key {
			return true
		}
	}
	return false
}

// NodeSeen records contact with id at endpoint, optionally carrying a
// measured RTT (non-nil only when the contact was a response to a query
// we sent). See spec §4.1 for the full decision table.
func (rt *RoutingTable) NodeSeen(id NodeId, endpoint Endpoint, rtt *time.Duration) Status {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.cfg.EnforceNodeId && !CheckNodeId(id, endpoint.NetIP()) {
		return StatusIgnoredBadID
	}

	if existingByEP, ok := rt.byEndpoint[endpoint]; ok {
		if existingByEP.ID == id {
			existingByEP.TimeoutCount = 0
			existingByEP.LastSeen = time.Now().UnixNano()
			if rtt != nil {
				existingByEP.RTT = int64(*rtt)
				existingByEP.Verified = true
			}
			return StatusUpdated
		}
		// Endpoint already claimed by a different ID: an ID change,
		// drop the stale entry and fall through to insert the new one.
		rt.removeLocked(existingByEP)
		return rt.insertLocked(id, endpoint, rtt, StatusReplacedByIDChange)
	}

	// Same ID already registered at a different endpoint: refuse to let
	// the new endpoint hijack it.
	if leaf, _ := rt.leafFor(id); leaf != nil {
		for _, e := range leaf.bucket.entries {
			if e.ID == id && e.Endpoint != endpoint {
				return StatusIgnoredHijack
			}
		}
	}

	return rt.insertLocked(id, endpoint, rtt, StatusInserted)
}

func (rt *RoutingTable) insertLocked(id NodeId, endpoint Endpoint, rtt *time.Duration, okStatus Status) Status {
	leaf, isLocal := rt.leafFor(id)

	if rt.cfg.RestrictRoutingIPs && ipConflict(leaf.bucket, endpoint) {
		return StatusIgnoredIPConflict
	}

	entry := &NodeEntry{
		ID:       id,
		Endpoint: endpoint,
		LastSeen: time.Now().UnixNano(),
		Verified: rtt != nil,
	}
	if rtt != nil {
		entry.RTT = int64(*rtt)
	}

	if len(leaf.bucket.entries) < rt.cfg.K {
		leaf.bucket.entries = append(leaf.bucket.entries, entry)
		rt.owner[entry] = leaf
		rt.byEndpoint[endpoint] = entry
		return okStatus
	}

	if rt.splittable(leaf, isLocal) {
		rt.split(leaf)
		return rt.insertLocked(id, endpoint, rtt, okStatus)
	}

	rt.addReplacementLocked(leaf.bucket, entry)
	return StatusMovedToReplacement
}

func (rt *RoutingTable) addReplacementLocked(b *bucket, entry *NodeEntry) {
	for i, e := range b.replacements {
		if e.ID == entry.ID {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			break
		}
	}
	b.replacements = append(b.replacements, entry)
	if len(b.replacements) > rt.cfg.K {
		b.replacements = b.replacements[len(b.replacements)-rt.cfg.K:]
	}
}

// removeLocked deletes entry from whichever leaf owns it and from the
// endpoint index. Caller must hold rt.mu.
func (rt *RoutingTable) removeLocked(entry *NodeEntry) {
	leaf, ok := rt.owner[entry]
	if !ok {
		return
	}
	for i, e := range leaf.bucket.entries {
		if e == entry {
			leaf.bucket.entries = append(leaf.bucket.entries[:i], leaf.bucket.entries[i+1:]...)
			break
		}
	}
	delete(rt.owner, entry)
	delete(rt.byEndpoint, entry.Endpoint)
}

// NodeFailed increments the timeout counter for (id, endpoint); once it
// reaches cfg.MaxFailCount the entry is evicted and the best replacement
// (if any) is promoted in its place.
func (rt *RoutingTable) NodeFailed(id NodeId, endpoint Endpoint) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	entry, ok := rt.byEndpoint[endpoint]
	if !ok || entry.ID != id {
		return
	}
	entry.TimeoutCount++
	if entry.TimeoutCount < rt.cfg.MaxFailCount {
		return
	}

	leaf := rt.owner[entry]
	rt.removeLocked(entry)

	if len(leaf.bucket.replacements) == 0 {
		return
	}
	// Promote the most recently added replacement.
	repl := leaf.bucket.replacements[len(leaf.bucket.replacements)-1]
	leaf.bucket.replacements = leaf.bucket.replacements[:len(leaf.bucket.replacements)-1]
	leaf.bucket.entries = append(leaf.bucket.entries, repl)
	rt.owner[repl] = leaf
	rt.byEndpoint[repl.Endpoint] = repl
}

// FindNode returns up to k verified entries minimizing XOR distance to
// target, tie-broken by lower RTT then earlier LastSeen.
func (rt *RoutingTable) FindNode(target NodeId, k int) []NodeEntry {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var all []*NodeEntry
	collect(rt.root, &all)

	sort.Slice(all, func(i, j int) bool {
		d := Compare(all[i].ID, all[j].ID, target)
		if d != 0 {
			return d < 0
		}
		return all[i].betterThan(all[j])
	})

	out := make([]NodeEntry, 0, k)
	for _, e := range all {
		if !e.Verified {
			continue
		}
		out = append(out, *e)
		if len(out) == k {
			break
		}
	}
	return out
}

func collect(n *node, out *[]*NodeEntry) {
	if n.bucket != nil {
		*out = append(*out, n.bucket.entries...)
		return
	}
	collect(n.lo, out)
	collect(n.hi, out)
}

// ForEachNode calls f for every live entry; order is unspecified.
func (rt *RoutingTable) ForEachNode(f func(NodeEntry)) {
	rt.mu.Lock()
	var all []*NodeEntry
	collect(rt.root, &all)
	rt.mu.Unlock()
	for _, e := range all {
		f(*e)
	}
}

// Size returns the number of live entries in the table.
func (rt *RoutingTable) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var all []*NodeEntry
	collect(rt.root, &all)
	return len(all)
}

// UpdateNodeId reshapes the table around a new local ID: every live and
// replacement entry is re-fed through NodeSeen against a fresh tree, so
// entries that no longer fit the new prefix layout may be dropped.
func (rt *RoutingTable) UpdateNodeId(newId NodeId) {
	rt.mu.Lock()
	var all []*NodeEntry
	collect(rt.root, &all)
	var repls []*NodeEntry
	collectReplacements(rt.root, &repls)

	rt.localId = newId
	rt.root = newLeaf(0)
	rt.byEndpoint = make(map[Endpoint]*NodeEntry)
	rt.owner = make(map[*NodeEntry]*node)
	rt.mu.Unlock()

	for _, e := range all {
		rtt := time.Duration(e.RTT)
		rt.NodeSeen(e.ID, e.Endpoint, &rtt)
	}
	for _, e := range repls {
		rt.NodeSeen(e.ID, e.Endpoint, nil)
	}
}

func collectReplacements(n *node, out *[]*NodeEntry) {
	if n.bucket != nil {
		*out = append(*out, n.bucket.replacements...)
		return
	}
	collectReplacements(n.lo, out)
	collectReplacements(n.hi, out)
}

// StaleEntry is the least-recently-seen live entry of a leaf with at
// least one entry older than the RefreshDue cutoff.
type StaleEntry struct {
	Entry NodeEntry
}

// RefreshDue returns, for every leaf with at least one entry older than
// olderThan, that leaf's least-recently-seen entry (spec §4.1's periodic
// refresh pass).
func (rt *RoutingTable) RefreshDue(olderThan time.Time) []StaleEntry {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var leaves []*node
	collectLeaves(rt.root, &leaves)

	cutoff := olderThan.UnixNano()
	var due []StaleEntry
	for _, leaf := range leaves {
		var oldest *NodeEntry
		for _, e := range leaf.bucket.entries {
			if oldest == nil || e.LastSeen < oldest.LastSeen {
				oldest = e
			}
		}
		if oldest != nil && oldest.LastSeen < cutoff {
			due = append(due, StaleEntry{Entry: *oldest})
		}
	}
	return due
}

func collectLeaves(n *node, out *[]*node) {
	if n.bucket != nil {
		*out = append(*out, n)
		return
	}
	collectLeaves(n.lo, out)
	collectLeaves(n.hi, out)
}

// VoteExternalIP tallies an IP address reported by a remote peer's "ip"
// field (BEP 42 external-address learning). The caller decides what
// margin between the winner and the runner-up counts as "clear" before
// acting on it.
func (rt *RoutingTable) VoteExternalIP(ip string) (winner string, winnerVotes, runnerUpVotes int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.ipVotes[ip]++

	for k, v := range rt.ipVotes {
		if v > winnerVotes {
			runnerUpVotes = winnerVotes
			winner = k
			winnerVotes = v
		} else if v > runnerUpVotes {
			runnerUpVotes = v
		}
	}
	return winner, winnerVotes, runnerUpVotes
}
