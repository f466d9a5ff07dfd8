package dht

import (
	"context"
	"sort"
	"sync"

	"github.com/rock3qiu/libtorrent/pkg/lib/log"
)

var queryLog = log.Logger("dht.query")

// candidateState tracks one node's progress through a traversal, per
// spec §4.4.
type candidateState int

const (
	candidateFresh candidateState = iota
	candidateInFlight
	candidateResponded
	candidateFailed
)

type candidate struct {
	entry NodeEntry
	state candidateState

	token []byte // write token handed back by get_peers/get, if any
	peers []Endpoint
	value []byte
	seq   *int64
}

// ProbeOutcome is what a single RPC round-trip contributes back to the
// traversal: newly learned nodes to fan out to next, plus whatever
// payload this query kind collects (tokens, peers, a BEP-44 value).
type ProbeOutcome struct {
	Nodes  []NodeEntry
	Nodes6 []NodeEntry
	Token  []byte
	Peers  []Endpoint
	Value  []byte
	Seq    *int64
	Failed bool
}

// ProbeFunc issues one query to `to` and reports the outcome by calling
// onDone exactly once, asynchronously. It is supplied by the node facade
// (dht.go), which knows how to encode find_node/get_peers/get for the
// transport; the traversal engine itself never touches the wire.
type ProbeFunc func(ctx context.Context, to NodeEntry, onDone func(ProbeOutcome))

// Traversal runs the iterative closest-node lookup common to find_node,
// get_peers and get (spec §4.4): seed from the routing table, fan out
// Alpha queries to the closest unqueried candidates, fold each reply's
// nodes back into the candidate set, and stop once no closer node can be
// found. The completion callback passed to Run receives the final
// closest responded set exactly once — this is where announce_peer or
// put hangs its one-shot store phase.
type Traversal struct {
	mu sync.Mutex

	target NodeId
	alpha  int
	k      int
	probe  ProbeFunc

	candidates map[NodeId]*candidate
	order      []NodeId // kept sorted by distance to target

	inFlight     int
	queried      int
	maxQueried   int
	doneCalled   bool
	doneCh       chan struct{}
	onCompleteFn func([]*candidate)
}

// NewTraversal builds a traversal toward target, seeded from seeds
// (typically RoutingTable.FindNode's result plus any bootstrap nodes).
func NewTraversal(target NodeId, alpha, k int, seeds []NodeEntry, probe ProbeFunc) *Traversal {
	t := &Traversal{
		target:     target,
		alpha:      alpha,
		k:          k,
		probe:      probe,
		candidates: make(map[NodeId]*candidate),
		maxQueried: k * 50, // safety valve against runaway fan-out on an adversarial network
		doneCh:     make(chan struct{}),
	}
	for _, s := range seeds {
		t.addCandidateLocked(s)
	}
	return t
}

func (t *Traversal) addCandidateLocked(e NodeEntry) {
	if _, exists := t.candidates[e.ID]; exists {
		return
	}
	c := &candidate{entry: e, state: candidateFresh}
	t.candidates[e.ID] = c
	t.order = append(t.order, e.ID)
	sort.Slice(t.order, func(i, j int) bool {
		return Less(t.order[i], t.order[j], t.target)
	})
}

// Run drives the traversal to completion, blocking until the completion
// callback has fired (or ctx is cancelled). onComplete is called exactly
// once, from whichever goroutine's probe callback triggers the final
// pump — the doneCalled guard closes the regression gap where a slow
// straggler response could otherwise fire it twice.
func (t *Traversal) Run(ctx context.Context, onComplete func(results []*candidate)) {
	t.mu.Lock()
	t.onCompleteFn = onComplete
	t.mu.Unlock()

	t.pump(ctx)

	select {
	case <-t.doneCh:
	case <-ctx.Done():
		t.finish()
	}
}

// pump issues queries for up to alpha fresh candidates that are not
// already in flight. It must be called any time the candidate set or
// in-flight count changes: after seeding, and after every probe result.
func (t *Traversal) pump(ctx context.Context) {
	t.mu.Lock()
	if t.doneCalled {
		t.mu.Unlock()
		return
	}

	converged := t.inFlight == 0 && t.closestKClosedLocked()

	var toQuery []*candidate
	if !converged {
		for _, id := range t.order {
			if len(toQuery)+t.inFlight >= t.alpha {
				break
			}
			c := t.candidates[id]
			if c.state == candidateFresh {
				toQuery = append(toQuery, c)
			}
		}
		for _, c := range toQuery {
			c.state = candidateInFlight
			t.inFlight++
			t.queried++
		}
	}
	exhausted := t.inFlight == 0 && !t.hasFreshLocked()
	overBudget := t.queried >= t.maxQueried && t.inFlight == 0
	t.mu.Unlock()

	if converged || exhausted || overBudget {
		t.finish()
		return
	}

	for _, c := range toQuery {
		c := c
		t.probe(ctx, c.entry, func(outcome ProbeOutcome) {
			t.onProbeResult(ctx, c, outcome)
		})
	}
}

// closestKClosedLocked reports whether the k closest candidates (by
// distance to target) have all reached a terminal state. t.order is kept
// sorted by distance, so the first k entries ARE the k closest; any fresh
// or in-flight candidate further out is already known not to beat them.
func (t *Traversal) closestKClosedLocked() bool {
	n := t.k
	if len(t.order) < n {
		n = len(t.order)
	}
	for i := 0; i < n; i++ {
		switch t.candidates[t.order[i]].state {
		case candidateFresh, candidateInFlight:
			return false
		}
	}
	return true
}

func (t *Traversal) hasFreshLocked() bool {
	for _, id := range t.order {
		if t.candidates[id].state == candidateFresh {
			return true
		}
	}
	return false
}

func (t *Traversal) onProbeResult(ctx context.Context, c *candidate, outcome ProbeOutcome) {
	t.mu.Lock()
	t.inFlight--
	if outcome.Failed {
		c.state = candidateFailed
	} else {
		c.state = candidateResponded
		c.token = outcome.Token
		c.peers = outcome.Peers
		c.value = outcome.Value
		c.seq = outcome.Seq
		for _, n := range outcome.Nodes {
			t.addCandidateLocked(n)
		}
		for _, n := range outcome.Nodes6 {
			t.addCandidateLocked(n)
		}
	}
	t.mu.Unlock()

	t.pump(ctx)
}

// finish calls onCompleteFn exactly once and unblocks Run.
func (t *Traversal) finish() {
	t.mu.Lock()
	if t.doneCalled {
		t.mu.Unlock()
		return
	}
	t.doneCalled = true
	results := t.closestRespondedLocked(t.k)
	cb := t.onCompleteFn
	t.mu.Unlock()

	if cb != nil {
		cb(results)
	}
	close(t.doneCh)
}

func (t *Traversal) closestRespondedLocked(n int) []*candidate {
	out := make([]*candidate, 0, n)
	for _, id := range t.order {
		c := t.candidates[id]
		if c.state == candidateResponded {
			out = append(out, c)
			if len(out) == n {
				break
			}
		}
	}
	return out
}

// Results returns every candidate the traversal knows of, in any state
// (including ones never queried), in distance order, for diagnostics and
// tests.
func (t *Traversal) Results() []*candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*candidate, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.candidates[id])
	}
	return out
}
