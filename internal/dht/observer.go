package dht

import (
	"net"
	"sync/atomic"
)

// observerVoteMargin is how far ahead of the runner-up a candidate IP
// must be, in votes, before ObserveIP treats it as a settled external
// address rather than noise from a single flaky peer.
const observerVoteMargin = 3

// Observer is the external-address-learning and traffic-diagnostics
// hook spec §7 calls "logged via observer": it folds every reply's "ip"
// field into the owning routing table's BEP-42 vote tally, and once one
// candidate pulls clearly ahead, reports it through onAddressChange.
// It also keeps the plain sent/timeout/dropped/error counters a
// dashboard or log line would want.
type Observer struct {
	rt, rt6 *RoutingTable

	onAddressChange func(net.IP)
	lastReported    string

	sent     atomic.Int64
	timeouts atomic.Int64
	dropped  atomic.Int64
	errors   atomic.Int64
}

// NewObserver builds an Observer. onAddressChange may be nil, in which
// case ObserveIP still tallies votes but never calls back.
func NewObserver(rt, rt6 *RoutingTable, onAddressChange func(net.IP)) *Observer {
	return &Observer{rt: rt, rt6: rt6, onAddressChange: onAddressChange}
}

// ObserveIP records one reply's self-reported external endpoint and, if
// the vote tally now has a clear winner different from what was last
// reported, invokes onAddressChange.
func (o *Observer) ObserveIP(ep Endpoint) {
	rt := o.rt
	if !ep.IsV4() && o.rt6 != nil {
		rt = o.rt6
	}

	ipStr := ep.NetIP().String()
	winner, winnerVotes, runnerUp := rt.VoteExternalIP(ipStr)
	if winner == "" || winner == o.lastReported {
		return
	}
	if winnerVotes-runnerUp < observerVoteMargin {
		return
	}

	o.lastReported = winner
	if o.onAddressChange != nil {
		if ip := net.ParseIP(winner); ip != nil {
			o.onAddressChange(ip)
		}
	}
}

func (o *Observer) RecordSent()    { o.sent.Add(1) }
func (o *Observer) RecordTimeout() { o.timeouts.Add(1) }
func (o *Observer) RecordDropped() { o.dropped.Add(1) }
func (o *Observer) RecordError()   { o.errors.Add(1) }

// Stats is a snapshot of the counters above, for logging or a metrics
// exporter.
type Stats struct {
	Sent, Timeouts, Dropped, Errors int64
}

func (o *Observer) Stats() Stats {
	return Stats{
		Sent:     o.sent.Load(),
		Timeouts: o.timeouts.Load(),
		Dropped:  o.dropped.Load(),
		Errors:   o.errors.Load(),
	}
}
