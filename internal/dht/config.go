package dht

import (
	"errors"
	"time"
)

// Config carries every knob enumerated in spec §6. DefaultConfig returns
// BEP-5-sane defaults; each Option sets one field of a Config, and
// NewNode builds the node from the resulting *Config.
type Config struct {
	// K is the bucket capacity and closest-set size.
	K int

	// Alpha is the traversal branching factor.
	Alpha int

	// MaxDHTItems bounds the combined immutable+mutable item store.
	MaxDHTItems int

	// MaxTorrents bounds the peers-per-infohash table.
	MaxTorrents int

	// MaxFailCount is the timeout_count threshold that evicts a live
	// routing-table entry.
	MaxFailCount int

	// EnforceNodeId requires BEP-42 ID/IP binding on every accepted entry.
	EnforceNodeId bool

	// RestrictRoutingIPs enforces /24 (v4) and /64 (v6) diversity within
	// a bucket.
	RestrictRoutingIPs bool

	// ExtendedRoutingTable allows buckets other than the one containing
	// the local ID to split, up to ExtendedSplitDepth common-prefix bits.
	ExtendedRoutingTable bool
	ExtendedSplitDepth   int

	// ReadOnly makes the node answer nothing and insert no one; it still
	// issues outgoing queries (BEP 43's "ro" flag semantics).
	ReadOnly bool

	// RequestTimeout is how long the RPC manager waits before retrying
	// or giving up on a query.
	RequestTimeout time.Duration

	// MaxRetries bounds retry attempts for retryable query kinds.
	MaxRetries int

	// MaxOutstandingPerNode and MaxOutstandingGlobal cap the RPC
	// manager's back-pressure (spec §4.3).
	MaxOutstandingPerNode int
	MaxOutstandingGlobal  int

	// ItemTTL is how long a stored peer/item survives without refresh.
	ItemTTL time.Duration

	// TokenEpoch is how often the write-token secret rotates.
	TokenEpoch time.Duration

	// RefreshInterval is how often a stale bucket's oldest entry is
	// pinged (spec §4.1 state machine).
	RefreshInterval time.Duration

	// GetPeersReturnCount bounds how many peer endpoints a get_peers
	// response returns (spec §4.5, default 100).
	GetPeersReturnCount int
}

// DefaultConfig returns the defaults enumerated in spec §6.
func DefaultConfig() *Config {
	return &Config{
		K:                     8,
		Alpha:                 4,
		MaxDHTItems:           700,
		MaxTorrents:           2000,
		MaxFailCount:          20,
		EnforceNodeId:         true,
		RestrictRoutingIPs:    true,
		ExtendedRoutingTable:  true,
		ExtendedSplitDepth:    5,
		ReadOnly:              false,
		RequestTimeout:        15 * time.Second,
		MaxRetries:            3,
		MaxOutstandingPerNode: 1,
		MaxOutstandingGlobal:  4096,
		ItemTTL:               2 * time.Hour,
		TokenEpoch:            5 * time.Minute,
		RefreshInterval:       15 * time.Minute,
		GetPeersReturnCount:   100,
	}
}

// Validate checks the invariants New relies on.
func (c *Config) Validate() error {
	switch {
	case c.K <= 0:
		return errors.New("dht: K must be positive")
	case c.Alpha <= 0:
		return errors.New("dht: Alpha must be positive")
	case c.MaxDHTItems <= 0:
		return errors.New("dht: MaxDHTItems must be positive")
	case c.MaxTorrents <= 0:
		return errors.New("dht: MaxTorrents must be positive")
	case c.MaxFailCount <= 0:
		return errors.New("dht: MaxFailCount must be positive")
	case c.RequestTimeout <= 0:
		return errors.New("dht: RequestTimeout must be positive")
	case c.MaxRetries < 0:
		return errors.New("dht: MaxRetries must not be negative")
	case c.MaxOutstandingPerNode <= 0:
		return errors.New("dht: MaxOutstandingPerNode must be positive")
	case c.MaxOutstandingGlobal <= 0:
		return errors.New("dht: MaxOutstandingGlobal must be positive")
	case c.ItemTTL <= 0:
		return errors.New("dht: ItemTTL must be positive")
	case c.TokenEpoch <= 0:
		return errors.New("dht: TokenEpoch must be positive")
	case c.GetPeersReturnCount <= 0:
		return errors.New("dht: GetPeersReturnCount must be positive")
	}
	return nil
}

// Option mutates a Config in place. NewNode takes a *Config and applies
// no Options itself.
type Option func(*Config)

func WithK(k int) Option                        { return func(c *Config) { c.K = k } }
func WithAlpha(alpha int) Option                 { return func(c *Config) { c.Alpha = alpha } }
func WithMaxDHTItems(n int) Option               { return func(c *Config) { c.MaxDHTItems = n } }
func WithMaxTorrents(n int) Option               { return func(c *Config) { c.MaxTorrents = n } }
func WithMaxFailCount(n int) Option              { return func(c *Config) { c.MaxFailCount = n } }
func WithEnforceNodeId(enforce bool) Option      { return func(c *Config) { c.EnforceNodeId = enforce } }
func WithRestrictRoutingIPs(restrict bool) Option {
	return func(c *Config) { c.RestrictRoutingIPs = restrict }
}
func WithExtendedRoutingTable(extended bool) Option {
	return func(c *Config) { c.ExtendedRoutingTable = extended }
}
func WithReadOnly(ro bool) Option                { return func(c *Config) { c.ReadOnly = ro } }
func WithRequestTimeout(d time.Duration) Option  { return func(c *Config) { c.RequestTimeout = d } }
func WithMaxRetries(n int) Option                { return func(c *Config) { c.MaxRetries = n } }
func WithItemTTL(d time.Duration) Option         { return func(c *Config) { c.ItemTTL = d } }
func WithTokenEpoch(d time.Duration) Option      { return func(c *Config) { c.TokenEpoch = d } }
func WithRefreshInterval(d time.Duration) Option { return func(c *Config) { c.RefreshInterval = d } }
