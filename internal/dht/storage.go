package dht

import (
	"sync"
	"time"

	arc "github.com/hashicorp/golang-lru/arc/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// PeerAnnouncement is one entry of a peers[infohash] set, per spec §3/§4.6.
type PeerAnnouncement struct {
	Endpoint     Endpoint
	Seed         bool
	Name         string
	LastAnnounce time.Time
}

type peerSet struct {
	byEndpoint map[Endpoint]*PeerAnnouncement
	lastTouch  time.Time
}

// ImmutableItem is a BEP-44 immutable value keyed by SHA-1(bencode(v)).
type ImmutableItem struct {
	Value    []byte
	LastSeen time.Time
}

// MutableItem is a BEP-44 mutable value keyed by SHA-1(public_key ‖ salt),
// per spec §3.
type MutableItem struct {
	Value     []byte
	PublicKey []byte
	Signature []byte
	Seq       int64
	Salt      []byte
	LastSeen  time.Time
}

// Storage holds the three in-memory tables of spec §4.6: peers per
// infohash, immutable items and mutable items, each capped and evicted.
//
// The mutable table uses an adaptive replacement cache rather than
// plain LRU: republished items (put with an unchanged or slowly
// incrementing seq, per spec §4.6) are touched far more often than
// they are displaced, which is exactly the access pattern ARC tracks
// separately from one-off scans so a burst of unrelated puts can't
// evict a frequently-refreshed item the way a strict LRU would.
type Storage struct {
	mu sync.Mutex

	maxTorrents int
	itemTTL     time.Duration

	peers     *lru.Cache[NodeId, *peerSet]
	immutable *lru.Cache[NodeId, *ImmutableItem]
	mutable   *arc.ARCCache[NodeId, *MutableItem]
}

// NewStorage builds a Storage sized by cfg.MaxTorrents and cfg.MaxDHTItems,
// the latter split evenly between the immutable and mutable tables.
func NewStorage(cfg *Config) *Storage {
	peers, _ := lru.New[NodeId, *peerSet](cfg.MaxTorrents)
	immutable, _ := lru.New[NodeId, *ImmutableItem](cfg.MaxDHTItems / 2)
	mutable, _ := arc.NewARC[NodeId, *MutableItem](cfg.MaxDHTItems / 2)
	return &Storage{
		maxTorrents: cfg.MaxTorrents,
		itemTTL:     cfg.ItemTTL,
		peers:       peers,
		immutable:   immutable,
		mutable:     mutable,
	}
}

// AnnouncePeer records that endpoint is serving infohash.
func (s *Storage) AnnouncePeer(infohash NodeId, endpoint Endpoint, seed bool, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.peers.Get(infohash)
	if !ok {
		set = &peerSet{byEndpoint: make(map[Endpoint]*PeerAnnouncement)}
		s.peers.Add(infohash, set)
	}
	set.lastTouch = time.Now()
	set.byEndpoint[endpoint] = &PeerAnnouncement{
		Endpoint:     endpoint,
		Seed:         seed,
		Name:         name,
		LastAnnounce: set.lastTouch,
	}
}

// GetPeers returns up to max peer announcements for infohash, expiring
// entries older than itemTTL as it goes.
func (s *Storage) GetPeers(infohash NodeId, max int) []PeerAnnouncement {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.peers.Get(infohash)
	if !ok {
		return nil
	}
	cutoff := time.Now().Add(-s.itemTTL)
	out := make([]PeerAnnouncement, 0, max)
	for ep, a := range set.byEndpoint {
		if a.LastAnnounce.Before(cutoff) {
			delete(set.byEndpoint, ep)
			continue
		}
		if len(out) < max {
			out = append(out, *a)
		}
	}
	return out
}

// AllPeerIPs returns every still-live peer for infohash split by seed
// flag, for BEP-33 scrape bloom construction.
func (s *Storage) AllPeerIPs(infohash NodeId) (seeds, downloaders []Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.peers.Get(infohash)
	if !ok {
		return nil, nil
	}
	cutoff := time.Now().Add(-s.itemTTL)
	for _, a := range set.byEndpoint {
		if a.LastAnnounce.Before(cutoff) {
			continue
		}
		if a.Seed {
			seeds = append(seeds, a.Endpoint)
		} else {
			downloaders = append(downloaders, a.Endpoint)
		}
	}
	return seeds, downloaders
}

// PutImmutable stores an immutable item, refreshing LastSeen if it
// already exists (the value is content-addressed, so it cannot change).
func (s *Storage) PutImmutable(target NodeId, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.immutable.Add(target, &ImmutableItem{Value: value, LastSeen: time.Now()})
}

func (s *Storage) GetImmutable(target NodeId) (*ImmutableItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.immutable.Get(target)
}

// PutMutable stores or updates a mutable item at target. Callers must
// have already validated the signature, target and any CAS/seq rule
// (handler.go does this before calling in).
func (s *Storage) PutMutable(target NodeId, item *MutableItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.LastSeen = time.Now()
	s.mutable.Add(target, item)
}

func (s *Storage) GetMutable(target NodeId) (*MutableItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutable.Get(target)
}

// ItemCount returns the combined count of immutable and mutable items,
// for enforcing spec §6's MaxDHTItems against storage-full replies.
func (s *Storage) ItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.immutable.Len() + s.mutable.Len()
}
