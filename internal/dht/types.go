package dht

import (
	"encoding/hex"
	"fmt"
	"net"
)

// IDLen is the length in bytes of a NodeId, an infohash or a BEP-44 item
// target: SHA-1's output size.
const IDLen = 20

// NodeId is the 160-bit opaque identifier every node, infohash and item
// target is addressed by. Distance between two NodeIds is their XOR
// treated as a big-endian integer (xor.go).
type NodeId [IDLen]byte

// String renders the ID as lowercase hex, for logs.
func (id NodeId) String() string {
	return hex.EncodeToString(id[:])
}

// Bit returns the value (0 or 1) of the i-th most significant bit of id.
func (id NodeId) Bit(i int) int {
	byteIdx := i / 8
	bitIdx := 7 - (i % 8)
	return int((id[byteIdx] >> bitIdx) & 1)
}

// NodeIdFromBytes copies b into a NodeId. b must be exactly IDLen bytes.
func NodeIdFromBytes(b []byte) (NodeId, error) {
	var id NodeId
	if len(b) != IDLen {
		return id, fmt.Errorf("dht: node id must be %d bytes, got %d", IDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Family distinguishes the two transports a routing table can be built
// for; a dual-stack node runs one DHT instance of each family.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "v6"
	}
	return "v4"
}

// Endpoint is a (IP, UDP port) pair. It is comparable, so it can be used
// as a map key directly (routing.go relies on this for the
// endpoint-to-bucket-slot index).
type Endpoint struct {
	IP   [16]byte // v4 addresses are stored in the v4-in-v6 form net.IP.To16 produces
	Port uint16
}

// NewEndpoint builds an Endpoint from a net.IP and port.
func NewEndpoint(ip net.IP, port int) Endpoint {
	var e Endpoint
	ip16 := ip.To16()
	copy(e.IP[:], ip16)
	e.Port = uint16(port)
	return e
}

// IsV4 reports whether the endpoint holds an IPv4-mapped address.
func (e Endpoint) IsV4() bool {
	return net.IP(e.IP[:]).To4() != nil
}

func (e Endpoint) Family() Family {
	if e.IsV4() {
		return FamilyV4
	}
	return FamilyV6
}

func (e Endpoint) NetIP() net.IP {
	if e.IsV4() {
		return net.IP(e.IP[:]).To4()
	}
	return net.IP(e.IP[:])
}

func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.NetIP(), Port: int(e.Port)}
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.NetIP(), e.Port)
}

// Status is the outcome of NodeSeen, per spec §4.1.
type Status int

const (
	StatusInserted Status = iota
	StatusUpdated
	StatusMovedToReplacement
	StatusIgnoredBadID
	StatusIgnoredIPConflict
	StatusIgnoredFull
	StatusIgnoredHijack
	StatusReplacedByIDChange
)

func (s Status) String() string {
	switch s {
	case StatusInserted:
		return "inserted"
	case StatusUpdated:
		return "updated"
	case StatusMovedToReplacement:
		return "moved_to_replacement"
	case StatusIgnoredBadID:
		return "ignored_bad_id"
	case StatusIgnoredIPConflict:
		return "ignored_ip_conflict"
	case StatusIgnoredFull:
		return "ignored_full"
	case StatusIgnoredHijack:
		return "ignored_hijack"
	case StatusReplacedByIDChange:
		return "replaced_by_id_change"
	default:
		return "unknown"
	}
}

// NodeEntry is one routing-table record: an identity, where it lives, and
// the liveness bookkeeping node_seen/node_failed maintain.
type NodeEntry struct {
	ID           NodeId
	Endpoint     Endpoint
	RTT          int64 // nanoseconds; 0 means "never measured"
	LastSeen     int64 // unix nanoseconds
	TimeoutCount int
	Verified     bool
}

// betterThan implements the tie-break order used when several entries are
// equidistant from a target: lower RTT first, then earlier LastSeen.
func (a *NodeEntry) betterThan(b *NodeEntry) bool {
	if a.RTT != b.RTT {
		return a.RTT < b.RTT
	}
	return a.LastSeen < b.LastSeen
}
