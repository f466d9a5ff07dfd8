// Package dht implements a BitTorrent Mainline DHT node: the Kademlia
// routing table, KRPC wire codec and RPC transaction manager, iterative
// node/peer/item lookups, and the BEP 5 (base DHT), BEP 33 (scrape),
// BEP 42 (node ID / IP binding) and BEP 44 (arbitrary immutable and
// mutable storage) extensions built on top of them.
//
// # Core components
//
//   - RoutingTable (routing.go): a binary-tree bucket structure keyed by
//     XOR distance to the local node ID, with bucket splitting,
//     replacement caches, and /24 (v4) or /64 (v6) subnet diversity.
//   - Manager (rpc.go): the outgoing transaction table — transaction
//     IDs, retries, timeouts and rate-paced sends.
//   - Handler (handler.go): answers incoming ping/find_node/get_peers/
//     announce_peer/get/put queries against the routing table and
//     Storage.
//   - Traversal (query.go): the iterative closest-node lookup shared by
//     find_node, get_peers and get, bounded by the Alpha branching
//     factor and the K closest-set size.
//   - Storage (storage.go): the peers-per-infohash table and the
//     immutable/mutable BEP-44 item stores.
//   - Node (dht.go): the facade tying all of the above to a packet
//     transport and exposing Bootstrap, Announce, GetItem,
//     PutImmutableItem and PutMutableItem.
//
// # Transport and collaborators
//
// The package never opens a socket or reads crypto/rand directly; the
// packet transport and randomness come through pkg/interfaces
// (PacketConn, RandSource) so tests can supply deterministic
// substitutes. RPC timeouts and write-token epochs run on the injected
// interfaces.Clock; routing-table LastSeen stamps, storage expiry and
// the handler's write rate limit read the system clock via time.Now.
//
// # Write path
//
// announce_peer and put both require a write token, handed out by
// TokenManager (tokens.go) in response to a prior get_peers or get and
// bound to the requester's IP and the current (or immediately
// preceding) secret epoch.
package dht
