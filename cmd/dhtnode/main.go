// Command dhtnode runs a standalone Mainline DHT node: it opens a UDP
// socket, derives a BEP-42-bound identity from the socket's local address, joins
// the network through a list of bootstrap nodes, and then just sits in
// the routing table answering queries until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rock3qiu/libtorrent/internal/dht"
	"github.com/rock3qiu/libtorrent/pkg/lib/log"
	"github.com/rock3qiu/libtorrent/pkg/transport"
)

var logger = log.Logger("dhtnode")

var (
	listenAddr = flag.String("listen", ":6881", "UDP listen address")
	bootstrap  = flag.String("bootstrap", "router.bittorrent.com:6881,dht.transmissionbt.com:6881", "comma-separated bootstrap host:port list")
	readOnly   = flag.Bool("read-only", false, "run as a BEP-43 read-only node")
	dualStack  = flag.Bool("dual-stack", false, "also run an IPv6 routing table")
	statsEvery = flag.Duration("stats-every", time.Minute, "interval between stats log lines")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dhtnode:", err)
		os.Exit(1)
	}
}

func run() error {
	conn, err := transport.ListenUDP(*listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer conn.Close()

	realClock := transport.NewRealClock()
	rng := transport.CryptoRandSource{}

	localIP := localAddrIP(conn.LocalAddr())
	localId, err := dht.DeriveNodeId(localIP, nonceByte(), rng)
	if err != nil {
		return fmt.Errorf("derive node id: %w", err)
	}

	cfg := dht.DefaultConfig()
	cfg.ReadOnly = *readOnly

	node, err := dht.NewNode(localId, conn, realClock, rng, cfg, *dualStack, func(ip net.IP) {
		logger.Info("external address changed", "ip", ip.String())
	})
	if err != nil {
		return fmt.Errorf("new node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	node.Start(ctx)
	defer node.Close()

	logger.Info("dht node listening", "addr", conn.LocalAddr().String(), "id", localId.String(), "readOnly", *readOnly)

	seeds, err := resolveSeeds(*bootstrap)
	if err != nil {
		return fmt.Errorf("resolve bootstrap: %w", err)
	}
	if len(seeds) > 0 {
		if err := node.Bootstrap(ctx, seeds); err != nil {
			logger.Warn("bootstrap failed", "err", err)
		}
	}

	go logStats(ctx, node)

	waitForSignal()
	return nil
}

// nonceByte picks a fixed BEP-42 nonce; a real deployment that needs to
// rotate identities on address change would persist and increment this.
func nonceByte() byte { return 0 }

func resolveSeeds(list string) ([]dht.Endpoint, error) {
	var seeds []dht.Endpoint
	for _, hostport := range strings.Split(list, ",") {
		hostport = strings.TrimSpace(hostport)
		if hostport == "" {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", hostport)
		if err != nil {
			logger.Warn("skipping unresolvable bootstrap address", "addr", hostport, "err", err)
			continue
		}
		seeds = append(seeds, dht.NewEndpoint(addr.IP, addr.Port))
	}
	return seeds, nil
}

func localAddrIP(addr net.Addr) net.IP {
	if udp, ok := addr.(*net.UDPAddr); ok && udp.IP != nil && !udp.IP.IsUnspecified() {
		return udp.IP
	}
	return net.IPv4(127, 0, 0, 1)
}

func logStats(ctx context.Context, node *dht.Node) {
	ticker := time.NewTicker(*statsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("stats", "stats", node.Stats())
		}
	}
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
