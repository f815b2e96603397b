// Package discovery feeds new NodeIdentity values to MeshManager: seed
// fetch, gossip ingestion, and an optional NATS-backed announce bus, per
// spec.md §4.2. Grounded on services/federation/sync_protocol.go's AddPeer
// / anti-entropy peer selection shape and libs/go/core/natsctx for the
// optional bus.
package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/swarmguard/meshnode/internal/swarm/identity"
)

// IdentityFetcher fetches a remote node's identity over the transport
// client.
type IdentityFetcher interface {
	FetchIdentity(ctx context.Context, apiURL string) (identity.NodeIdentity, error)
}

// OnDiscovered is invoked at most once per node_id per lifetime of the
// Discovery instance.
type OnDiscovered func(identity.NodeIdentity)

// Config holds discovery knobs.
type Config struct {
	Seeds      []string
	NATSURL    string // empty disables the announce bus, non-fatal
	GossipMaxHops int  // documented extension point; defaults to 1 (spec.md §9 open question #2), not exercised beyond that default
}

// Discovery drives peer discovery from every configured source.
type Discovery struct {
	mu      sync.Mutex
	seen    map[string]bool
	fetcher IdentityFetcher
	onFound OnDiscovered
	cfg     Config
	log     *slog.Logger

	natsConn *nats.Conn
	nodeID   string
}

// New constructs a Discovery instance for the local node.
func New(nodeID string, fetcher IdentityFetcher, onFound OnDiscovered, cfg Config) *Discovery {
	if cfg.GossipMaxHops <= 0 {
		cfg.GossipMaxHops = 1
	}
	return &Discovery{
		seen:    make(map[string]bool),
		fetcher: fetcher,
		onFound: onFound,
		cfg:     cfg,
		log:     slog.Default().With("component", "discovery"),
		nodeID:  nodeID,
	}
}

// deliver invokes onFound exactly once per node_id.
func (d *Discovery) deliver(id identity.NodeIdentity) {
	d.mu.Lock()
	if d.seen[id.NodeID] {
		d.mu.Unlock()
		return
	}
	d.seen[id.NodeID] = true
	d.mu.Unlock()
	d.onFound(id)
}

// FetchSeeds fetches identity from each configured seed URL in parallel.
func (d *Discovery) FetchSeeds(ctx context.Context) {
	var wg sync.WaitGroup
	for _, seed := range d.cfg.Seeds {
		seed := seed
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := d.fetcher.FetchIdentity(ctx, seed)
			if err != nil {
				d.log.Warn("seed fetch failed", "seed", seed, "error", err)
				return
			}
			d.deliver(id)
		}()
	}
	wg.Wait()
}

// GossipPeerRef is the minimal shape a gossip exchange carries per peer.
type GossipPeerRef struct {
	NodeID string
	APIURL string
}

// IngestGossip drops already-known peers and fetches identity for the rest.
// Propagation is one hop only (spec.md §9 open question #2); GossipMaxHops
// exists as a configuration extension point but is not exercised here.
func (d *Discovery) IngestGossip(ctx context.Context, peers []GossipPeerRef) {
	var wg sync.WaitGroup
	for _, p := range peers {
		d.mu.Lock()
		known := d.seen[p.NodeID]
		d.mu.Unlock()
		if known || p.NodeID == d.nodeID {
			continue
		}
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := d.fetcher.FetchIdentity(ctx, p.APIURL)
			if err != nil {
				d.log.Warn("gossip identity fetch failed", "node_id", p.NodeID, "error", err)
				return
			}
			d.deliver(id)
		}()
	}
	wg.Wait()
}

// announceSubject is the NATS subject the optional announce bus publishes
// and subscribes to.
const announceSubject = "swarm.announce.identity"

// StartAnnounceBus connects to cfg.NATSURL and subscribes for peer
// announcements. A missing or unreachable NATS server is non-fatal, the
// same posture spec.md §4.2 gives a missing multicast library.
func (d *Discovery) StartAnnounceBus(self identity.NodeIdentity) {
	if d.cfg.NATSURL == "" {
		return
	}
	conn, err := nats.Connect(d.cfg.NATSURL, nats.Timeout(3*time.Second))
	if err != nil {
		d.log.Warn("nats announce bus unavailable, continuing without it", "error", err)
		return
	}
	d.natsConn = conn

	_, err = conn.Subscribe(announceSubject, func(msg *nats.Msg) {
		var id identity.NodeIdentity
		if err := json.Unmarshal(msg.Data, &id); err != nil {
			return
		}
		if id.NodeID == d.nodeID {
			return
		}
		d.deliver(id)
	})
	if err != nil {
		d.log.Warn("nats subscribe failed", "error", err)
		return
	}

	raw, err := json.Marshal(self)
	if err == nil {
		_ = conn.Publish(announceSubject, raw)
	}
}

// StopAnnounceBus drains and closes the NATS connection, if one is open.
func (d *Discovery) StopAnnounceBus() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
}
