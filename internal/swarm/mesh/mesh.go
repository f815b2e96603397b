// Package mesh owns the peer table and the local failure detector: the
// "MeshManager" of spec.md §4.3.
package mesh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/meshnode/internal/swarm/identity"
	"github.com/swarmguard/meshnode/libs/go/core/journal"
	"github.com/swarmguard/meshnode/libs/go/core/resilience"
)

// Status is a PeerEntry's lifecycle state.
type Status string

const (
	StatusActive      Status = "active"
	StatusSuspected   Status = "suspected"
	StatusUnreachable Status = "unreachable"
	StatusLeft        Status = "left"
	StatusEvicted     Status = "evicted"
)

// PeerEntry is MeshManager's view of one remote node. Mutated only by
// MeshManager, always under its mu lock.
type PeerEntry struct {
	identity.NodeIdentity
	Status              Status    `json:"status"`
	JoinedAt            time.Time `json:"joined_at"`
	LastHeartbeatAt      time.Time `json:"last_heartbeat_at"`
	LastLatencyMS       int64     `json:"last_latency_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Config holds the timing knobs spec.md §6 names for MeshManager.
type Config struct {
	HeartbeatIntervalMS int64
	SweepIntervalMS     int64
	SuspectedAfterMS    int64
	UnreachableAfterMS  int64
	EvictAfterMS        int64

	// LocalDegradeThreshold is the "three consecutive failures" rule from
	// spec.md §4.3's outbound-heartbeat section: once a peer's
	// ConsecutiveFailures reaches this, it is marked suspected locally
	// even if the sweep interval hasn't yet expired.
	LocalDegradeThreshold int
}

// DefaultConfig matches the defaults enumerated in spec.md §6.
func DefaultConfig() Config {
	return Config{
		HeartbeatIntervalMS:   2000,
		SweepIntervalMS:       5000,
		SuspectedAfterMS:      10000,
		UnreachableAfterMS:    20000,
		EvictAfterMS:          60000,
		LocalDegradeThreshold: 3,
	}
}

// Pinger is the narrow capability MeshManager needs from Transport to send
// outbound heartbeats; kept as an interface so tests can fake it.
type Pinger interface {
	Heartbeat(ctx context.Context, peer PeerEntry) (latencyMS int64, err error)
}

// MeshManager is the peer table and failure detector. One instance per node.
type MeshManager struct {
	mu    sync.RWMutex
	peers map[string]*PeerEntry

	breakers   map[string]*resilience.CircuitBreaker
	breakersMu sync.Mutex

	cfg     Config
	self    identity.NodeIdentity
	journal *journal.Sink
	log     *slog.Logger
	pinger  Pinger

	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup

	heartbeatCounter metric.Int64Counter

	// onDegraded fires once a peer transitions active -> suspected, either
	// via the sweep's idle-timeout lattice or sendHeartbeats' local
	// consecutive-failure rule. Always invoked outside m.mu.
	onDegraded func(nodeID string)
}

// SetOnDegraded wires a callback invoked when a peer first transitions to
// suspected, so a caller (the distributor) can cancel and redistribute
// whatever tasks were delegated to it.
func (m *MeshManager) SetOnDegraded(fn func(nodeID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDegraded = fn
}

// New constructs a MeshManager for the local identity self.
func New(self identity.NodeIdentity, cfg Config, j *journal.Sink, pinger Pinger) *MeshManager {
	meter := otel.Meter("swarm-go")
	heartbeatCounter, _ := meter.Int64Counter("swarm_mesh_heartbeats_total")
	return &MeshManager{
		peers:            make(map[string]*PeerEntry),
		breakers:         make(map[string]*resilience.CircuitBreaker),
		cfg:              cfg,
		self:             self,
		journal:          j,
		log:              slog.Default().With("component", "mesh"),
		pinger:           pinger,
		heartbeatCounter: heartbeatCounter,
	}
}

// Start boots the heartbeat and sweep timers. Idempotent.
func (m *MeshManager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(2)
	go m.heartbeatLoop()
	go m.sweepLoop()
}

// Stop halts both timers; the peer table is left as it is. Synchronous:
// returns once both loops have exited.
func (m *MeshManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *MeshManager) heartbeatLoop() {
	defer m.wg.Done()
	t := time.NewTicker(time.Duration(m.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.sendHeartbeats()
		}
	}
}

func (m *MeshManager) sendHeartbeats() {
	for _, p := range m.getActivePeerPtrs() {
		if m.pinger == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		latency, err := m.pinger.Heartbeat(ctx, *p)
		cancel()
		if m.heartbeatCounter != nil {
			m.heartbeatCounter.Add(ctx, 1)
		}
		m.mu.Lock()
		entry, ok := m.peers[p.NodeID]
		if !ok {
			m.mu.Unlock()
			continue
		}
		degraded := false
		if err != nil {
			entry.ConsecutiveFailures++
			if entry.ConsecutiveFailures >= m.cfg.LocalDegradeThreshold && entry.Status == StatusActive {
				entry.Status = StatusSuspected
				m.log.Warn("peer degraded locally", "node_id", entry.NodeID, "failures", entry.ConsecutiveFailures)
				degraded = true
			}
			m.cb(entry.NodeID).RecordResult(false)
		} else {
			entry.LastLatencyMS = latency
			entry.ConsecutiveFailures = 0
			m.cb(entry.NodeID).RecordResult(true)
		}
		onDegraded := m.onDegraded
		m.mu.Unlock()
		if degraded && onDegraded != nil {
			onDegraded(p.NodeID)
		}
	}
}

func (m *MeshManager) sweepLoop() {
	defer m.wg.Done()
	t := time.NewTicker(time.Duration(m.cfg.SweepIntervalMS) * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

// sweep applies the failure-detector lattice described in spec.md §4.3.
func (m *MeshManager) sweep() {
	now := time.Now()
	m.mu.Lock()
	var degraded []string
	for id, p := range m.peers {
		if p.Status == StatusLeft || p.Status == StatusEvicted {
			continue
		}
		idleMS := now.Sub(p.LastHeartbeatAt).Milliseconds()
		switch {
		case idleMS >= m.cfg.EvictAfterMS:
			delete(m.peers, id)
		case idleMS >= m.cfg.UnreachableAfterMS:
			if p.Status == StatusSuspected {
				p.Status = StatusUnreachable
			}
		case idleMS >= m.cfg.SuspectedAfterMS:
			if p.Status == StatusActive {
				p.Status = StatusSuspected
				degraded = append(degraded, id)
			}
		}
	}
	onDegraded := m.onDegraded
	m.mu.Unlock()
	if onDegraded != nil {
		for _, id := range degraded {
			onDegraded(id)
		}
	}
}

// HandleJoin inserts or refreshes a PeerEntry. Idempotent on node_id.
func (m *MeshManager) HandleJoin(id identity.NodeIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.peers[id.NodeID]; ok {
		if existing.APIURL != id.APIURL && id.APIURL != "" {
			m.log.Info("peer rebind", "node_id", id.NodeID, "old_url", existing.APIURL, "new_url", id.APIURL)
			if m.journal != nil {
				m.journal.Emit("swarm.peer_rebind", map[string]any{"node_id": id.NodeID, "old_url": existing.APIURL, "new_url": id.APIURL})
			}
			existing.APIURL = id.APIURL
		}
		existing.NodeIdentity = id
		existing.Status = StatusActive
		existing.ConsecutiveFailures = 0
		existing.LastHeartbeatAt = now
		return
	}
	m.peers[id.NodeID] = &PeerEntry{
		NodeIdentity:     id,
		Status:           StatusActive,
		JoinedAt:         now,
		LastHeartbeatAt:  now,
	}
}

// HandleLeave marks a peer as left.
func (m *MeshManager) HandleLeave(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[nodeID]; ok {
		p.Status = StatusLeft
	}
}

// ErrUnknownPeer is returned by HandleHeartbeat for an unregistered peer.
type ErrUnknownPeer struct{ NodeID string }

func (e ErrUnknownPeer) Error() string { return "unknown peer: " + e.NodeID }

// HandleHeartbeat updates last-seen and recovers a suspected/unreachable
// peer back to active.
func (m *MeshManager) HandleHeartbeat(nodeID string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[nodeID]
	if !ok {
		return ErrUnknownPeer{NodeID: nodeID}
	}
	p.LastHeartbeatAt = ts
	if p.Status == StatusSuspected || p.Status == StatusUnreachable {
		p.Status = StatusActive
	}
	p.ConsecutiveFailures = 0
	return nil
}

// Self returns this node's own identity, as supplied to New.
func (m *MeshManager) Self() identity.NodeIdentity {
	return m.self
}

// GetActivePeers returns a copy of every peer currently active.
func (m *MeshManager) GetActivePeers() []PeerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerEntry, 0, len(m.peers))
	for _, p := range m.peers {
		if p.Status == StatusActive {
			out = append(out, *p)
		}
	}
	return out
}

func (m *MeshManager) getActivePeerPtrs() []*PeerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*PeerEntry, 0, len(m.peers))
	for _, p := range m.peers {
		if p.Status == StatusActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// GetPeer returns a copy of the entry for id, if present.
func (m *MeshManager) GetPeer(id string) (PeerEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	if !ok {
		return PeerEntry{}, false
	}
	return *p, true
}

// PeerCount reports the number of tracked (non-evicted) peers.
func (m *MeshManager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// Snapshot returns every tracked peer regardless of status, optionally
// filtered by status (empty string = all).
func (m *MeshManager) Snapshot(status string) []PeerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerEntry, 0, len(m.peers))
	for _, p := range m.peers {
		if status == "" || string(p.Status) == status {
			out = append(out, *p)
		}
	}
	return out
}

func (m *MeshManager) cb(nodeID string) *resilience.CircuitBreaker {
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()
	cb, ok := m.breakers[nodeID]
	if !ok {
		cb = resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 4, 0.5, 10*time.Second, 2)
		m.breakers[nodeID] = cb
	}
	return cb
}

// CircuitOpen reports whether the per-peer breaker is currently open,
// exposed so WorkDistributor can skip a peer it knows is failing without
// waiting for the sweep to mark it suspected.
func (m *MeshManager) CircuitOpen(nodeID string) bool {
	m.breakersMu.Lock()
	cb, ok := m.breakers[nodeID]
	m.breakersMu.Unlock()
	if !ok {
		return false
	}
	return cb.Open()
}
