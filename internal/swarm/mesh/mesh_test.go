package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/meshnode/internal/swarm/identity"
)

type fakePinger struct {
	latency int64
	err     error
}

func (f fakePinger) Heartbeat(ctx context.Context, peer PeerEntry) (int64, error) {
	return f.latency, f.err
}

func testSelf() identity.NodeIdentity {
	return identity.NodeIdentity{NodeID: "self", APIURL: "http://self"}
}

func TestHandleJoinInsertsActivePeer(t *testing.T) {
	m := New(testSelf(), DefaultConfig(), nil, nil)
	m.HandleJoin(identity.NodeIdentity{NodeID: "peer-a", APIURL: "http://a"})

	peers := m.GetActivePeers()
	if len(peers) != 1 {
		t.Fatalf("expected 1 active peer, got %d", len(peers))
	}
	if peers[0].NodeID != "peer-a" {
		t.Fatalf("NodeID = %q, want peer-a", peers[0].NodeID)
	}
}

func TestHandleJoinIsIdempotentOnNodeID(t *testing.T) {
	m := New(testSelf(), DefaultConfig(), nil, nil)
	m.HandleJoin(identity.NodeIdentity{NodeID: "peer-a", APIURL: "http://a"})
	m.HandleJoin(identity.NodeIdentity{NodeID: "peer-a", APIURL: "http://a"})

	if m.PeerCount() != 1 {
		t.Fatalf("PeerCount = %d, want 1", m.PeerCount())
	}
}

func TestHandleJoinRebindUpdatesAPIURL(t *testing.T) {
	m := New(testSelf(), DefaultConfig(), nil, nil)
	m.HandleJoin(identity.NodeIdentity{NodeID: "peer-a", APIURL: "http://old"})
	m.HandleJoin(identity.NodeIdentity{NodeID: "peer-a", APIURL: "http://new"})

	p, ok := m.GetPeer("peer-a")
	if !ok {
		t.Fatalf("expected peer-a to exist")
	}
	if p.APIURL != "http://new" {
		t.Fatalf("APIURL = %q, want http://new", p.APIURL)
	}
}

func TestHandleLeaveMarksLeft(t *testing.T) {
	m := New(testSelf(), DefaultConfig(), nil, nil)
	m.HandleJoin(identity.NodeIdentity{NodeID: "peer-a"})
	m.HandleLeave("peer-a")

	if len(m.GetActivePeers()) != 0 {
		t.Fatalf("expected peer to no longer be active after leave")
	}
	p, ok := m.GetPeer("peer-a")
	if !ok || p.Status != StatusLeft {
		t.Fatalf("expected peer-a status = left, got %+v ok=%v", p, ok)
	}
}

func TestHandleHeartbeatUnknownPeerErrors(t *testing.T) {
	m := New(testSelf(), DefaultConfig(), nil, nil)
	err := m.HandleHeartbeat("ghost", time.Now())
	if _, ok := err.(ErrUnknownPeer); !ok {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestHandleHeartbeatRecoversSuspectedPeer(t *testing.T) {
	m := New(testSelf(), DefaultConfig(), nil, nil)
	m.HandleJoin(identity.NodeIdentity{NodeID: "peer-a"})
	m.mu.Lock()
	m.peers["peer-a"].Status = StatusSuspected
	m.mu.Unlock()

	if err := m.HandleHeartbeat("peer-a", time.Now()); err != nil {
		t.Fatalf("HandleHeartbeat: %v", err)
	}
	p, _ := m.GetPeer("peer-a")
	if p.Status != StatusActive {
		t.Fatalf("expected peer to recover to active, got %v", p.Status)
	}
}

func TestSweepTransitionsThroughLattice(t *testing.T) {
	cfg := Config{
		SuspectedAfterMS:   10,
		UnreachableAfterMS: 20,
		EvictAfterMS:       30,
	}
	m := New(testSelf(), cfg, nil, nil)
	m.HandleJoin(identity.NodeIdentity{NodeID: "peer-a"})

	m.mu.Lock()
	m.peers["peer-a"].LastHeartbeatAt = time.Now().Add(-15 * time.Millisecond)
	m.mu.Unlock()
	m.sweep()
	p, _ := m.GetPeer("peer-a")
	if p.Status != StatusSuspected {
		t.Fatalf("expected suspected after %dms idle, got %v", 15, p.Status)
	}

	m.mu.Lock()
	m.peers["peer-a"].LastHeartbeatAt = time.Now().Add(-25 * time.Millisecond)
	m.mu.Unlock()
	m.sweep()
	p, _ = m.GetPeer("peer-a")
	if p.Status != StatusUnreachable {
		t.Fatalf("expected unreachable after %dms idle, got %v", 25, p.Status)
	}

	m.mu.Lock()
	m.peers["peer-a"].LastHeartbeatAt = time.Now().Add(-35 * time.Millisecond)
	m.mu.Unlock()
	m.sweep()
	if _, ok := m.GetPeer("peer-a"); ok {
		t.Fatalf("expected peer to be evicted after exceeding EvictAfterMS")
	}
}

func TestSweepSkipsLeftAndEvictedPeers(t *testing.T) {
	cfg := Config{SuspectedAfterMS: 1}
	m := New(testSelf(), cfg, nil, nil)
	m.HandleJoin(identity.NodeIdentity{NodeID: "peer-a"})
	m.HandleLeave("peer-a")

	m.mu.Lock()
	m.peers["peer-a"].LastHeartbeatAt = time.Now().Add(-time.Hour)
	m.mu.Unlock()
	m.sweep()

	p, ok := m.GetPeer("peer-a")
	if !ok || p.Status != StatusLeft {
		t.Fatalf("expected left peer to remain left, not re-evaluated by sweep, got %+v ok=%v", p, ok)
	}
}

func TestSweepFiresOnDegradedWhenPeerGoesSuspected(t *testing.T) {
	cfg := Config{SuspectedAfterMS: 10, UnreachableAfterMS: 20, EvictAfterMS: 30}
	m := New(testSelf(), cfg, nil, nil)
	m.HandleJoin(identity.NodeIdentity{NodeID: "peer-a"})

	var degradedID string
	m.SetOnDegraded(func(nodeID string) { degradedID = nodeID })

	m.mu.Lock()
	m.peers["peer-a"].LastHeartbeatAt = time.Now().Add(-15 * time.Millisecond)
	m.mu.Unlock()
	m.sweep()

	if degradedID != "peer-a" {
		t.Fatalf("expected onDegraded fired for peer-a, got %q", degradedID)
	}
}

func TestSweepDoesNotRefireOnDegradedForAlreadySuspectedPeer(t *testing.T) {
	cfg := Config{SuspectedAfterMS: 10, UnreachableAfterMS: 20, EvictAfterMS: 30}
	m := New(testSelf(), cfg, nil, nil)
	m.HandleJoin(identity.NodeIdentity{NodeID: "peer-a"})

	calls := 0
	m.SetOnDegraded(func(nodeID string) { calls++ })

	m.mu.Lock()
	m.peers["peer-a"].LastHeartbeatAt = time.Now().Add(-15 * time.Millisecond)
	m.mu.Unlock()
	m.sweep()
	m.sweep()

	if calls != 1 {
		t.Fatalf("expected onDegraded to fire exactly once for the active->suspected transition, got %d calls", calls)
	}
}

func TestSendHeartbeatsFiresOnDegradedAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalDegradeThreshold = 3
	m := New(testSelf(), cfg, nil, fakePinger{err: context.DeadlineExceeded})
	m.HandleJoin(identity.NodeIdentity{NodeID: "peer-a"})

	var degradedID string
	m.SetOnDegraded(func(nodeID string) { degradedID = nodeID })

	for i := 0; i < 3; i++ {
		m.sendHeartbeats()
	}

	if degradedID != "peer-a" {
		t.Fatalf("expected onDegraded fired for peer-a after local degrade, got %q", degradedID)
	}
}

func TestSendHeartbeatsDegradesAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalDegradeThreshold = 3
	m := New(testSelf(), cfg, nil, fakePinger{err: context.DeadlineExceeded})
	m.HandleJoin(identity.NodeIdentity{NodeID: "peer-a"})

	for i := 0; i < 3; i++ {
		m.sendHeartbeats()
	}

	p, _ := m.GetPeer("peer-a")
	if p.Status != StatusSuspected {
		t.Fatalf("expected peer-a suspected after %d consecutive heartbeat failures, got %v", cfg.LocalDegradeThreshold, p.Status)
	}
}

func TestSendHeartbeatsResetsFailuresOnSuccess(t *testing.T) {
	m := New(testSelf(), DefaultConfig(), nil, fakePinger{latency: 42})
	m.HandleJoin(identity.NodeIdentity{NodeID: "peer-a"})
	m.mu.Lock()
	m.peers["peer-a"].ConsecutiveFailures = 2
	m.mu.Unlock()

	m.sendHeartbeats()

	p, _ := m.GetPeer("peer-a")
	if p.ConsecutiveFailures != 0 {
		t.Fatalf("ConsecutiveFailures = %d, want 0 after a successful heartbeat", p.ConsecutiveFailures)
	}
	if p.LastLatencyMS != 42 {
		t.Fatalf("LastLatencyMS = %d, want 42", p.LastLatencyMS)
	}
}

func TestCircuitOpenFalseForUnknownPeer(t *testing.T) {
	m := New(testSelf(), DefaultConfig(), nil, nil)
	if m.CircuitOpen("never-seen") {
		t.Fatalf("expected CircuitOpen(unknown) = false")
	}
}
