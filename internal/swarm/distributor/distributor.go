// Package distributor implements WorkDistributor (spec.md §4.6): peer
// selection over four Pareto objectives, delegation lifecycle, and retry/
// degrade handling.
package distributor

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/meshnode/internal/swarm/kernel"
	"github.com/swarmguard/meshnode/internal/swarm/mesh"
	"github.com/swarmguard/meshnode/internal/swarm/reputation"
	"github.com/swarmguard/meshnode/libs/go/core/journal"
)

// Strategy selects how the front is collapsed to one candidate.
type Strategy string

const (
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyParetoWeighted Strategy = "pareto_weighted"
	StrategyParetoCrowding Strategy = "pareto_crowding"
	StrategySingleSolution Strategy = "single_solution"
)

// Weights are the default tie-break weights from spec.md §4.6.
type Weights struct {
	Trust, Latency, Cost, Capability float64
}

// DefaultWeights matches spec.md's {trust 0.4, latency 0.25, cost 0.15, capability 0.2}.
func DefaultWeights() Weights { return Weights{Trust: 0.4, Latency: 0.25, Cost: 0.15, Capability: 0.2} }

// Candidate is one peer scored on the four objectives, all in [0,1],
// higher better.
type Candidate struct {
	NodeID     string
	Trust      float64
	Latency    float64
	Cost       float64
	Capability float64
}

func (c Candidate) vector() [4]float64 { return [4]float64{c.Trust, c.Latency, c.Cost, c.Capability} }

// Dominates reports whether c dominates other: >= on every objective and
// strictly > on at least one.
func (c Candidate) Dominates(other Candidate) bool {
	a, b := c.vector(), other.vector()
	strictlyBetter := false
	for i := range a {
		if a[i] < b[i] {
			return false
		}
		if a[i] > b[i] {
			strictlyBetter = true
		}
	}
	return strictlyBetter
}

// ParetoFront returns the non-dominated subset of candidates.
func ParetoFront(candidates []Candidate) []Candidate {
	front := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		dominated := false
		for _, other := range candidates {
			if other.NodeID == c.NodeID {
				continue
			}
			if other.Dominates(c) {
				dominated = true
				break
			}
		}
		if !dominated {
			front = append(front, c)
		}
	}
	return front
}

// CrowdingDistances computes NSGA-II crowding distance per candidate in
// front; boundary members (min/max on any objective) get +Inf.
func CrowdingDistances(front []Candidate) map[string]float64 {
	dist := make(map[string]float64, len(front))
	for _, c := range front {
		dist[c.NodeID] = 0
	}
	if len(front) <= 2 {
		for _, c := range front {
			dist[c.NodeID] = math.Inf(1)
		}
		return dist
	}
	n := len(front)
	for obj := 0; obj < 4; obj++ {
		sorted := make([]Candidate, n)
		copy(sorted, front)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].vector()[obj] < sorted[j].vector()[obj] })
		dist[sorted[0].NodeID] = math.Inf(1)
		dist[sorted[n-1].NodeID] = math.Inf(1)
		lo, hi := sorted[0].vector()[obj], sorted[n-1].vector()[obj]
		span := hi - lo
		if span == 0 {
			continue
		}
		for i := 1; i < n-1; i++ {
			if math.IsInf(dist[sorted[i].NodeID], 1) {
				continue
			}
			prev := sorted[i-1].vector()[obj]
			next := sorted[i+1].vector()[obj]
			dist[sorted[i].NodeID] += (next - prev) / span
		}
	}
	return dist
}

func weightedSum(c Candidate, w Weights) float64 {
	return c.Trust*w.Trust + c.Latency*w.Latency + c.Cost*w.Cost + c.Capability*w.Capability
}

// ParetoSelect picks one candidate from front according to strategy.
func ParetoSelect(front []Candidate, strategy Strategy, w Weights) Candidate {
	if len(front) == 1 {
		return front[0]
	}
	switch strategy {
	case StrategyParetoCrowding:
		dist := CrowdingDistances(front)
		best := front[0]
		for _, c := range front[1:] {
			if dist[c.NodeID] > dist[best.NodeID] {
				best = c
			} else if dist[c.NodeID] == dist[best.NodeID] && weightedSum(c, w) > weightedSum(best, w) {
				best = c
			}
		}
		return best
	default: // pareto_weighted, single_solution fallback on the front
		best := front[0]
		for _, c := range front[1:] {
			if weightedSum(c, w) > weightedSum(best, w) {
				best = c
			}
		}
		return best
	}
}

// ActiveDelegation tracks one outstanding delegation.
type ActiveDelegation struct {
	TaskID        string
	PeerNodeID    string
	SentAt        time.Time
	Priority      int
	RetryCount    int
	Constraints   map[string]any
	CorrelationID string

	resultCh chan kernel.TaskResult
	cancel   context.CancelFunc
}

// Config holds distributor knobs from spec.md §6.
type Config struct {
	DelegationTimeoutMS int64
	MaxRetries          int
	Strategy            Strategy
	Weights             Weights
	MaxCostUSD          float64
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		DelegationTimeoutMS: 15000,
		MaxRetries:          2,
		Strategy:            StrategyRoundRobin,
		Weights:             DefaultWeights(),
		MaxCostUSD:          1.0,
	}
}

// Sender is the narrow capability WorkDistributor needs to deliver a task
// and cancel it; implemented by the transport client.
type Sender interface {
	SendTask(ctx context.Context, peer mesh.PeerEntry, taskID, taskText, sessionID string, constraints map[string]any, priority *int) (accepted bool, err error)
	CancelTask(ctx context.Context, peer mesh.PeerEntry, taskID, reason string) error
}

// QuarantineChecker reports whether a peer has accumulated enough upheld
// sabotage reports to be excluded from candidate enumeration (SPEC_FULL.md
// §4's supplemented quarantine feature). Satisfied by
// *detectors.SabotageDetector; optional, nil means no quarantine filtering.
type QuarantineChecker interface {
	IsQuarantined(nodeID string) bool
}

// FeedbackRecorder files this node's own delegation outcomes as feedback
// about the delegatee, feeding the sabotage heuristics that in turn flag
// source|target pairs for ReputationStore to discount. Satisfied by
// *detectors.SabotageDetector; optional, nil means outcomes aren't fed back
// as feedback.
type FeedbackRecorder interface {
	RecordFeedback(source, target string, positive bool)
}

// Distributor implements spec.md §4.6's WorkDistributor.
type Distributor struct {
	mu     sync.Mutex
	active map[string]*ActiveDelegation

	mesh       *mesh.MeshManager
	rep        *reputation.Store
	send       Sender
	cfg        Config
	j          *journal.Sink
	log        *slog.Logger
	rrIdx      int
	quarantine QuarantineChecker
	feedback   FeedbackRecorder
	onAccepted func(taskID, peerNodeID string)
}

// SetQuarantineChecker wires the sabotage detector's quarantine lookup into
// candidate enumeration.
func (d *Distributor) SetQuarantineChecker(q QuarantineChecker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quarantine = q
}

// SetFeedbackRecorder wires the sabotage detector's feedback intake so
// every recorded outcome also feeds the collusion/sabotage heuristics.
func (d *Distributor) SetFeedbackRecorder(f FeedbackRecorder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.feedback = f
}

// SetOnAccepted registers a hook invoked the moment a peer accepts a
// delegation, before awaitResult blocks — the node wiring uses this to
// start progress monitoring concurrently with the wait.
func (d *Distributor) SetOnAccepted(fn func(taskID, peerNodeID string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onAccepted = fn
}

// New constructs a Distributor.
func New(m *mesh.MeshManager, rep *reputation.Store, send Sender, cfg Config, j *journal.Sink) *Distributor {
	return &Distributor{
		active: make(map[string]*ActiveDelegation),
		mesh:   m,
		rep:    rep,
		send:   send,
		cfg:    cfg,
		j:      j,
		log:    slog.Default().With("component", "distributor"),
	}
}

// Distribute enumerates candidates, selects a peer, registers an
// ActiveDelegation, and awaits its result (or synthesizes a failure).
// Never returns an error to the caller — every outcome is a TaskResult.
func (d *Distributor) Distribute(ctx context.Context, taskText, sessionID string, constraints map[string]any, priority *int) kernel.TaskResult {
	taskID := uuid.NewString()
	meter := otel.Meter("swarm-go")
	counter, _ := meter.Int64Counter("swarm_distributor_delegations_total")

	requiredTools, _ := constraints["tool_allowlist"].([]string)

	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		candidates := d.enumerate(requiredTools)
		if len(candidates) == 0 {
			return kernel.TaskResult{TaskID: taskID, Status: kernel.StatusAborted, Error: "no candidate peers available"}
		}
		front := ParetoFront(candidates)
		chosen := d.selectPeer(front, attempt)
		peer, ok := d.mesh.GetPeer(chosen.NodeID)
		if !ok {
			continue
		}

		delegCtx, cancel := context.WithTimeout(ctx, time.Duration(d.cfg.DelegationTimeoutMS)*time.Millisecond)
		deleg := &ActiveDelegation{
			TaskID:      taskID,
			PeerNodeID:  peer.NodeID,
			SentAt:      time.Now(),
			RetryCount:  attempt,
			Constraints: constraints,
			resultCh:    make(chan kernel.TaskResult, 1),
			cancel:      cancel,
		}
		if priority != nil {
			deleg.Priority = *priority
		}
		d.mu.Lock()
		d.active[taskID] = deleg
		d.mu.Unlock()

		accepted, err := d.send.SendTask(delegCtx, peer, taskID, taskText, sessionID, constraints, priority)
		if counter != nil {
			counter.Add(ctx, 1)
		}
		if err != nil || !accepted {
			d.degrade(peer.NodeID)
			d.mu.Lock()
			delete(d.active, taskID)
			d.mu.Unlock()
			cancel()
			continue
		}

		d.mu.Lock()
		onAccepted := d.onAccepted
		d.mu.Unlock()
		if onAccepted != nil {
			onAccepted(taskID, peer.NodeID)
		}

		result := d.awaitResult(delegCtx, deleg)
		cancel()
		d.mu.Lock()
		delete(d.active, taskID)
		d.mu.Unlock()

		if result.Status == kernel.StatusAborted && result.Error == "timeout" {
			// delegation timed out: count this as a failed attempt on the
			// peer and retry if budget remains.
			d.degrade(peer.NodeID)
			continue
		}

		d.recordOutcome(peer.NodeID, result)
		return result
	}

	return kernel.TaskResult{TaskID: taskID, Status: kernel.StatusAborted, Error: "exhausted retries, no peer accepted delegation"}
}

func (d *Distributor) enumerate(requiredTools []string) []Candidate {
	peers := d.mesh.GetActivePeers()
	d.mu.Lock()
	q := d.quarantine
	d.mu.Unlock()

	out := make([]Candidate, 0, len(peers))
	for _, p := range peers {
		if d.mesh.CircuitOpen(p.NodeID) {
			continue
		}
		if q != nil && q.IsQuarantined(p.NodeID) {
			continue
		}
		if len(requiredTools) > 0 && !p.HasAll(requiredTools) {
			continue
		}
		out = append(out, d.score(p, requiredTools))
	}
	return out
}

func (d *Distributor) score(p mesh.PeerEntry, required []string) Candidate {
	trust := d.rep.GetTrustScore(p.NodeID)
	latency := 1 - clamp(float64(p.LastLatencyMS)/10000, 0, 1)
	maxCost := d.cfg.MaxCostUSD
	if maxCost <= 0 {
		maxCost = 1.0
	}
	cost := 1 - clamp(d.rep.AvgCostPerTask(p.NodeID)/maxCost, 0, 1)
	capability := 1.0
	if len(required) > 0 {
		matched := 0
		for _, r := range required {
			if p.HasCapability(r) {
				matched++
			}
		}
		capability = float64(matched) / float64(len(required))
	}
	return Candidate{NodeID: p.NodeID, Trust: trust, Latency: latency, Cost: cost, Capability: capability}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (d *Distributor) selectPeer(front []Candidate, attempt int) Candidate {
	switch d.cfg.Strategy {
	case StrategyRoundRobin:
		d.mu.Lock()
		idx := d.rrIdx % len(front)
		d.rrIdx++
		d.mu.Unlock()
		return front[idx]
	default:
		return ParetoSelect(front, d.cfg.Strategy, d.cfg.Weights)
	}
}

func (d *Distributor) awaitResult(ctx context.Context, deleg *ActiveDelegation) kernel.TaskResult {
	select {
	case r := <-deleg.resultCh:
		return r
	case <-ctx.Done():
		return kernel.TaskResult{TaskID: deleg.TaskID, Status: kernel.StatusAborted, Error: "timeout"}
	}
}

func (d *Distributor) degrade(nodeID string) {
	d.log.Warn("peer degraded after failed delegation", "node_id", nodeID)
}

func (d *Distributor) recordOutcome(nodeID string, result kernel.TaskResult) {
	var outcome reputation.Outcome
	switch result.Status {
	case kernel.StatusCompleted:
		outcome = reputation.OutcomeCompleted
	case kernel.StatusFailed:
		outcome = reputation.OutcomeFailed
	default:
		outcome = reputation.OutcomeAborted
	}
	source := d.mesh.Self().NodeID
	d.rep.RecordOutcomeFrom(source, nodeID, reputation.Result{
		Status:     outcome,
		DurationMS: result.DurationMS,
		TokensUsed: result.TokensUsed,
		CostUSD:    result.CostUSD,
	})
	if d.feedback != nil {
		d.feedback.RecordFeedback(source, nodeID, outcome == reputation.OutcomeCompleted)
	}
}

// DeliverResult routes an incoming /api/result call to the waiting
// ActiveDelegation, if any. Returns false if no matching delegation is
// registered (the caller may choose to buffer briefly before giving up, per
// spec.md §5's ≤500ms grace window).
func (d *Distributor) DeliverResult(taskID string, result kernel.TaskResult) bool {
	d.mu.Lock()
	deleg, ok := d.active[taskID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case deleg.resultCh <- result:
		return true
	default:
		return false
	}
}

// CancelTask removes the delegation from the active map and asks the peer
// to cancel it; reports whether the task was known.
func (d *Distributor) CancelTask(ctx context.Context, taskID, reason string) bool {
	d.mu.Lock()
	deleg, ok := d.active[taskID]
	if ok {
		delete(d.active, taskID)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	deleg.cancel()
	if peer, ok := d.mesh.GetPeer(deleg.PeerNodeID); ok {
		_ = d.send.CancelTask(ctx, peer, taskID, reason)
	}
	return true
}

// HandlePeerDegradation cancels and re-enqueues every task delegated to a
// peer that has gone bad.
func (d *Distributor) HandlePeerDegradation(ctx context.Context, nodeID string) {
	d.mu.Lock()
	var affected []*ActiveDelegation
	for _, deleg := range d.active {
		if deleg.PeerNodeID == nodeID {
			affected = append(affected, deleg)
		}
	}
	d.mu.Unlock()
	for _, deleg := range affected {
		d.CancelTask(ctx, deleg.TaskID, "peer degraded")
	}
}

// ActiveDelegations returns a snapshot of currently outstanding delegations.
func (d *Distributor) ActiveDelegations() []ActiveDelegation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ActiveDelegation, 0, len(d.active))
	for _, deleg := range d.active {
		out = append(out, *deleg)
	}
	return out
}
