// Package node wires every swarm component into one SwarmNode value, the
// single per-process owner of all mutable state (spec.md §9: "all per-node
// state belongs to one SwarmNode value; tests construct multiple in one
// process").
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/meshnode/internal/swarm/aggregator"
	"github.com/swarmguard/meshnode/internal/swarm/attestation"
	"github.com/swarmguard/meshnode/internal/swarm/dct"
	"github.com/swarmguard/meshnode/internal/swarm/detectors"
	"github.com/swarmguard/meshnode/internal/swarm/discovery"
	"github.com/swarmguard/meshnode/internal/swarm/distributor"
	"github.com/swarmguard/meshnode/internal/swarm/identity"
	"github.com/swarmguard/meshnode/internal/swarm/kernel"
	"github.com/swarmguard/meshnode/internal/swarm/mesh"
	"github.com/swarmguard/meshnode/internal/swarm/monitor"
	"github.com/swarmguard/meshnode/internal/swarm/optimizer"
	"github.com/swarmguard/meshnode/internal/swarm/pathguard"
	"github.com/swarmguard/meshnode/internal/swarm/reputation"
	"github.com/swarmguard/meshnode/internal/swarm/router"
	"github.com/swarmguard/meshnode/internal/swarm/transport"
	"github.com/swarmguard/meshnode/internal/swarm/trigger"
	"github.com/swarmguard/meshnode/internal/swarm/verifier"
	"github.com/swarmguard/meshnode/libs/go/core/journal"
)

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

// maxResultBytes bounds a single /api/result payload passed through the
// DataAccessGuard's size ceiling.
const maxResultBytes = 10 * 1024 * 1024

// SwarmNode owns every component and exposes the public API surface the
// transport server dispatches onto.
type SwarmNode struct {
	cfg  Config
	self identity.NodeIdentity

	journal *journal.PersistentSink
	mesh    *mesh.MeshManager
	rep     *reputation.Store

	attestationKey []byte
	dctManager     *dct.Manager

	guard *pathguard.Guard

	client  *transport.Client
	adapter *transportAdapter

	distributor *distributor.Distributor
	monitor     *monitor.Monitor
	aggregator  *aggregator.Aggregator
	optimizer   *optimizer.Loop
	router      *router.Router
	trigger     *trigger.Handler

	collusion *detectors.CollusionDetector
	sabotage  *detectors.SabotageDetector

	server *transport.Server

	log *slog.Logger
}

// New constructs and fully wires a SwarmNode from cfg. Callers still need
// to call Start to boot background loops and ListenAndServe to accept
// traffic.
func New(cfg Config) (*SwarmNode, error) {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	self := identity.NodeIdentity{
		NodeID:       nodeID,
		Name:         cfg.NodeName,
		APIURL:       cfg.APIURL,
		Capabilities: cfg.Capabilities,
		Version:      "1.0.0",
	}

	j, err := journal.NewPersistentSink(journal.Config{Dir: cfg.JournalDir})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	attKey, err := attestation.AttestationKey(cfg.SwarmSecret)
	if err != nil {
		return nil, fmt.Errorf("derive attestation key: %w", err)
	}
	dctKey, err := attestation.DCTKey(cfg.SwarmSecret)
	if err != nil {
		return nil, fmt.Errorf("derive dct key: %w", err)
	}

	repStore := reputation.NewStore(cfg.ReputationPath)
	if err := repStore.Load(); err != nil {
		return nil, fmt.Errorf("load reputation store: %w", err)
	}
	repStore.EnableRecencyWeighting(true)

	client := transport.NewClient(5*time.Second, 2, 100*time.Millisecond)

	n := &SwarmNode{
		cfg:            cfg,
		self:           self,
		journal:        j,
		rep:            repStore,
		attestationKey: attKey,
		dctManager:     dct.NewManager(dctKey, cfg.MaxCaveatDepth, cfg.DefaultDCTExpiry),
		guard:          pathguard.NewGuard(nil, nil, maxResultBytes),
		client:         client,
		collusion:      detectors.NewCollusionDetector(j.Sink()),
		sabotage:       detectors.NewSabotageDetector(j.Sink()),
		router:         router.New(j.Sink()),
		log:            slog.Default().With("component", "node", "node_id", nodeID),
	}
	n.sabotage.SetCollusionDetector(n.collusion)

	n.adapter = newTransportAdapter(client, nil)
	n.mesh = mesh.New(self, cfg.Mesh, j.Sink(), n.adapter)
	n.adapter.mesh = n.mesh

	n.rep.SetDiscountChecker(n.sabotage)

	n.distributor = distributor.New(n.mesh, n.rep, n.adapter, cfg.Distributor, j.Sink())
	n.distributor.SetQuarantineChecker(n.sabotage)
	n.distributor.SetFeedbackRecorder(n.sabotage)
	n.mesh.SetOnDegraded(func(nodeID string) {
		n.distributor.HandlePeerDegradation(context.Background(), nodeID)
	})
	n.aggregator = aggregator.New()

	n.monitor = monitor.New(n.adapter, cfg.Monitor, n.onCheckpointsMissed, n.onProgress, j.Sink())
	n.distributor.SetOnAccepted(func(taskID, peerNodeID string) {
		n.monitor.Start(taskID, peerNodeID, 0)
		n.optimizer.Track(taskID, peerNodeID, time.Now())
	})

	n.optimizer = optimizer.New(n, cfg.Optimizer, j.Sink(), n.onRedelegate, n.onEscalate)

	n.trigger = trigger.New(cfg.Trigger, n.cancelTaskForTrigger, n, j.Sink(), n.redistribute)

	n.server = transport.NewServer(addrFromAPIURL(cfg.APIURL), n)

	return n, nil
}

func addrFromAPIURL(apiURL string) string {
	// apiURL is like "http://localhost:3200"; the server binds the port.
	i := len(apiURL) - 1
	for i >= 0 && apiURL[i] != ':' {
		i--
	}
	if i < 0 {
		return ":8080"
	}
	return ":" + apiURL[i+1:]
}

// Start boots the mesh heartbeat/sweep timers and the optimization loop,
// and runs discovery against configured seeds.
func (n *SwarmNode) Start(ctx context.Context) {
	n.mesh.Start()
	n.optimizer.Start()

	disc := discovery.New(n.self.NodeID, n.adapter, n.mesh.HandleJoin, n.cfg.Discovery)
	disc.FetchSeeds(ctx)
	if n.cfg.MDNS && n.cfg.NATSURL != "" {
		disc.StartAnnounceBus(n.self)
	}
}

// Stop halts every background loop and flushes the journal.
func (n *SwarmNode) Stop() {
	n.mesh.Stop()
	n.optimizer.Stop()
	n.monitor.StopAll()
	n.aggregator.CancelAll()
	_ = n.journal.Close()
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (n *SwarmNode) ListenAndServe(ctx context.Context) error {
	return n.server.ListenAndServe(ctx)
}

// ServerMux exposes the transport server's ServeMux so cmd/swarmnode can
// mount /health and /metrics alongside the /api/ routes.
func (n *SwarmNode) ServerMux() *http.ServeMux {
	return n.server.Mux()
}

// Distribute is the public entrypoint spec.md §4.6 names. It first routes
// the sub-task through DelegateeRouter; a human-bound decision short-
// circuits swarm delegation entirely.
func (n *SwarmNode) Distribute(ctx context.Context, taskText, sessionID string, constraints map[string]any, priority *int) kernel.TaskResult {
	decision := n.router.Route(attributesFromConstraints(constraints))
	if decision.Target == router.TargetHuman {
		return kernel.TaskResult{
			Status: kernel.StatusPaused,
			Error:  "routed to human: " + decision.Reason,
		}
	}

	result := n.distributor.Distribute(ctx, taskText, sessionID, constraints, priority)
	n.monitor.Stop(result.TaskID)
	n.optimizer.Untrack(result.TaskID)
	return result
}

func attributesFromConstraints(constraints map[string]any) router.SubTaskAttributes {
	attrs := router.SubTaskAttributes{
		Complexity:    router.LevelLow,
		Criticality:   router.LevelLow,
		Verifiability: router.LevelHigh,
		Reversibility: router.LevelHigh,
	}
	if constraints == nil {
		return attrs
	}
	if v, ok := constraints["complexity"].(string); ok {
		attrs.Complexity = router.Level(v)
	}
	if v, ok := constraints["criticality"].(string); ok {
		attrs.Criticality = router.Level(v)
	}
	if v, ok := constraints["verifiability"].(string); ok {
		attrs.Verifiability = router.Level(v)
	}
	if v, ok := constraints["reversibility"].(string); ok {
		attrs.Reversibility = router.Level(v)
	}
	if v, ok := constraints["estimated_cost_usd"].(float64); ok {
		attrs.EstimatedCostUSD = v
	}
	if v, ok := constraints["estimated_duration_ms"].(float64); ok {
		attrs.EstimatedDurationMS = int64(v)
	}
	if v, ok := constraints["delegation_target"].(string); ok {
		attrs.DelegationTarget = router.Target(v)
	}
	return attrs
}

// --- transport.Handlers implementation ---

func (n *SwarmNode) Identity() identity.NodeIdentity { return n.self }

func (n *SwarmNode) Peers(status string) []byte {
	raw, _ := json.Marshal(n.mesh.Snapshot(status))
	return raw
}

func (n *SwarmNode) Join(id identity.NodeIdentity) { n.mesh.HandleJoin(id) }

func (n *SwarmNode) Leave(nodeID string) { n.mesh.HandleLeave(nodeID) }

func (n *SwarmNode) Heartbeat(req transport.HeartbeatRequest) error {
	ts := time.Now()
	if parsed, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
		ts = parsed
	}
	return n.mesh.HandleHeartbeat(req.NodeID, ts)
}

func (n *SwarmNode) Gossip(req transport.GossipRequest) transport.GossipResponse {
	refs := make([]discovery.GossipPeerRef, 0, len(req.Peers))
	for _, p := range req.Peers {
		refs = append(refs, discovery.GossipPeerRef{NodeID: p.NodeID, APIURL: p.APIURL})
	}
	disc := discovery.New(n.self.NodeID, n.adapter, n.mesh.HandleJoin, n.cfg.Discovery)
	go disc.IngestGossip(context.Background(), refs)

	local := n.mesh.GetActivePeers()
	out := make([]transport.GossipPeer, 0, len(local))
	for _, p := range local {
		out = append(out, transport.GossipPeer{NodeID: p.NodeID, APIURL: p.APIURL})
	}
	return transport.GossipResponse{Peers: out}
}

// Task handles an inbound delegation. A DCT attached to the request is
// verified before acceptance — a forged or over-attenuated token is a
// CapabilityViolation, not a silent accept. Since this module's kernel is
// an opaque collaborator (spec.md §1), acceptance beyond that check means
// "queued for local execution"; the actual execution and subsequent
// /api/result POST back to the delegator are not performed here, and
// cmd/swarmnode wires no executor that performs them.
func (n *SwarmNode) Task(req transport.TaskRequest) (transport.TaskAcceptResponse, error) {
	if len(req.DCT) > 0 {
		var tok dct.Token
		if err := json.Unmarshal(req.DCT, &tok); err != nil {
			return transport.TaskAcceptResponse{}, transport.NewError(transport.ErrCapabilityViolation, 403, "malformed delegation token")
		}
		if err := n.dctManager.Verify(&tok); err != nil {
			return transport.TaskAcceptResponse{}, transport.NewError(transport.ErrCapabilityViolation, 403, err.Error())
		}
	}
	if req.Constraints != nil {
		if redacted, ok := pathguard.Redact(req.Constraints).(map[string]any); ok {
			req.Constraints = redacted
		}
	}
	return transport.TaskAcceptResponse{Accepted: true}, nil
}

func (n *SwarmNode) Result(req transport.ResultRequest) error {
	if raw, err := json.Marshal(req.Result); err == nil && !n.guard.WithinSize(len(raw)) {
		return transport.NewError(transport.ErrValidation, 413, "result payload exceeds data-size ceiling")
	}
	delivered := n.distributor.DeliverResult(req.TaskID, req.Result)
	if !delivered {
		// Grace window for a result arriving before the delegation is
		// registered (spec.md §5, <=500ms): retry briefly before giving up.
		go func() {
			deadline := time.Now().Add(500 * time.Millisecond)
			for time.Now().Before(deadline) {
				time.Sleep(50 * time.Millisecond)
				if n.distributor.DeliverResult(req.TaskID, req.Result) {
					return
				}
			}
		}()
	}
	if req.CorrelationID != "" {
		n.aggregator.AddResult(req.CorrelationID, req.PeerNodeID, req.Result)
	}
	return nil
}

func (n *SwarmNode) TaskStatus(taskID string) (transport.StatusReply, error) {
	return transport.StatusReply{TaskID: taskID, Status: "running", LastActivityAt: nowRFC3339()}, nil
}

func (n *SwarmNode) TaskCancel(taskID string) (bool, error) {
	known := n.distributor.CancelTask(context.Background(), taskID, "cancel requested")
	if n.journal != nil {
		n.journal.Sink().Emit("swarm.task_cancelled", map[string]any{"task_id": taskID})
	}
	return known, nil
}

func (n *SwarmNode) Trigger(req transport.TriggerRequest) error {
	switch trigger.Type(req.Type) {
	case trigger.TypeTaskCancel:
		return n.trigger.TaskCancel(req.TaskID, "external trigger")
	case trigger.TypeBudgetAlert:
		var usage trigger.BudgetUsage
		_ = json.Unmarshal(req.Payload, &usage)
		return n.trigger.BudgetAlert(req.TaskID, usage, trigger.SLO{})
	case trigger.TypePriorityPreempt:
		var body struct {
			Priority    int            `json:"priority"`
			TaskText    string         `json:"task_text"`
			SessionID   string         `json:"session_id"`
			Constraints map[string]any `json:"constraints,omitempty"`
		}
		_ = json.Unmarshal(req.Payload, &body)
		return n.trigger.PriorityPreempt(trigger.IncomingTask{
			TaskID:      req.TaskID,
			TaskText:    body.TaskText,
			SessionID:   body.SessionID,
			Constraints: body.Constraints,
			Priority:    body.Priority,
		})
	default:
		return transport.NewError(transport.ErrUnimplemented, 501, "unknown trigger type")
	}
}

func (n *SwarmNode) Status() []byte {
	raw, _ := json.Marshal(map[string]any{
		"node_id":          n.self.NodeID,
		"peer_count":       n.mesh.PeerCount(),
		"active_peers":     len(n.mesh.GetActivePeers()),
		"pending_aggregations": n.aggregator.PendingCount(),
		"tracked_optimizations": n.optimizer.Len(),
	})
	return raw
}

// --- optimizer.PeerScorer implementation ---

func (n *SwarmNode) CurrentPeerScore(taskID, peerNodeID string) float64 {
	peer, ok := n.mesh.GetPeer(peerNodeID)
	if !ok {
		return 0
	}
	return n.compositeScore(peer)
}

func (n *SwarmNode) BestAlternative(exclude string) (string, float64, bool) {
	best := ""
	bestScore := -1.0
	found := false
	for _, p := range n.mesh.GetActivePeers() {
		if p.NodeID == exclude {
			continue
		}
		s := n.compositeScore(p)
		if s > bestScore {
			bestScore = s
			best = p.NodeID
			found = true
		}
	}
	return best, bestScore, found
}

func (n *SwarmNode) compositeScore(p mesh.PeerEntry) float64 {
	trust := n.rep.GetTrustScore(p.NodeID)
	latency := 1 - clampF(float64(p.LastLatencyMS)/10000, 0, 1)
	return 0.6*trust + 0.4*latency
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// --- trigger.PreemptLookup implementation ---

func (n *SwarmNode) LowestPriorityBelow(minPriority int) (string, int, bool) {
	active := n.distributor.ActiveDelegations()
	found := false
	var lowestID string
	lowestPriority := 0
	for _, d := range active {
		if d.Priority >= minPriority {
			continue
		}
		if !found || d.Priority < lowestPriority {
			lowestPriority = d.Priority
			lowestID = d.TaskID
			found = true
		}
	}
	return lowestID, lowestPriority, found
}

// --- optimizer/monitor callbacks ---

func (n *SwarmNode) onCheckpointsMissed(taskID, peerNodeID string) {
	n.optimizer.RecordMissedCheckpoint(taskID)
	n.log.Warn("task escalated after missed checkpoints", "task_id", taskID, "peer_node_id", peerNodeID)
}

func (n *SwarmNode) onProgress(taskID, peerNodeID string, cp monitor.Checkpoint) {
	n.optimizer.Track(taskID, peerNodeID, time.Now())
}

func (n *SwarmNode) onRedelegate(taskID, bestAlternative string) {
	n.distributor.CancelTask(context.Background(), taskID, "redelegated: better peer "+bestAlternative+" available")
	n.monitor.Stop(taskID)
	n.optimizer.Untrack(taskID)
}

func (n *SwarmNode) onEscalate(taskID string) {
	n.log.Warn("task escalated by optimization loop", "task_id", taskID)
}

func (n *SwarmNode) cancelTaskForTrigger(taskID, reason string) {
	n.distributor.CancelTask(context.Background(), taskID, reason)
	n.monitor.Stop(taskID)
	n.optimizer.Untrack(taskID)
}

func (n *SwarmNode) redistribute(incoming trigger.IncomingTask) {
	n.log.Info("redistributing preempted-for task", "task_id", incoming.TaskID)
	priority := incoming.Priority
	go n.Distribute(context.Background(), incoming.TaskText, incoming.SessionID, incoming.Constraints, &priority)
}

// Verify exposes OutcomeVerifier wired with this node's attestation key.
func (n *SwarmNode) Verify(in verifier.Input) verifier.Verification {
	if in.HMACKey == nil {
		in.HMACKey = n.attestationKey
	}
	return verifier.Verify(in)
}
