// Package monitor implements TaskMonitor (spec.md §4.7): periodic
// checkpoint polling of delegated tasks, missed-checkpoint counting, and
// escalation.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/meshnode/libs/go/core/journal"
)

// CheckpointStatus is the status a checkpoint poll reports.
type CheckpointStatus string

const (
	CheckpointRunning   CheckpointStatus = "running"
	CheckpointPaused    CheckpointStatus = "paused"
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointFailed    CheckpointStatus = "failed"
	CheckpointCancelled CheckpointStatus = "cancelled"
)

// Checkpoint is one poll reply.
type Checkpoint struct {
	Status         CheckpointStatus
	ProgressPct    *float64
	LastActivityAt time.Time
}

// Poller issues the checkpoint poll; implemented by the transport client.
type Poller interface {
	PollStatus(ctx context.Context, peerNodeID, taskID string) (Checkpoint, error)
}

// Config holds monitor knobs from spec.md §6.
type Config struct {
	PollIntervalMS      int64
	MaxMissedCheckpoints int
	CheckpointTimeoutMS int64
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{PollIntervalMS: 1000, MaxMissedCheckpoints: 3, CheckpointTimeoutMS: 5000}
}

// EscalationFunc is invoked exactly once per watched task when missed
// checkpoints reach the configured maximum.
type EscalationFunc func(taskID, peerNodeID string)

// ProgressFunc forwards a running/paused checkpoint reply to the
// optimization loop.
type ProgressFunc func(taskID, peerNodeID string, cp Checkpoint)

type watch struct {
	taskID     string
	peerNodeID string
	interval   time.Duration
	missed     int
	escalated  bool
	cancel     context.CancelFunc
}

// Monitor tracks one ticker per watched task.
type Monitor struct {
	mu      sync.Mutex
	watches map[string]*watch

	poller     Poller
	cfg        Config
	onMissed   EscalationFunc
	onProgress ProgressFunc
	journal    *journal.Sink
	log        *slog.Logger
}

// New constructs a Monitor.
func New(poller Poller, cfg Config, onMissed EscalationFunc, onProgress ProgressFunc, j *journal.Sink) *Monitor {
	return &Monitor{
		watches:    make(map[string]*watch),
		poller:     poller,
		cfg:        cfg,
		onMissed:   onMissed,
		onProgress: onProgress,
		journal:    j,
		log:        slog.Default().With("component", "monitor"),
	}
}

// Start begins watching taskID on peerNodeID. A double-start for the same
// taskID is a no-op.
func (m *Monitor) Start(taskID, peerNodeID string, overrideIntervalMS int64) {
	m.mu.Lock()
	if _, exists := m.watches[taskID]; exists {
		m.mu.Unlock()
		return
	}
	interval := time.Duration(m.cfg.PollIntervalMS) * time.Millisecond
	if overrideIntervalMS > 0 {
		interval = time.Duration(overrideIntervalMS) * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{taskID: taskID, peerNodeID: peerNodeID, interval: interval, cancel: cancel}
	m.watches[taskID] = w
	m.mu.Unlock()

	if m.journal != nil {
		m.journal.Emit("swarm.task_monitoring_started", map[string]any{"task_id": taskID, "peer_node_id": peerNodeID})
	}
	go m.run(ctx, w)
}

func (m *Monitor) run(ctx context.Context, w *watch) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if m.poll(ctx, w) {
				return
			}
		}
	}
}

// poll issues one checkpoint and returns true when watching should stop.
func (m *Monitor) poll(parentCtx context.Context, w *watch) bool {
	ctx, cancel := context.WithTimeout(parentCtx, time.Duration(m.cfg.CheckpointTimeoutMS)*time.Millisecond)
	defer cancel()
	cp, err := m.poller.PollStatus(ctx, w.peerNodeID, w.taskID)
	if err != nil {
		return m.recordMiss(w)
	}
	switch cp.Status {
	case CheckpointCompleted, CheckpointFailed, CheckpointCancelled:
		if m.journal != nil {
			m.journal.Emit("swarm.task_checkpoint_received", map[string]any{"task_id": w.taskID, "status": string(cp.Status)})
		}
		m.stop(w.taskID, "checkpoint terminal")
		return true
	case CheckpointRunning, CheckpointPaused:
		m.mu.Lock()
		w.missed = 0
		m.mu.Unlock()
		if m.onProgress != nil {
			m.onProgress(w.taskID, w.peerNodeID, cp)
		}
		return false
	default:
		return m.recordMiss(w)
	}
}

func (m *Monitor) recordMiss(w *watch) bool {
	m.mu.Lock()
	w.missed++
	missed := w.missed
	alreadyEscalated := w.escalated
	if missed >= m.cfg.MaxMissedCheckpoints && !alreadyEscalated {
		w.escalated = true
	}
	m.mu.Unlock()

	if m.journal != nil {
		m.journal.Emit("swarm.task_checkpoint_missed", map[string]any{"task_id": w.taskID, "peer_node_id": w.peerNodeID, "missed": missed})
	}
	if missed >= m.cfg.MaxMissedCheckpoints && !alreadyEscalated {
		if m.onMissed != nil {
			m.onMissed(w.taskID, w.peerNodeID)
		}
		m.stop(w.taskID, "escalated")
		return true
	}
	return false
}

// stop halts watching taskID, if watched.
func (m *Monitor) stop(taskID, reason string) {
	m.mu.Lock()
	w, ok := m.watches[taskID]
	if ok {
		delete(m.watches, taskID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	if m.journal != nil {
		m.journal.Emit("swarm.task_monitoring_stopped", map[string]any{"task_id": taskID, "reason": reason})
	}
}

// Stop is the exported, caller-driven equivalent of stop (e.g. the
// delegation completed through another path).
func (m *Monitor) Stop(taskID string) { m.stop(taskID, "stopped externally") }

// StopAll halts every watch, for shutdown.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.watches))
	for id := range m.watches {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.stop(id, "shutdown")
	}
}

// Watching reports whether taskID currently has an active watch.
func (m *Monitor) Watching(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[taskID]
	return ok
}
