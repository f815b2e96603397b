// Package optimizer implements OptimizationLoop (spec.md §4.9): periodic
// per-delegation re-evaluation deciding keep vs redelegate vs escalate.
package optimizer

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/meshnode/libs/go/core/journal"
)

// maxTaskStates is the LRU cap from spec.md §4.9/§5.
const maxTaskStates = 10000

// Decision is the outcome of one evaluation.
type Decision string

const (
	DecisionKeep       Decision = "keep"
	DecisionRedelegate Decision = "redelegate"
	DecisionEscalate   Decision = "escalate"
)

// Evaluation is the result of evaluating one active task.
type Evaluation struct {
	TaskID              string
	Decision            Decision
	Reason              string
	BestAlternativeNodeID string
	Drift               float64
}

// TaskState is what the optimizer tracks per active delegation.
type TaskState struct {
	TaskID           string
	PeerNodeID       string
	SentAt           time.Time
	MissedCheckpoints int
}

// PeerScorer gives the optimizer each active peer's live composite score.
type PeerScorer interface {
	// CurrentPeerScore returns the composite score of the peer currently
	// holding taskID.
	CurrentPeerScore(taskID, peerNodeID string) float64
	// BestAlternative returns the best-scoring other active peer and its
	// score, excluding excludeNodeID.
	BestAlternative(excludeNodeID string) (nodeID string, score float64, ok bool)
}

// Config holds optimizer knobs from spec.md §6.
type Config struct {
	DriftThreshold           float64
	OverheadFactor           float64
	MinTimeBeforeRedelegateMS int64
	EvaluationIntervalMS     int64
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{DriftThreshold: 0.3, OverheadFactor: 0.2, MinTimeBeforeRedelegateMS: 60000, EvaluationIntervalMS: 5000}
}

type entry struct {
	state   TaskState
	element *list.Element
}

// Loop is the periodic re-evaluator.
type Loop struct {
	mu     sync.Mutex
	states map[string]*entry
	order  *list.List // front = most recently touched

	scorer PeerScorer
	cfg    Config
	j      *journal.Sink
	log    *slog.Logger

	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup

	onRedelegate func(taskID, bestAlternative string)
	onEscalate   func(taskID string)
}

// New constructs an OptimizationLoop.
func New(scorer PeerScorer, cfg Config, j *journal.Sink, onRedelegate func(taskID, best string), onEscalate func(taskID string)) *Loop {
	return &Loop{
		states:       make(map[string]*entry),
		order:        list.New(),
		scorer:       scorer,
		cfg:          cfg,
		j:            j,
		log:          slog.Default().With("component", "optimizer"),
		onRedelegate: onRedelegate,
		onEscalate:   onEscalate,
	}
}

// Track registers (or refreshes) a delegation under optimization.
func (l *Loop) Track(taskID, peerNodeID string, sentAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.states[taskID]; ok {
		e.state.PeerNodeID = peerNodeID
		e.state.SentAt = sentAt
		l.order.MoveToFront(e.element)
		return
	}
	if len(l.states) >= maxTaskStates {
		l.evictOldest()
	}
	st := TaskState{TaskID: taskID, PeerNodeID: peerNodeID, SentAt: sentAt}
	el := l.order.PushFront(taskID)
	l.states[taskID] = &entry{state: st, element: el}
}

// Untrack removes a task from optimization (terminal outcome or cancel).
func (l *Loop) Untrack(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.states[taskID]; ok {
		l.order.Remove(e.element)
		delete(l.states, taskID)
	}
}

// RecordMissedCheckpoint increments the miss counter the loop uses for its
// escalate rule.
func (l *Loop) RecordMissedCheckpoint(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.states[taskID]; ok {
		e.state.MissedCheckpoints++
	}
}

func (l *Loop) evictOldest() {
	oldest := l.order.Back()
	if oldest == nil {
		return
	}
	taskID := oldest.Value.(string)
	l.order.Remove(oldest)
	delete(l.states, taskID)
}

// Start boots the evaluation ticker. Idempotent.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run()
}

// Stop halts the ticker. Scheduled callbacks with _running == false are
// ignored — represented here by the stopCh close making run() exit before
// its next tick fires.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Loop) run() {
	defer l.wg.Done()
	t := time.NewTicker(time.Duration(l.cfg.EvaluationIntervalMS) * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-t.C:
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	now := time.Now()
	candidates := make([]TaskState, 0, len(l.states))
	for _, e := range l.states {
		if now.Sub(e.state.SentAt).Milliseconds() >= l.cfg.MinTimeBeforeRedelegateMS {
			candidates = append(candidates, e.state)
		}
	}
	l.mu.Unlock()

	for _, st := range candidates {
		eval := l.evaluate(st)
		if l.j != nil {
			l.j.Emit("swarm.reoptimization_triggered", map[string]any{"task_id": eval.TaskID, "decision": string(eval.Decision), "drift": eval.Drift})
		}
		switch eval.Decision {
		case DecisionRedelegate:
			if l.j != nil {
				l.j.Emit("swarm.peer_redelegate_on_drift", map[string]any{"task_id": eval.TaskID, "best_alternative_node_id": eval.BestAlternativeNodeID})
			}
			if l.onRedelegate != nil {
				l.onRedelegate(eval.TaskID, eval.BestAlternativeNodeID)
			}
		case DecisionEscalate:
			if l.onEscalate != nil {
				l.onEscalate(eval.TaskID)
			}
		}
	}
}

// Evaluate computes the decision for one task, per spec.md §4.9's formula:
// drift = (S_best - S_cur) * (1 - overhead_factor).
func (l *Loop) Evaluate(taskID string) (Evaluation, bool) {
	l.mu.Lock()
	e, ok := l.states[taskID]
	var st TaskState
	if ok {
		st = e.state
	}
	l.mu.Unlock()
	if !ok {
		return Evaluation{}, false
	}
	return l.evaluate(st), true
}

// evaluate follows spec.md's numbered priority order exactly: drift above
// threshold redelegates before a missed-checkpoint count is ever
// consulted, so a task that is both drifting and missing checkpoints still
// redelegates rather than merely escalating in place.
func (l *Loop) evaluate(st TaskState) Evaluation {
	sCur := l.scorer.CurrentPeerScore(st.TaskID, st.PeerNodeID)
	bestID, sBest, hasAlt := l.scorer.BestAlternative(st.PeerNodeID)

	if hasAlt {
		drift := (sBest - sCur) * (1 - l.cfg.OverheadFactor)
		if drift > l.cfg.DriftThreshold {
			return Evaluation{TaskID: st.TaskID, Decision: DecisionRedelegate, Reason: "drift exceeds threshold", BestAlternativeNodeID: bestID, Drift: drift}
		}
		if st.MissedCheckpoints >= 3 {
			return Evaluation{TaskID: st.TaskID, Decision: DecisionEscalate, Reason: "missed checkpoints", Drift: drift}
		}
		return Evaluation{TaskID: st.TaskID, Decision: DecisionKeep, Reason: "anti-thrashing", Drift: drift}
	}

	if st.MissedCheckpoints >= 3 {
		return Evaluation{TaskID: st.TaskID, Decision: DecisionEscalate, Reason: "missed checkpoints"}
	}
	return Evaluation{TaskID: st.TaskID, Decision: DecisionKeep, Reason: "no alternative available"}
}

// Len reports the number of tracked task states.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}
