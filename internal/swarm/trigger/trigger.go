// Package trigger implements ExternalTriggerHandler (spec.md §4.11):
// task_cancel / budget_alert / priority_preempt dispatch, grounded on
// dataparency-dev-AI-delegation's AdaptiveTrigger vocabulary and
// evaluateAndRespond priority order.
package trigger

import (
	"errors"
	"log/slog"
	"math"
	"sync"

	"github.com/swarmguard/meshnode/libs/go/core/journal"
)

// Type enumerates the trigger kinds spec.md §4.11 dispatches.
type Type string

const (
	TypeTaskCancel     Type = "task_cancel"
	TypeBudgetAlert    Type = "budget_alert"
	TypePriorityPreempt Type = "priority_preempt"
)

// maxListenersPerType is the FIFO-capped bound from spec.md §4.11/§5.
const maxListenersPerType = 100

// maxSafeInteger mirrors the JS Number.MAX_SAFE_INTEGER sentinel the source
// used to mean "no limit configured" — spec.md §4.11 says to skip SLO
// fields carrying it.
const maxSafeInteger = 1 << 53

// ErrUnimplemented is returned when no listener is installed for a trigger
// type (spec.md §7's Unimplemented/501 kind).
var ErrUnimplemented = errors.New("trigger: no handler installed for type")

// BudgetUsage is what a budget_alert trigger carries.
type BudgetUsage struct {
	CostUSD    float64
	Tokens     int64
	DurationMS int64
}

// SLO mirrors DelegationContract's bounds.
type SLO struct {
	MaxCostUSD    float64
	MaxTokens     int64
	MaxDurationMS int64
}

// Listener is invoked when a trigger of its type fires.
type Listener func(taskID string, payload any)

// CancelFunc cancels a task by id.
type CancelFunc func(taskID, reason string)

// PreemptLookup finds the lowest-priority active delegation below
// minPriority, for priority_preempt.
type PreemptLookup interface {
	LowestPriorityBelow(minPriority int) (taskID string, priority int, ok bool)
}

// IncomingTask is the task a priority_preempt trigger is making room for —
// everything Distribute needs to actually delegate it once a victim has
// been cancelled.
type IncomingTask struct {
	TaskID      string
	TaskText    string
	SessionID   string
	Constraints map[string]any
	Priority    int
}

// Handler dispatches external triggers.
type Handler struct {
	mu        sync.Mutex
	listeners map[Type][]Listener

	budgetAlertThreshold float64
	minPriorityToPreempt int

	cancel  CancelFunc
	preempt PreemptLookup
	j       *journal.Sink
	log     *slog.Logger

	redistribute func(IncomingTask)
}

// Config holds trigger-handler knobs.
type Config struct {
	BudgetAlertThreshold  float64 // default 0.8
	MinPriorityToPreempt int
}

// DefaultConfig matches spec.md §6's 0.8 budget alert threshold.
func DefaultConfig() Config { return Config{BudgetAlertThreshold: 0.8, MinPriorityToPreempt: 0} }

// New constructs a Handler.
func New(cfg Config, cancel CancelFunc, preempt PreemptLookup, j *journal.Sink, redistribute func(IncomingTask)) *Handler {
	return &Handler{
		listeners:            make(map[Type][]Listener),
		budgetAlertThreshold: cfg.BudgetAlertThreshold,
		minPriorityToPreempt: cfg.MinPriorityToPreempt,
		cancel:               cancel,
		preempt:               preempt,
		j:                     j,
		log:                   slog.Default().With("component", "trigger"),
		redistribute:          redistribute,
	}
}

// Subscribe registers a listener for typ, FIFO-evicting the oldest if the
// per-type cap is exceeded.
func (h *Handler) Subscribe(typ Type, l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.listeners[typ]
	if len(list) >= maxListenersPerType {
		list = list[1:]
	}
	h.listeners[typ] = append(list, l)
}

func (h *Handler) notify(typ Type, taskID string, payload any) {
	h.mu.Lock()
	list := append([]Listener(nil), h.listeners[typ]...)
	h.mu.Unlock()
	for _, l := range list {
		l(taskID, payload)
	}
}

// TaskCancel dispatches a task_cancel trigger.
func (h *Handler) TaskCancel(taskID, reason string) error {
	if h.cancel == nil {
		return ErrUnimplemented
	}
	h.cancel(taskID, reason)
	if h.j != nil {
		h.j.Emit("swarm.task_cancelled", map[string]any{"task_id": taskID, "reason": reason})
	}
	h.notify(TypeTaskCancel, taskID, reason)
	return nil
}

// BudgetAlert compares usage against slo, skipping MAX_SAFE_INTEGER
// sentinels, alerting at the configured threshold fraction, and
// auto-cancelling at fraction >= 1.0.
func (h *Handler) BudgetAlert(taskID string, usage BudgetUsage, slo SLO) error {
	fraction := 0.0
	if slo.MaxCostUSD > 0 && slo.MaxCostUSD < maxSafeInteger {
		fraction = math.Max(fraction, usage.CostUSD/slo.MaxCostUSD)
	}
	if slo.MaxTokens > 0 && slo.MaxTokens < maxSafeInteger {
		fraction = math.Max(fraction, float64(usage.Tokens)/float64(slo.MaxTokens))
	}
	if slo.MaxDurationMS > 0 && slo.MaxDurationMS < maxSafeInteger {
		fraction = math.Max(fraction, float64(usage.DurationMS)/float64(slo.MaxDurationMS))
	}

	if fraction < h.budgetAlertThreshold {
		return nil
	}

	if h.j != nil {
		h.j.Emit("swarm.budget_alert", map[string]any{"task_id": taskID, "fraction": fraction})
	}
	h.notify(TypeBudgetAlert, taskID, fraction)

	if fraction >= 1.0 {
		return h.TaskCancel(taskID, "budget exceeded")
	}
	return nil
}

// PriorityPreempt scans for the lowest-priority active delegation below
// minPriorityToPreempt, cancels it, and redistributes the incoming task.
func (h *Handler) PriorityPreempt(incoming IncomingTask) error {
	if h.preempt == nil {
		return ErrUnimplemented
	}
	victimID, victimPriority, ok := h.preempt.LowestPriorityBelow(h.minPriorityToPreempt)
	if !ok || victimPriority >= incoming.Priority {
		return nil
	}
	if h.cancel != nil {
		h.cancel(victimID, "preempted by higher-priority task")
	}
	if h.j != nil {
		h.j.Emit("swarm.task_preempted", map[string]any{"task_id": victimID, "preempted_by": incoming.TaskID})
	}
	h.notify(TypePriorityPreempt, victimID, incoming.TaskID)
	if h.redistribute != nil {
		h.redistribute(incoming)
	}
	return nil
}
