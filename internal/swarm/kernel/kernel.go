// Package kernel describes the opaque task executor the swarm delegates
// into. The kernel itself (plan/step execution) lives outside this module;
// the swarm only needs the shape of a task and the shape of its result.
package kernel

import "time"

// TaskStatus is the terminal or in-flight state of a delegated task.
type TaskStatus string

const (
	StatusRunning   TaskStatus = "running"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusAborted   TaskStatus = "aborted"
	StatusCancelled TaskStatus = "cancelled"
)

// Finding is one unit of output a task produces.
type Finding struct {
	StepTitle string         `json:"step_title"`
	Tool      string         `json:"tool,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Succeeded bool           `json:"succeeded"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// TaskResult is whatever a task executor (local or remote) produces. The
// swarm never inspects beyond these fields — everything else is the
// kernel's business.
type TaskResult struct {
	TaskID     string     `json:"task_id"`
	Status     TaskStatus `json:"status"`
	TokensUsed int64      `json:"tokens_used,omitempty"`
	CostUSD    float64    `json:"cost_usd,omitempty"`
	DurationMS int64      `json:"duration_ms,omitempty"`
	Findings   []Finding  `json:"findings,omitempty"`
	Error      string     `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Executor is the narrow capability interface the swarm consumes; a real
// kernel implements it, tests fake it.
type Executor interface {
	Execute(taskID, taskText string, constraints map[string]any) (TaskResult, error)
}
