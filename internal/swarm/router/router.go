// Package router implements DelegateeRouter (spec.md §4.10): maps a
// sub-task's attributes to an ai/human/any target via a priority-ordered
// rule table, grounded on services/policy-service's rule-priority shape.
package router

import (
	"log/slog"

	"github.com/swarmguard/meshnode/libs/go/core/journal"
)

// Level is a low/medium/high attribute rating.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Target is the routing outcome.
type Target string

const (
	TargetAI    Target = "ai"
	TargetHuman Target = "human"
	TargetAny   Target = "any"
)

// SubTaskAttributes is what the router evaluates.
type SubTaskAttributes struct {
	Complexity         Level
	Criticality        Level
	Verifiability      Level
	Reversibility      Level
	EstimatedCostUSD    float64
	EstimatedDurationMS int64
	// DelegationTarget, if non-empty, overrides every rule (priority 1).
	DelegationTarget Target
}

// Decision is the routed outcome.
type Decision struct {
	Target     Target
	Confidence float64
	Reason     string
}

// Router holds no state beyond the journal sink; routing is a pure function
// of the rule table.
type Router struct {
	j   *journal.Sink
	log *slog.Logger
}

// New constructs a Router.
func New(j *journal.Sink) *Router {
	return &Router{j: j, log: slog.Default().With("component", "router")}
}

// Route evaluates the priority-ordered rule table from spec.md §4.10.
func (r *Router) Route(attrs SubTaskAttributes) Decision {
	var d Decision
	switch {
	case attrs.DelegationTarget != "":
		d = Decision{Target: attrs.DelegationTarget, Confidence: 1.0, Reason: "explicit delegation_target"}
	case attrs.Criticality == LevelHigh && attrs.Reversibility == LevelLow:
		d = Decision{Target: TargetHuman, Confidence: 0.9, Reason: "high criticality, low reversibility"}
	case attrs.Verifiability == LevelLow:
		d = Decision{Target: TargetHuman, Confidence: 0.8, Reason: "low verifiability"}
	case attrs.Verifiability == LevelHigh && attrs.Criticality == LevelLow:
		d = Decision{Target: TargetAI, Confidence: 0.9, Reason: "high verifiability, low criticality"}
	default:
		d = Decision{Target: TargetAny, Confidence: 0.6, Reason: "no rule matched"}
	}

	if r.j != nil {
		r.j.Emit("swarm.delegatee_routed", map[string]any{"target": string(d.Target), "confidence": d.Confidence, "reason": d.Reason})
		if d.Target == TargetHuman {
			r.j.Emit("swarm.human_delegation_requested", map[string]any{"reason": d.Reason})
		}
	}
	return d
}
