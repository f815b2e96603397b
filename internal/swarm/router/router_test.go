package router

import (
	"testing"

	"github.com/swarmguard/meshnode/libs/go/core/journal"
)

func TestRouteExplicitDelegationTargetWins(t *testing.T) {
	r := New(journal.NewSink())
	d := r.Route(SubTaskAttributes{
		Criticality:      LevelHigh,
		Reversibility:    LevelLow,
		DelegationTarget: TargetAI,
	})
	if d.Target != TargetAI {
		t.Fatalf("Target = %v, want %v (explicit override)", d.Target, TargetAI)
	}
	if d.Confidence != 1.0 {
		t.Fatalf("Confidence = %v, want 1.0", d.Confidence)
	}
}

func TestRouteHighCriticalityLowReversibilityGoesHuman(t *testing.T) {
	r := New(journal.NewSink())
	d := r.Route(SubTaskAttributes{Criticality: LevelHigh, Reversibility: LevelLow})
	if d.Target != TargetHuman {
		t.Fatalf("Target = %v, want %v", d.Target, TargetHuman)
	}
}

func TestRouteLowVerifiabilityGoesHuman(t *testing.T) {
	r := New(journal.NewSink())
	d := r.Route(SubTaskAttributes{Verifiability: LevelLow})
	if d.Target != TargetHuman {
		t.Fatalf("Target = %v, want %v", d.Target, TargetHuman)
	}
}

func TestRouteHighVerifiabilityLowCriticalityGoesAI(t *testing.T) {
	r := New(journal.NewSink())
	d := r.Route(SubTaskAttributes{Verifiability: LevelHigh, Criticality: LevelLow})
	if d.Target != TargetAI {
		t.Fatalf("Target = %v, want %v", d.Target, TargetAI)
	}
}

func TestRouteDefaultsToAny(t *testing.T) {
	r := New(journal.NewSink())
	d := r.Route(SubTaskAttributes{Criticality: LevelMedium, Verifiability: LevelMedium})
	if d.Target != TargetAny {
		t.Fatalf("Target = %v, want %v", d.Target, TargetAny)
	}
}

func TestRouteRulePriorityOrder(t *testing.T) {
	// Low verifiability should route to human even when criticality/reversibility
	// alone would have matched the "high verifiability, low criticality" AI rule --
	// the low-verifiability rule sits earlier in priority order.
	r := New(journal.NewSink())
	d := r.Route(SubTaskAttributes{Criticality: LevelLow, Verifiability: LevelLow})
	if d.Target != TargetHuman {
		t.Fatalf("Target = %v, want %v (verifiability rule should take priority)", d.Target, TargetHuman)
	}
}

func TestRouteEmitsJournalEvents(t *testing.T) {
	j := journal.NewSink()
	r := New(j)
	r.Route(SubTaskAttributes{Verifiability: LevelLow})

	events := j.All()
	if len(events) != 2 {
		t.Fatalf("expected 2 journal events (routed + human_delegation_requested), got %d", len(events))
	}
	if events[0].Name != "swarm.delegatee_routed" {
		t.Fatalf("events[0].Name = %q, want swarm.delegatee_routed", events[0].Name)
	}
	if events[1].Name != "swarm.human_delegation_requested" {
		t.Fatalf("events[1].Name = %q, want swarm.human_delegation_requested", events[1].Name)
	}
}

func TestRouteNilJournalDoesNotPanic(t *testing.T) {
	r := New(nil)
	d := r.Route(SubTaskAttributes{Criticality: LevelHigh, Reversibility: LevelLow})
	if d.Target != TargetHuman {
		t.Fatalf("Target = %v, want %v", d.Target, TargetHuman)
	}
}
