package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/swarmguard/meshnode/internal/swarm/kernel"
)

func TestAddResultFulfillsAtExpectedCount(t *testing.T) {
	a := New()
	ch, err := a.CreateAggregation("corr-1", 2, time.Second)
	if err != nil {
		t.Fatalf("CreateAggregation: %v", err)
	}

	a.AddResult("corr-1", "peer-a", kernel.TaskResult{Findings: []kernel.Finding{{StepTitle: "step1"}}})
	a.AddResult("corr-1", "peer-b", kernel.TaskResult{Findings: []kernel.Finding{{StepTitle: "step2"}}})

	select {
	case outcome := <-ch:
		if outcome.Partial {
			t.Fatalf("expected a fully-fulfilled aggregation to not be partial")
		}
		if len(outcome.Findings) != 2 {
			t.Fatalf("expected 2 merged findings, got %d", len(outcome.Findings))
		}
		if outcome.Findings[0].StepTitle != "[peer-a] step1" {
			t.Fatalf("expected step_title prefixed by peer_node_id, got %q", outcome.Findings[0].StepTitle)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for aggregation outcome")
	}
}

func TestAddResultUnknownCorrelationIDIsIgnored(t *testing.T) {
	a := New()
	// Must not panic for an unregistered correlation id.
	a.AddResult("unknown", "peer-a", kernel.TaskResult{})
	if a.PendingCount() != 0 {
		t.Fatalf("expected no pending aggregations to be created")
	}
}

func TestTimeoutWithPartialResultsReportsPartial(t *testing.T) {
	a := New()
	ch, err := a.CreateAggregation("corr-2", 3, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("CreateAggregation: %v", err)
	}
	a.AddResult("corr-2", "peer-a", kernel.TaskResult{Findings: []kernel.Finding{{StepTitle: "step1"}}})

	select {
	case outcome := <-ch:
		if !outcome.Partial {
			t.Fatalf("expected a timed-out aggregation with some results to report Partial=true")
		}
		if len(outcome.Findings) != 1 {
			t.Fatalf("expected 1 merged finding, got %d", len(outcome.Findings))
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the aggregation's own timeout to fire")
	}
}

func TestTimeoutWithNoResultsReportsError(t *testing.T) {
	a := New()
	ch, err := a.CreateAggregation("corr-3", 2, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("CreateAggregation: %v", err)
	}

	select {
	case outcome := <-ch:
		if !errors.Is(outcome.Err, ErrAggregationTimeout) {
			t.Fatalf("expected ErrAggregationTimeout, got %v", outcome.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the aggregation's own timeout to fire")
	}
}

func TestCancelAllRejectsEveryPending(t *testing.T) {
	a := New()
	ch1, _ := a.CreateAggregation("corr-4", 5, time.Hour)
	ch2, _ := a.CreateAggregation("corr-5", 5, time.Hour)

	a.CancelAll()

	for _, ch := range []<-chan Outcome{ch1, ch2} {
		select {
		case outcome := <-ch:
			if !errors.Is(outcome.Err, context.Canceled) {
				t.Fatalf("expected context.Canceled, got %v", outcome.Err)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for CancelAll to reject a pending aggregation")
		}
	}
	if a.PendingCount() != 0 {
		t.Fatalf("expected PendingCount = 0 after CancelAll")
	}
}

func TestCreateAggregationRejectsWhenAtCapacity(t *testing.T) {
	a := New()
	for i := 0; i < maxPending; i++ {
		if _, err := a.CreateAggregation(string(rune('a'+i%26))+string(rune(i)), 1, time.Hour); err != nil {
			t.Fatalf("unexpected error filling capacity at i=%d: %v", i, err)
		}
	}
	if _, err := a.CreateAggregation("overflow", 1, time.Hour); !errors.Is(err, ErrTooManyPending) {
		t.Fatalf("expected ErrTooManyPending once at capacity, got %v", err)
	}
}
