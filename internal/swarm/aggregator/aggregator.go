// Package aggregator implements ResultAggregator (spec.md §4.8): fan-in of
// N expected results sharing a correlation_id, with timeout/partial
// semantics.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/meshnode/internal/swarm/kernel"
)

// maxPending is the bound spec.md §4.8/§5 gives for concurrently pending
// aggregations.
const maxPending = 1000

// ErrTooManyPending is returned by CreateAggregation once maxPending is
// reached.
var ErrTooManyPending = errors.New("aggregator: too many pending aggregations")

// ErrAggregationTimeout is the error an aggregation's future resolves with
// when it times out with nothing received.
var ErrAggregationTimeout = errors.New("aggregator: timed out with no results")

// PartialResult wraps a single peer's contribution.
type PartialResult struct {
	PeerNodeID string
	Result     kernel.TaskResult
}

type pending struct {
	corrID        string
	expectedCount int
	received      []PartialResult
	doneCh        chan Outcome
	done          bool
	timer         *time.Timer
}

// Outcome is what an aggregation future resolves to.
type Outcome struct {
	CorrelationID string
	Findings      []kernel.Finding
	Partial       bool
	Err           error
}

// Aggregator is the fan-in engine.
type Aggregator struct {
	mu      sync.Mutex
	pending map[string]*pending
	log     *slog.Logger
}

// New constructs an Aggregator.
func New() *Aggregator {
	return &Aggregator{pending: make(map[string]*pending), log: slog.Default().With("component", "aggregator")}
}

// CreateAggregation registers a new fan-in over expectedCount subtasks and
// returns a channel the caller can block on for the Outcome.
func (a *Aggregator) CreateAggregation(corrID string, expectedCount int, timeout time.Duration) (<-chan Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) >= maxPending {
		return nil, ErrTooManyPending
	}
	p := &pending{
		corrID:        corrID,
		expectedCount: expectedCount,
		doneCh:        make(chan Outcome, 1),
	}
	a.pending[corrID] = p
	p.timer = time.AfterFunc(timeout, func() { a.onTimeout(corrID) })
	return p.doneCh, nil
}

// AddResult records a peer's contribution. Unknown correlation ids are
// silently ignored. When the received count reaches expectedCount, the
// aggregation fulfills.
func (a *Aggregator) AddResult(corrID, peerNodeID string, result kernel.TaskResult) {
	a.mu.Lock()
	p, ok := a.pending[corrID]
	if !ok || p.done {
		a.mu.Unlock()
		return
	}
	p.received = append(p.received, PartialResult{PeerNodeID: peerNodeID, Result: result})
	fulfilled := len(p.received) >= p.expectedCount
	if fulfilled {
		delete(a.pending, corrID)
		p.done = true
	}
	a.mu.Unlock()

	if fulfilled {
		p.timer.Stop()
		p.doneCh <- Outcome{CorrelationID: corrID, Findings: mergeFindings(p.received), Partial: false}
	}
}

func (a *Aggregator) onTimeout(corrID string) {
	a.mu.Lock()
	p, ok := a.pending[corrID]
	if !ok || p.done {
		a.mu.Unlock()
		return
	}
	delete(a.pending, corrID)
	p.done = true
	received := p.received
	a.mu.Unlock()

	if len(received) > 0 {
		p.doneCh <- Outcome{CorrelationID: corrID, Findings: mergeFindings(received), Partial: true}
	} else {
		p.doneCh <- Outcome{CorrelationID: corrID, Err: ErrAggregationTimeout}
	}
}

// mergeFindings concatenates findings in arrival order, each step_title
// prefixed by the contributing peer's node_id.
func mergeFindings(received []PartialResult) []kernel.Finding {
	out := make([]kernel.Finding, 0)
	for _, r := range received {
		for _, f := range r.Result.Findings {
			f.StepTitle = fmt.Sprintf("[%s] %s", r.PeerNodeID, f.StepTitle)
			out = append(out, f)
		}
	}
	return out
}

// CancelAll rejects every pending aggregation, for shutdown.
func (a *Aggregator) CancelAll() {
	a.mu.Lock()
	all := make([]*pending, 0, len(a.pending))
	for _, p := range a.pending {
		p.done = true
		all = append(all, p)
	}
	a.pending = make(map[string]*pending)
	a.mu.Unlock()

	for _, p := range all {
		p.timer.Stop()
		p.doneCh <- Outcome{CorrelationID: p.corrID, Err: context.Canceled}
	}
}

// PendingCount reports the number of in-flight aggregations.
func (a *Aggregator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
