// Package detectors implements the Collusion/Sabotage detectors (spec.md
// §4.13): rolling feedback buffer, sabotage heuristics, and a bounded
// discount-pair book consulted by ReputationStore. Grounded on
// services/federation/sync_protocol.go's trust-score EMA + quarantine
// threshold shape, repurposed from sync trust to feedback-source trust.
package detectors

import (
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/meshnode/libs/go/core/journal"
)

const (
	maxFeedback       = 10000
	maxReports        = 1000
	maxDiscountPairs  = 5000
	// quarantineThreshold is the supplemented feature from SPEC_FULL.md §4:
	// a peer named in this many upheld sabotage reports is additionally
	// excluded from WorkDistributor candidate enumeration.
	quarantineThreshold = 3
)

// FeedbackRecord is one piece of outcome feedback about a target peer from
// a source peer.
type FeedbackRecord struct {
	Source    string
	Target    string
	Positive  bool
	Timestamp time.Time
}

// SabotageReport flags a suspected bad-faith actor.
type SabotageReport struct {
	Source    string
	Target    string
	Reason    string
	Timestamp time.Time
}

// CollusionReport flags a suspected colluding source.
type CollusionReport struct {
	Source    string
	Timestamp time.Time
	Reason    string
}

// ring is a fixed-capacity FIFO buffer.
type ring[T any] struct {
	items []T
	cap   int
}

func newRing[T any](cap int) *ring[T] { return &ring[T]{cap: cap} }

func (r *ring[T]) push(v T) {
	r.items = append(r.items, v)
	if len(r.items) > r.cap {
		r.items = r.items[len(r.items)-r.cap:]
	}
}

// CollusionDetector tracks sources suspected of coordinating feedback.
type CollusionDetector struct {
	mu      sync.Mutex
	reports *ring[CollusionReport]
	flagged map[string]bool
	j       *journal.Sink
	log     *slog.Logger
}

// NewCollusionDetector constructs a CollusionDetector.
func NewCollusionDetector(j *journal.Sink) *CollusionDetector {
	return &CollusionDetector{reports: newRing[CollusionReport](maxReports), flagged: make(map[string]bool), j: j, log: slog.Default().With("component", "collusion_detector")}
}

// Flag marks source as a suspected colluder.
func (c *CollusionDetector) Flag(source, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flagged[source] = true
	c.reports.push(CollusionReport{Source: source, Timestamp: time.Now(), Reason: reason})
}

// IsFlagged reports whether source has been flagged.
func (c *CollusionDetector) IsFlagged(source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flagged[source]
}

// SabotageDetector watches per-target feedback for bad-faith patterns.
type SabotageDetector struct {
	mu       sync.Mutex
	feedback *ring[FeedbackRecord]
	reports  *ring[SabotageReport]

	discounted     map[string]bool // "from|target" pairs
	discountOrder  []string
	quarantined    map[string]int // target -> upheld report count

	collusion *CollusionDetector
	j         *journal.Sink
	log       *slog.Logger
}

// NewSabotageDetector constructs a SabotageDetector. The collusion detector
// back-edge is injected via SetCollusionDetector (one-way, per spec.md §9's
// cyclic-reference resolution), not a constructor argument, so either side
// can be built first.
func NewSabotageDetector(j *journal.Sink) *SabotageDetector {
	return &SabotageDetector{
		feedback:    newRing[FeedbackRecord](maxFeedback),
		reports:     newRing[SabotageReport](maxReports),
		discounted:  make(map[string]bool),
		quarantined: make(map[string]int),
		j:           j,
		log:         slog.Default().With("component", "sabotage_detector"),
	}
}

// SetCollusionDetector injects the cross-reference used by heuristic (c).
func (s *SabotageDetector) SetCollusionDetector(cd *CollusionDetector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collusion = cd
}

// RecordFeedback appends feedback to the rolling buffer and evaluates the
// sabotage heuristics for the named target.
func (s *SabotageDetector) RecordFeedback(source, target string, positive bool) {
	s.mu.Lock()
	rec := FeedbackRecord{Source: source, Target: target, Positive: positive, Timestamp: time.Now()}
	s.feedback.push(rec)
	snapshot := append([]FeedbackRecord(nil), s.feedback.items...)
	s.mu.Unlock()

	s.evaluate(target, snapshot)
}

func (s *SabotageDetector) evaluate(target string, all []FeedbackRecord) {
	var targetFeedback []FeedbackRecord
	for _, f := range all {
		if f.Target == target {
			targetFeedback = append(targetFeedback, f)
		}
	}
	if len(targetFeedback) == 0 {
		return
	}

	// (a) >80% of target's negative feedback from one source while others
	// are positive.
	negBySource := make(map[string]int)
	totalNeg := 0
	for _, f := range targetFeedback {
		if !f.Positive {
			negBySource[f.Source]++
			totalNeg++
		}
	}
	if totalNeg > 0 {
		for source, n := range negBySource {
			if float64(n)/float64(totalNeg) <= 0.8 {
				continue
			}
			othersPositive := 0
			for _, f := range targetFeedback {
				if f.Positive && f.Source != source {
					othersPositive++
				}
			}
			if othersPositive > 0 {
				s.report(source, target, "single-source negative feedback concentration")
			}
		}
	}

	// (b) >=5 negatives in a 60s window from one source (review-bombing).
	window := 60 * time.Second
	now := time.Now()
	bySource := make(map[string]int)
	for _, f := range targetFeedback {
		if !f.Positive && now.Sub(f.Timestamp) <= window {
			bySource[f.Source]++
		}
	}
	for source, n := range bySource {
		if n >= 5 {
			s.report(source, target, "review-bombing")
		}
	}
}

func (s *SabotageDetector) report(source, target, reason string) {
	s.mu.Lock()
	s.reports.push(SabotageReport{Source: source, Target: target, Reason: reason, Timestamp: time.Now()})
	s.quarantined[target]++
	quarantineCount := s.quarantined[target]
	key := source + "|" + target
	alreadyDiscounted := s.discounted[key]
	if !alreadyDiscounted {
		if len(s.discountOrder) >= maxDiscountPairs {
			oldest := s.discountOrder[0]
			s.discountOrder = s.discountOrder[1:]
			delete(s.discounted, oldest)
		}
		s.discounted[key] = true
		s.discountOrder = append(s.discountOrder, key)
	}
	s.mu.Unlock()

	// (c) cross-reference the source against the collusion detector.
	s.mu.Lock()
	cd := s.collusion
	s.mu.Unlock()
	if cd != nil && !cd.IsFlagged(source) {
		cd.Flag(source, "implicated in sabotage report against "+target)
	}

	if s.j != nil {
		s.j.Emit("swarm.sabotage_detected", map[string]any{"source": source, "target": target, "reason": reason, "quarantine_count": quarantineCount})
	}
}

// IsDiscounted reports whether feedback/evidence from source about target
// should be discounted.
func (s *SabotageDetector) IsDiscounted(source, target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discounted[source+"|"+target]
}

// IsQuarantined reports whether target has accumulated enough upheld
// sabotage reports to be excluded from candidate enumeration (supplemented
// feature, SPEC_FULL.md §4).
func (s *SabotageDetector) IsQuarantined(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quarantined[target] >= quarantineThreshold
}

// Reports returns a copy of every recorded sabotage report.
func (s *SabotageDetector) Reports() []SabotageReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SabotageReport(nil), s.reports.items...)
}
