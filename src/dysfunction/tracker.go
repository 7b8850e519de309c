package dysfunction

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xornet/sectord/src/telemetry"
	"github.com/xornet/sectord/src/xor"
)

// IssueKind labels an observed operational problem.
type IssueKind uint8

const (
	// TimeoutIssue: the peer failed to respond within a deadline.
	TimeoutIssue IssueKind = iota
	// InvalidMessageIssue: the peer sent a message that failed validation.
	InvalidMessageIssue
	// SlowResponseIssue: the peer responded, but past the soft deadline.
	SlowResponseIssue
	// ChurnIssue: the peer flapped in and out of the section.
	ChurnIssue
)

// String implements fmt.Stringer.
func (k IssueKind) String() string {
	switch k {
	case TimeoutIssue:
		return "timeout"
	case InvalidMessageIssue:
		return "invalid-message"
	case SlowResponseIssue:
		return "slow-response"
	case ChurnIssue:
		return "churn"
	default:
		return "unknown"
	}
}

// DefaultWeights reflect how strongly each issue kind counts toward the
// suspicion score. Invalid messages are deliberate or buggy, so they weigh
// more than slowness.
func DefaultWeights() map[IssueKind]float64 {
	return map[IssueKind]float64{
		TimeoutIssue:        2.0,
		InvalidMessageIssue: 3.0,
		SlowResponseIssue:   1.0,
		ChurnIssue:          1.5,
	}
}

// Config holds the tracker's policy parameters. They are set from the node
// configuration, never hard-coded by callers.
type Config struct {
	// HalfLife is the period over which a counter decays to half its value.
	HalfLife time.Duration
	// SuspectThreshold is the weighted score above which a peer is watched
	// more closely. No action is taken.
	SuspectThreshold float64
	// EvictThreshold is the weighted score above which an EvictionCandidate
	// is emitted. Distinct from SuspectThreshold to avoid flapping.
	EvictThreshold float64
	// Weights maps issue kinds to score increments. Nil selects
	// DefaultWeights.
	Weights map[IssueKind]float64
	// Now is the clock; nil selects time.Now. Tests inject a fake.
	Now func() time.Time
}

// EvictionCandidate reports a peer whose score crossed the eviction
// threshold.
type EvictionCandidate struct {
	Name  xor.Name
	Score float64
}

// record tracks one peer. Counters are independently mutable per peer, so
// contention is only ever within a single peer's record.
type record struct {
	mu       sync.Mutex
	counters map[IssueKind]float64
	last     time.Time
	reported bool // eviction candidate already emitted for this excursion
}

// Tracker scores peer behavior and surfaces eviction candidates.
type Tracker struct {
	mu      sync.RWMutex
	records map[xor.Name]*record

	cfg         Config
	candidateCh chan EvictionCandidate
	logger      *logrus.Entry
}

// NewTracker creates a tracker with the given policy.
func NewTracker(cfg Config, logger *logrus.Entry) *Tracker {
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		records:     make(map[xor.Name]*record),
		cfg:         cfg,
		candidateCh: make(chan EvictionCandidate, 64),
		logger:      logger,
	}
}

// Candidates returns the channel on which eviction candidates are emitted.
func (t *Tracker) Candidates() <-chan EvictionCandidate {
	return t.candidateCh
}

// TrackIssue records an observed issue against a peer.
func (t *Tracker) TrackIssue(name xor.Name, kind IssueKind) {
	rec := t.getOrCreate(name)
	now := t.cfg.Now()

	rec.mu.Lock()
	t.decayLocked(rec, now)
	rec.counters[kind] += t.cfg.Weights[kind]
	score := t.scoreLocked(rec)

	crossed := score >= t.cfg.EvictThreshold && !rec.reported
	if crossed {
		rec.reported = true
	}
	rec.mu.Unlock()

	telemetry.IssuesTotal.WithLabelValues(kind.String()).Inc()
	telemetry.SuspicionScore.WithLabelValues(name.Short()).Set(score)

	t.logger.WithFields(logrus.Fields{
		"peer":  name.Short(),
		"kind":  kind.String(),
		"score": score,
	}).Debug("Issue tracked")

	if crossed {
		t.logger.WithFields(logrus.Fields{
			"peer":  name.Short(),
			"score": score,
		}).Warn("Eviction threshold crossed")

		select {
		case t.candidateCh <- EvictionCandidate{Name: name, Score: score}:
		default:
			// Candidate channel full; the peer will be re-reported on the
			// next sweep since consensus has clearly not caught up.
			rec.mu.Lock()
			rec.reported = false
			rec.mu.Unlock()
		}
	}
}

// Score returns a peer's current weighted suspicion score.
func (t *Tracker) Score(name xor.Name) float64 {
	t.mu.RLock()
	rec, ok := t.records[name]
	t.mu.RUnlock()
	if !ok {
		return 0
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	t.decayLocked(rec, t.cfg.Now())
	return t.scoreLocked(rec)
}

// IsSuspect reports whether a peer is above the suspect threshold.
func (t *Tracker) IsSuspect(name xor.Name) bool {
	return t.Score(name) >= t.cfg.SuspectThreshold
}

// Forget discards a peer's record. Called when the peer leaves the member
// set; a re-joining peer starts from zero, carrying no persistent grudge.
func (t *Tracker) Forget(name xor.Name) {
	t.mu.Lock()
	delete(t.records, name)
	t.mu.Unlock()

	telemetry.SuspicionScore.DeleteLabelValues(name.Short())
}

// Sweep re-evaluates all peers, clearing the reported flag for peers whose
// score has decayed below the suspect threshold and re-emitting candidates
// still above the eviction threshold. The node runs this on a timer.
func (t *Tracker) Sweep() []EvictionCandidate {
	t.mu.RLock()
	names := make([]xor.Name, 0, len(t.records))
	for name := range t.records {
		names = append(names, name)
	}
	t.mu.RUnlock()

	now := t.cfg.Now()
	out := []EvictionCandidate{}

	for _, name := range names {
		t.mu.RLock()
		rec, ok := t.records[name]
		t.mu.RUnlock()
		if !ok {
			continue
		}

		rec.mu.Lock()
		t.decayLocked(rec, now)
		score := t.scoreLocked(rec)
		if score < t.cfg.SuspectThreshold {
			rec.reported = false
		} else if score >= t.cfg.EvictThreshold {
			out = append(out, EvictionCandidate{Name: name, Score: score})
		}
		rec.mu.Unlock()

		telemetry.SuspicionScore.WithLabelValues(name.Short()).Set(score)
	}
	return out
}

func (t *Tracker) getOrCreate(name xor.Name) *record {
	t.mu.RLock()
	rec, ok := t.records[name]
	t.mu.RUnlock()
	if ok {
		return rec
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok = t.records[name]; ok {
		return rec
	}
	rec = &record{
		counters: make(map[IssueKind]float64),
		last:     t.cfg.Now(),
	}
	t.records[name] = rec
	return rec
}

// decayLocked applies exponential decay to all counters for the time that
// elapsed since the last update.
func (t *Tracker) decayLocked(rec *record, now time.Time) {
	elapsed := now.Sub(rec.last)
	if elapsed <= 0 || t.cfg.HalfLife <= 0 {
		rec.last = now
		return
	}

	factor := math.Exp2(-float64(elapsed) / float64(t.cfg.HalfLife))
	for k := range rec.counters {
		rec.counters[k] *= factor
	}
	rec.last = now
}

// scoreLocked is the weighted sum across kinds. Counters already include
// their weights at increment time, so this is a plain sum.
func (t *Tracker) scoreLocked(rec *record) float64 {
	sum := 0.0
	for _, v := range rec.counters {
		sum += v
	}
	return sum
}
