package dysfunction

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xornet/sectord/src/common"
	"github.com/xornet/sectord/src/xor"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(t *testing.T, clock *fakeClock) *Tracker {
	t.Helper()

	logger := common.NewTestLogger(t, logrus.ErrorLevel).WithField("prefix", "dysfunction")

	return NewTracker(Config{
		HalfLife:         10 * time.Minute,
		SuspectThreshold: 5.0,
		EvictThreshold:   10.0,
		Now:              clock.now,
	}, logger)
}

func testName(b byte) xor.Name {
	var n xor.Name
	n[0] = b
	return n
}

func TestSingleIssueStaysBelowSuspect(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	tracker := newTestTracker(t, clock)

	peer := testName(0x01)
	tracker.TrackIssue(peer, TimeoutIssue)

	if tracker.IsSuspect(peer) {
		t.Fatal("a single timeout must not make a peer suspect")
	}
	if got := tracker.Score(peer); got != 2.0 {
		t.Fatalf("expected score 2.0, got %v", got)
	}
}

func TestScoreDecaysTowardZero(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	tracker := newTestTracker(t, clock)

	peer := testName(0x02)
	for i := 0; i < 4; i++ {
		tracker.TrackIssue(peer, TimeoutIssue)
	}

	before := tracker.Score(peer)
	if before != 8.0 {
		t.Fatalf("expected 8.0, got %v", before)
	}

	// One half-life halves the score.
	clock.advance(10 * time.Minute)
	if got := tracker.Score(peer); got < 3.99 || got > 4.01 {
		t.Fatalf("expected ~4.0 after one half-life, got %v", got)
	}

	// Ten more half-lives and the score is effectively gone.
	clock.advance(100 * time.Minute)
	if got := tracker.Score(peer); got > 0.01 {
		t.Fatalf("expected near-zero score, got %v", got)
	}
	if tracker.IsSuspect(peer) {
		t.Fatal("peer should no longer be suspect")
	}
}

func TestEvictionCandidateEmittedOnce(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	tracker := newTestTracker(t, clock)

	peer := testName(0x03)

	// 4 invalid messages = 12.0, past the eviction threshold of 10.
	for i := 0; i < 4; i++ {
		tracker.TrackIssue(peer, InvalidMessageIssue)
	}

	select {
	case cand := <-tracker.Candidates():
		if cand.Name != peer {
			t.Fatalf("candidate names wrong peer: %v", cand.Name)
		}
		if cand.Score < 10.0 {
			t.Fatalf("candidate score below threshold: %v", cand.Score)
		}
	default:
		t.Fatal("expected an eviction candidate")
	}

	// Further issues while still above threshold do not re-emit.
	tracker.TrackIssue(peer, InvalidMessageIssue)
	select {
	case <-tracker.Candidates():
		t.Fatal("candidate must only be emitted once per excursion")
	default:
	}
}

func TestCandidateReemittedAfterRecoveryAndRelapse(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	tracker := newTestTracker(t, clock)

	peer := testName(0x04)
	for i := 0; i < 4; i++ {
		tracker.TrackIssue(peer, InvalidMessageIssue)
	}
	<-tracker.Candidates()

	// Decay well below the suspect threshold, then sweep to reset.
	clock.advance(60 * time.Minute)
	if cands := tracker.Sweep(); len(cands) != 0 {
		t.Fatalf("no candidates expected after decay, got %d", len(cands))
	}

	for i := 0; i < 4; i++ {
		tracker.TrackIssue(peer, InvalidMessageIssue)
	}

	select {
	case <-tracker.Candidates():
	default:
		t.Fatal("relapsed peer should be reported again")
	}
}

func TestSweepReportsPersistentOffenders(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	tracker := newTestTracker(t, clock)

	peer := testName(0x05)
	for i := 0; i < 5; i++ {
		tracker.TrackIssue(peer, InvalidMessageIssue)
	}
	<-tracker.Candidates()

	cands := tracker.Sweep()
	if len(cands) != 1 || cands[0].Name != peer {
		t.Fatalf("sweep should keep reporting the offender, got %v", cands)
	}
}

func TestForgetResetsHistory(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	tracker := newTestTracker(t, clock)

	peer := testName(0x06)
	for i := 0; i < 4; i++ {
		tracker.TrackIssue(peer, InvalidMessageIssue)
	}
	<-tracker.Candidates()

	tracker.Forget(peer)

	if got := tracker.Score(peer); got != 0 {
		t.Fatalf("forgotten peer should score 0, got %v", got)
	}

	// The peer re-joins and misbehaves again; it is reported afresh.
	for i := 0; i < 4; i++ {
		tracker.TrackIssue(peer, InvalidMessageIssue)
	}
	select {
	case <-tracker.Candidates():
	default:
		t.Fatal("re-joined peer should be reported on a fresh excursion")
	}
}

func TestKindsAreWeighted(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	tracker := newTestTracker(t, clock)

	slow := testName(0x07)
	invalid := testName(0x08)

	tracker.TrackIssue(slow, SlowResponseIssue)
	tracker.TrackIssue(invalid, InvalidMessageIssue)

	if tracker.Score(slow) >= tracker.Score(invalid) {
		t.Fatal("invalid messages must weigh more than slow responses")
	}
}
