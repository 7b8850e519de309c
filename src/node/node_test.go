package node

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xornet/sectord/src/config"
	"github.com/xornet/sectord/src/crypto/keys"
	"github.com/xornet/sectord/src/dysfunction"
	"github.com/xornet/sectord/src/membership"
	"github.com/xornet/sectord/src/net"
	"github.com/xornet/sectord/src/store"
	"github.com/xornet/sectord/src/xor"
)

func newTestConfig(t *testing.T) *config.Config {
	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.SweepInterval = 50 * time.Millisecond
	conf.VoteTimeout = 500 * time.Millisecond
	conf.KeyGenTimeout = 5 * time.Second
	conf.JoinTimeout = 5 * time.Second
	conf.RetentionFloor = 5
	return conf
}

type testPeer struct {
	node  *Node
	trans *net.InmemTransport
	addr  string
	peer  membership.Peer
}

// newTestPeers creates n keyed identities with connected in-memory
// transports. The first numFounders are the section founders.
func newTestPeers(t *testing.T, n, numFounders int, conf func(*testing.T) *config.Config, db func(int) store.Store) []*testPeer {
	peers := make([]*testPeer, n)
	validators := make([]*Validator, n)

	for i := 0; i < n; i++ {
		key, err := keys.GenerateECDSAKey()
		if err != nil {
			t.Fatal(err)
		}
		addr, trans := net.NewInmemTransport("")
		validators[i] = NewValidator(key, fmt.Sprintf("node%d", i))
		peers[i] = &testPeer{
			trans: trans,
			addr:  addr,
			peer:  validators[i].Peer(addr),
		}
	}

	// Full mesh
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				peers[i].trans.Connect(peers[j].addr, peers[j].trans)
			}
		}
	}

	founders := make([]membership.Peer, numFounders)
	for i := 0; i < numFounders; i++ {
		founders[i] = peers[i].peer
	}

	for i := 0; i < n; i++ {
		var s store.Store
		if db != nil {
			s = db(i)
		}
		peers[i].node = NewNode(conf(t), validators[i], founders, s, peers[i].trans)
	}

	return peers
}

func waitState(t *testing.T, n *Node, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n.getState() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("node %s never reached %s (stuck in %s)",
		n.validator.Moniker, want.String(), n.getState().String())
}

func waitMembers(t *testing.T, n *Node, count int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if snap := n.Snapshot(); snap != nil {
			joined := 0
			for _, m := range snap.Members {
				if m.Status == membership.Joined {
					joined++
				}
			}
			if joined == count {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap := n.Snapshot()
	if snap == nil {
		t.Fatalf("node %s has no section view", n.validator.Moniker)
	}
	t.Fatalf("node %s sees %d members, wanted %d", n.validator.Moniker, len(snap.Members), count)
}

func TestValidatorNameIsDerivedFromPublicKey(t *testing.T) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	v1 := NewValidator(key, "a")
	v2 := NewValidator(key, "b")

	if v1.Name() != v2.Name() {
		t.Fatal("same key should produce the same name")
	}

	p := v1.Peer("127.0.0.1:1337")
	if p.Name != v1.Name() || p.Addr != "127.0.0.1:1337" {
		t.Fatalf("unexpected peer record: %+v", p)
	}
}

func TestBuildParticipantsIsDeterministic(t *testing.T) {
	peers := newTestPeers(t, 3, 3, newTestConfig, nil)
	defer func() {
		for _, p := range peers {
			p.node.Shutdown()
		}
	}()

	elders := []membership.Peer{peers[0].peer, peers[1].peer, peers[2].peer}
	reversed := []membership.Peer{peers[2].peer, peers[1].peer, peers[0].peer}

	p1, _, self1 := buildParticipants(elders, peers[0].node.validator.Name())
	p2, _, self2 := buildParticipants(reversed, peers[0].node.validator.Name())

	if self1 == 0 || self1 != self2 {
		t.Fatalf("self index should not depend on input order: %d vs %d", self1, self2)
	}
	for i := range p1 {
		if p1[i].Name != p2[i].Name || p1[i].Index != p2[i].Index {
			t.Fatal("participant assignment should not depend on input order")
		}
	}

	var stranger membership.Peer
	stranger.Name[0] = 0xFF
	if _, _, self := buildParticipants(elders, stranger.Name); self != 0 {
		t.Fatalf("stranger should get index 0, not %d", self)
	}
}

func TestSingleFounderCreatesSection(t *testing.T) {
	peers := newTestPeers(t, 1, 1, newTestConfig, func(int) store.Store {
		return store.NewInmemStore()
	})
	n := peers[0].node
	defer n.Shutdown()

	if err := n.Init(); err != nil {
		t.Fatal(err)
	}
	n.RunAsync()

	waitState(t, n, Running, 5*time.Second)

	snap := n.Snapshot()
	if snap == nil {
		t.Fatal("no section view after founding")
	}
	if snap.Height != 0 {
		t.Fatalf("genesis height should be 0, not %d", snap.Height)
	}
	if len(snap.Members) != 1 || len(snap.Elders) != 1 {
		t.Fatalf("genesis section should contain the founder alone: %+v", snap)
	}
	if links := n.ChainLinks(); len(links) != 1 {
		t.Fatalf("genesis chain should hold one link, not %d", len(links))
	}

	// Genesis state must have been persisted
	persisted, err := n.store.LastState()
	if err != nil {
		t.Fatal(err)
	}
	if persisted.Height != 0 {
		t.Fatalf("persisted height should be 0, not %d", persisted.Height)
	}
}

func TestJoinerIsAdmittedAndCatchesUp(t *testing.T) {
	peers := newTestPeers(t, 2, 1, newTestConfig, nil)
	founder, joiner := peers[0].node, peers[1].node
	defer founder.Shutdown()
	defer joiner.Shutdown()

	if err := founder.Init(); err != nil {
		t.Fatal(err)
	}
	founder.RunAsync()
	waitState(t, founder, Running, 5*time.Second)

	if err := joiner.Init(); err != nil {
		t.Fatal(err)
	}
	joiner.RunAsync()

	waitState(t, joiner, Running, 15*time.Second)
	waitMembers(t, founder, 2, 15*time.Second)
	waitMembers(t, joiner, 2, 15*time.Second)

	// Admission promoted the joiner to elder, which rotates the key: the
	// chain must have grown past the genesis link.
	fLinks := founder.ChainLinks()
	if len(fLinks) < 2 {
		t.Fatalf("elder change should have rotated the key, chain has %d links", len(fLinks))
	}

	jSnap := joiner.Snapshot()
	fSnap := founder.Snapshot()
	if jSnap.Height != fSnap.Height {
		t.Fatalf("views diverge: joiner at %d, founder at %d", jSnap.Height, fSnap.Height)
	}
}

func TestDysfunctionalMemberIsEvicted(t *testing.T) {
	peers := newTestPeers(t, 2, 1, newTestConfig, nil)
	founder, joiner := peers[0].node, peers[1].node
	defer founder.Shutdown()
	defer joiner.Shutdown()

	if err := founder.Init(); err != nil {
		t.Fatal(err)
	}
	founder.RunAsync()
	waitState(t, founder, Running, 5*time.Second)

	if err := joiner.Init(); err != nil {
		t.Fatal(err)
	}
	joiner.RunAsync()
	waitMembers(t, founder, 2, 15*time.Second)

	// Pile up invalid-message issues on the joiner until its score crosses
	// the eviction threshold.
	target := joiner.Name()
	for i := 0; i < 8; i++ {
		founder.tracker.TrackIssue(target, dysfunction.InvalidMessageIssue)
	}

	waitMembers(t, founder, 1, 15*time.Second)

	snap := founder.Snapshot()
	if m, ok := snap.Members[target]; ok && m.Status == membership.Joined {
		t.Fatal("joiner should no longer be a joined member")
	}
	if len(snap.Elders) != 1 {
		t.Fatalf("founder should be the sole elder again, got %d", len(snap.Elders))
	}

	// The commit clears the record: a later re-join starts from zero.
	waitScore(t, founder, target, func(s float64) bool { return s == 0 }, 5*time.Second)
}

// waitScore polls a node's dysfunction score for a peer until cond holds.
func waitScore(t *testing.T, n *Node, peer xor.Name, cond func(float64) bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond(n.tracker.Score(peer)) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("node %s score for %s stuck at %f", n.validator.Moniker, peer.Short(), n.tracker.Score(peer))
}

func TestUnresponsiveFounderIsExcludedFromKeyGen(t *testing.T) {
	peers := newTestPeers(t, 3, 3, newTestConfig, nil)
	defer func() {
		for _, p := range peers {
			p.node.Shutdown()
		}
	}()

	// The third founder never comes up: its envelopes bounce and it misses
	// the key-generation deadline.
	dead := peers[2]
	peers[0].trans.Disconnect(dead.addr)
	peers[1].trans.Disconnect(dead.addr)

	for _, p := range peers[:2] {
		if err := p.node.Init(); err != nil {
			t.Fatal(err)
		}
		p.node.RunAsync()
	}

	// With a threshold of 2 out of 3, the two live founders exclude the
	// straggler and still found the section.
	waitState(t, peers[0].node, Running, 15*time.Second)
	waitState(t, peers[1].node, Running, 15*time.Second)

	if links := peers[0].node.ChainLinks(); len(links) != 1 {
		t.Fatalf("genesis chain should hold one link, not %d", len(links))
	}

	// The failure was attributed: the dead founder carries a dysfunction
	// score on the live nodes.
	waitScore(t, peers[0].node, dead.peer.Name, func(s float64) bool { return s > 0 }, 5*time.Second)
}

func TestVoteDeliveryFailureRaisesSuspicion(t *testing.T) {
	peers := newTestPeers(t, 2, 1, newTestConfig, nil)
	founder, joiner := peers[0].node, peers[1].node
	defer founder.Shutdown()
	defer joiner.Shutdown()

	if err := founder.Init(); err != nil {
		t.Fatal(err)
	}
	founder.RunAsync()
	waitState(t, founder, Running, 5*time.Second)

	if err := joiner.Init(); err != nil {
		t.Fatal(err)
	}
	joiner.RunAsync()
	waitMembers(t, founder, 2, 15*time.Second)

	// Cut the joiner off and give the founder a reason to send it a vote.
	peers[0].trans.Disconnect(peers[1].addr)
	founder.propose(founder.getConsensus(), membership.NewRemoveMember(peers[1].peer, membership.Leaving))

	waitScore(t, founder, joiner.Name(), func(s float64) bool { return s > 0 }, 5*time.Second)
}

func TestLeavingMemberIsFullyRemoved(t *testing.T) {
	peers := newTestPeers(t, 2, 1, newTestConfig, nil)
	founder, joiner := peers[0].node, peers[1].node
	defer founder.Shutdown()
	defer joiner.Shutdown()

	if err := founder.Init(); err != nil {
		t.Fatal(err)
	}
	founder.RunAsync()
	waitState(t, founder, Running, 5*time.Second)

	if err := joiner.Init(); err != nil {
		t.Fatal(err)
	}
	joiner.RunAsync()
	waitMembers(t, founder, 2, 15*time.Second)
	waitMembers(t, joiner, 2, 15*time.Second)

	target := joiner.Name()
	go joiner.Leave()

	// The departure commits in two stages: Leaving first, then the remaining
	// elders finalize it to Left.
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if snap := founder.Snapshot(); snap != nil {
			if m, ok := snap.Members[target]; ok && m.Status == membership.Left {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	m := founder.Snapshot().Members[target]
	t.Fatalf("departing member stuck in status %s", m.Status)
}

func TestSettledDeltaPayloadsArePruned(t *testing.T) {
	peers := newTestPeers(t, 1, 1, newTestConfig, nil)
	n := peers[0].node
	defer n.Shutdown()

	n.deltaLock.Lock()
	n.deltaCache["old"] = cachedDelta{data: []byte("a"), height: 1}
	n.deltaCache["edge"] = cachedDelta{data: []byte("b"), height: 5}
	n.deltaCache["live"] = cachedDelta{data: []byte("c"), height: 6}
	n.deltaLock.Unlock()

	n.pruneDeltas(21)

	n.deltaLock.Lock()
	defer n.deltaLock.Unlock()
	if _, ok := n.deltaCache["old"]; ok {
		t.Fatal("entry far behind the committed height should be pruned")
	}
	if _, ok := n.deltaCache["edge"]; ok {
		t.Fatal("entry at the edge of the re-vote window should be pruned")
	}
	if _, ok := n.deltaCache["live"]; !ok {
		t.Fatal("entry inside the re-vote window should survive")
	}
}

func TestStatsReflectNodeState(t *testing.T) {
	peers := newTestPeers(t, 1, 1, newTestConfig, nil)
	n := peers[0].node
	defer n.Shutdown()

	if err := n.Init(); err != nil {
		t.Fatal(err)
	}
	n.RunAsync()
	waitState(t, n, Running, 5*time.Second)

	stats := n.GetStats()
	if stats["state"] != "Running" {
		t.Fatalf("state stat should be Running, not %s", stats["state"])
	}
	if stats["members"] != "1" || stats["height"] != "0" {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats["moniker"] != "node0" {
		t.Fatalf("moniker stat should be node0, not %s", stats["moniker"])
	}
}
