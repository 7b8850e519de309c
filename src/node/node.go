package node

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xornet/sectord/src/common"
	"github.com/xornet/sectord/src/config"
	"github.com/xornet/sectord/src/dysfunction"
	"github.com/xornet/sectord/src/keychain"
	"github.com/xornet/sectord/src/membership"
	"github.com/xornet/sectord/src/net"
	"github.com/xornet/sectord/src/store"
	"github.com/xornet/sectord/src/xor"
)

// Node runs the section membership machinery: it drives the consensus
// engine, rotates section keys, tracks peer dysfunction, and serves votes,
// key-generation traffic, and catch-up requests over the transport.
type Node struct {
	state

	conf   *config.Config
	logger *logrus.Entry

	validator *Validator
	founders  []membership.Peer

	// consensus is nil until the node holds a section: founders build it at
	// genesis, joiners after catch-up. Guarded by coreLock.
	consensus *membership.Consensus
	chain     *keychain.Chain
	coreLock  sync.Mutex

	tracker *dysfunction.Tracker
	keygen  *KeyGenManager

	trans net.Transport
	netCh <-chan net.RPC

	store store.Store

	// deltaCache retains the canonical bytes of every delta this node has
	// voted on, keyed by hash, so stalled votes can be re-broadcast. Entries
	// are pruned once their height falls out of the re-vote window.
	deltaCache   map[string]cachedDelta
	lastEndorsed int
	deltaLock    sync.Mutex

	// joinElders are the elders returned by an accepted join request; they
	// are the catch-up targets.
	joinElders []membership.Peer

	sigintCh   chan os.Signal
	shutdownCh chan struct{}

	controlTimer *ControlTimer

	start time.Time
}

type cachedDelta struct {
	data   []byte
	height int
}

// deltaRetention mirrors the consensus proposal window: a delta this many
// heights behind the committed head can no longer be re-voted.
const deltaRetention = 16

// NewNode is a factory method that returns a Node instance. The store may be
// nil for purely in-memory operation.
func NewNode(
	conf *config.Config,
	validator *Validator,
	founders []membership.Peer,
	db store.Store,
	trans net.Transport,
) *Node {
	//Prepare sigintCh to relay SIGINT system calls
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGINT)

	logger := conf.Logger().WithField("this_node", validator.Name().Short())

	node := Node{
		conf:         conf,
		logger:       logger,
		validator:    validator,
		founders:     founders,
		tracker:      dysfunction.NewTracker(conf.DysfunctionConfig(), logger),
		keygen:       NewKeyGenManager(validator, trans, conf.KeyGenTimeout, logger),
		trans:        trans,
		netCh:        trans.Consumer(),
		store:        db,
		deltaCache:   make(map[string]cachedDelta),
		sigintCh:     sigintCh,
		shutdownCh:   make(chan struct{}),
		controlTimer: NewRandomControlTimer(),
	}

	// Cohort members that miss a key-generation deadline, or cannot be
	// reached at all, count against them like any other failure to respond.
	node.keygen.SetTimeoutHandler(func(name xor.Name) {
		node.tracker.TrackIssue(name, dysfunction.TimeoutIssue)
	})

	return &node
}

// Init decides the node's starting state: bootstrapped nodes resume from the
// store, founders create the section, everyone else joins.
func (n *Node) Init() error {
	n.start = time.Now()

	if n.conf.Bootstrap {
		n.logger.Debug("Bootstrap")
		if err := n.bootstrap(); err != nil {
			return err
		}
		n.setState(Running)
		return nil
	}

	n.setState(Joining)
	return nil
}

// bootstrap rebuilds consensus from the persisted state and key chain.
func (n *Node) bootstrap() error {
	if n.store == nil {
		return fmt.Errorf("bootstrap requires a persistent store")
	}

	state, err := n.store.LastState()
	if err != nil {
		return err
	}
	chain, err := n.store.GetChain(n.conf.RetentionFloor)
	if err != nil {
		return err
	}

	return n.installSection(state, chain)
}

// installSection wires a consensus engine around the given state and chain.
func (n *Node) installSection(state *membership.State, chain *keychain.Chain) error {
	cons, err := membership.NewConsensus(
		n.conf.MembershipConfig(),
		n.validator.Name(),
		n.validator.Key,
		state,
		chain,
		n.keygen,
		n.logger,
	)
	if err != nil {
		return err
	}
	cons.SetEquivocationHandler(func(name xor.Name) {
		n.tracker.TrackIssue(name, dysfunction.InvalidMessageIssue)
	})

	n.keygen.SetChain(chain)

	n.coreLock.Lock()
	n.consensus = cons
	n.chain = chain
	n.coreLock.Unlock()

	n.persist()
	return nil
}

func (n *Node) getConsensus() *membership.Consensus {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.consensus
}

func (n *Node) getChain() *keychain.Chain {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.chain
}

// RunAsync calls Run as a separate thread
func (n *Node) RunAsync() {
	go n.Run()
}

// Run invokes the main loop of the node
func (n *Node) Run() {
	//The ControlTimer drives periodic work: stalled-vote re-broadcast and
	//dysfunction sweeps.
	go n.controlTimer.Run(n.conf.SweepInterval)

	go n.trans.Listen()

	//Execute some background work regardless of the state of the node.
	go n.doBackgroundWork()

	//Execute Node State Machine
	for {
		state := n.getState()

		n.logger.WithField("state", state.String()).Debug("Run loop")

		switch state {
		case Running:
			n.running()
		case CatchingUp:
			n.catchUp()
		case Joining:
			n.join()
		case Suspended:
			n.suspended()
		case Leaving, Shutdown:
			return
		}
	}
}

func (n *Node) resetTimer() {
	if !n.controlTimer.set {
		n.controlTimer.resetCh <- n.conf.SweepInterval
	}
}

func (n *Node) doBackgroundWork() {
	for {
		select {
		case rpc := <-n.netCh:
			n.goFunc(func() {
				n.processRPC(rpc)
			})
		case candidate := <-n.tracker.Candidates():
			n.goFunc(func() {
				n.handleEvictionCandidate(candidate)
			})
		case <-n.shutdownCh:
			return
		case <-n.sigintCh:
			n.logger.Debug("Reacting to SIGINT - LEAVE")
			n.Leave()
			os.Exit(0)
		}
	}
}

// running processes commits and periodic work until suspension or shutdown.
func (n *Node) running() {
	n.logger.Debug("RUNNING")

	cons := n.getConsensus()
	viewCh := cons.View().Subscribe()
	prev := cons.View().Current()

	for {
		select {
		case <-n.controlTimer.tickCh:
			n.periodicWork(cons)
			n.resetTimer()
		case <-viewCh:
			cur := cons.View().Current()
			n.persist()
			n.forgetDeparted(prev, cur)
			n.finalizeDepartures(cons, cur)
			n.pruneDeltas(cur.Height)
			prev = cur
			n.maybeProposeSplit(cons)
			n.warnUndersized(cons)
			if cons.Suspended() {
				n.logger.Error("Consensus suspended")
				n.setState(Suspended)
				return
			}
		case <-n.shutdownCh:
			return
		}
	}
}

// periodicWork runs on every control-timer tick: re-broadcast stalled votes,
// retry held rotations, sweep dysfunction counters.
func (n *Node) periodicWork(cons *membership.Consensus) {
	votes, err := cons.CheckStalled()
	switch {
	case err == membership.ErrQuorumTimeout:
		n.logger.Warn("Pending proposal abandoned after retries")
	case err != nil:
		n.logger.WithError(err).Debug("CheckStalled")
	}
	for _, v := range votes {
		n.deltaLock.Lock()
		entry, ok := n.deltaCache[common.EncodeToString(v.DeltaHash)]
		n.deltaLock.Unlock()
		if !ok {
			continue
		}
		n.broadcastVote(v, entry.data)
	}

	// A rotation held at Quorate by a key-generation failure is retried
	// here; Retry is a no-op when nothing is pending.
	if err := cons.Retry(); err != nil && err != membership.ErrSuspended {
		n.logger.WithError(err).Debug("Retry")
	}

	for _, c := range n.tracker.Sweep() {
		n.handleEvictionCandidate(c)
	}

	n.logStats()
}

// maybeProposeSplit proposes a split when the section has outgrown the
// threshold. Every elder proposes the same delta, so votes converge.
func (n *Node) maybeProposeSplit(cons *membership.Consensus) {
	snap := cons.View().Current()
	if !n.isElder(snap) {
		return
	}
	joined := 0
	for _, m := range snap.Members {
		if m.Status == membership.Joined {
			joined++
		}
	}
	if joined <= n.conf.SplitThreshold {
		return
	}
	n.propose(cons, membership.NewSplit())
}

// ProposeMerge submits a merge with the sibling section's member set. The
// sibling list comes from the caller: discovering it crosses section
// boundaries, which is the routing layer's job, not this node's.
func (n *Node) ProposeMerge(siblingMembers []membership.Member) error {
	cons := n.getConsensus()
	if cons == nil {
		return fmt.Errorf("no section state yet")
	}
	if !n.isElder(cons.View().Current()) {
		return fmt.Errorf("only elders propose merges")
	}
	n.propose(cons, membership.NewMerge(siblingMembers))
	return nil
}

// warnUndersized flags a section that has shrunk below the minimum and needs
// a sibling merge.
func (n *Node) warnUndersized(cons *membership.Consensus) {
	snap := cons.View().Current()
	if snap.Prefix.BitLen() == 0 || !n.isElder(snap) {
		return
	}
	joined := 0
	for _, m := range snap.Members {
		if m.Status == membership.Joined {
			joined++
		}
	}
	if joined < n.conf.MinSectionSize || len(snap.Elders) < n.conf.MinSectionSize {
		n.logger.WithFields(logrus.Fields{
			"joined": joined,
			"elders": len(snap.Elders),
			"min":    n.conf.MinSectionSize,
		}).Warn("Section undersized, sibling merge required")
	}
}

// handleEvictionCandidate proposes the removal of a peer whose dysfunction
// score crossed the eviction threshold.
func (n *Node) handleEvictionCandidate(c dysfunction.EvictionCandidate) {
	cons := n.getConsensus()
	if cons == nil {
		return
	}
	snap := cons.View().Current()
	if !n.isElder(snap) {
		return
	}
	member, ok := snap.Members[c.Name]
	if !ok || member.Status == membership.Left {
		return
	}

	n.logger.WithFields(logrus.Fields{
		"peer":  c.Name.Short(),
		"score": c.Score,
	}).Warn("Proposing eviction")

	n.propose(cons, membership.NewRemoveMember(member.Peer, membership.Left))
}

// forgetDeparted clears the dysfunction record of every peer that left the
// member set at this view change. A peer that re-joins later starts clean;
// evidence against a peer whose eviction vote failed is kept.
func (n *Node) forgetDeparted(prev, cur *membership.Snapshot) {
	for name, m := range prev.Members {
		if m.Status == membership.Left {
			continue
		}
		c, ok := cur.Members[name]
		if !ok || c.Status == membership.Left {
			n.tracker.Forget(name)
		}
	}
}

// finalizeDepartures completes graceful departures: the Leaving stage lets
// the departing peer see its request commit, then the remaining elders move
// it to Left. Re-proposing an already-pending removal is a no-op.
func (n *Node) finalizeDepartures(cons *membership.Consensus, snap *membership.Snapshot) {
	if !n.isElder(snap) {
		return
	}
	self := n.validator.Name()
	for name, m := range snap.Members {
		if name == self || m.Status != membership.Leaving {
			continue
		}
		n.propose(cons, membership.NewRemoveMember(m.Peer, membership.Left))
	}
}

// pruneDeltas drops cached delta payloads that fell out of the re-vote
// window.
func (n *Node) pruneDeltas(committed int) {
	n.deltaLock.Lock()
	defer n.deltaLock.Unlock()
	for k, e := range n.deltaCache {
		if e.height <= committed-deltaRetention {
			delete(n.deltaCache, k)
		}
	}
}

// propose submits a delta, caches it, and broadcasts the local vote.
func (n *Node) propose(cons *membership.Consensus, d membership.Delta) {
	deltaBytes, err := d.Marshal()
	if err != nil {
		n.logger.WithError(err).Error("Marshalling delta")
		return
	}
	hash, err := d.Hash()
	if err != nil {
		n.logger.WithError(err).Error("Hashing delta")
		return
	}

	vote, err := cons.Propose(d)
	if err != nil {
		n.logger.WithError(err).Debug("Propose")
		return
	}

	n.deltaLock.Lock()
	n.deltaCache[common.EncodeToString(hash)] = cachedDelta{data: deltaBytes, height: vote.Height}
	if vote.Height > n.lastEndorsed {
		n.lastEndorsed = vote.Height
	}
	n.deltaLock.Unlock()

	n.broadcastVote(vote, deltaBytes)
}

// broadcastVote sends a vote to every other elder.
func (n *Node) broadcastVote(v membership.Vote, delta []byte) {
	cons := n.getConsensus()
	if cons == nil {
		return
	}
	self := n.validator.Name()
	for _, elder := range cons.View().Current().Elders {
		if elder.Name == self {
			continue
		}
		addr := elder.Addr
		name := elder.Name
		n.goFunc(func() {
			args := &net.VoteRequest{
				From:  n.trans.AdvertiseAddr(),
				Vote:  v,
				Delta: delta,
			}
			var resp net.VoteResponse
			if err := n.trans.Vote(addr, args, &resp); err != nil {
				n.logger.WithFields(logrus.Fields{
					"target": addr,
					"error":  err,
				}).Debug("Vote not delivered")
				n.tracker.TrackIssue(name, dysfunction.TimeoutIssue)
			}
		})
	}
}

func (n *Node) isElder(snap *membership.Snapshot) bool {
	self := n.validator.Name()
	for _, e := range snap.Elders {
		if e.Name == self {
			return true
		}
	}
	return false
}

func (n *Node) isFounder() bool {
	self := n.validator.Name()
	for _, f := range n.founders {
		if f.Name == self {
			return true
		}
	}
	return false
}

// join requests admission from the section. Founders create the section
// instead.
func (n *Node) join() {
	if n.isFounder() {
		if err := n.found(); err != nil {
			n.logger.WithError(err).Error("Founding section")
			time.Sleep(n.conf.VoteTimeout)
		}
		return
	}

	n.logger.Debug("JOINING")

	args := &net.JoinRequest{Peer: n.validator.Peer(n.trans.AdvertiseAddr())}

	for _, f := range n.founders {
		start := time.Now()
		var resp net.JoinResponse
		err := n.trans.Join(f.Addr, args, &resp)
		elapsed := time.Since(start)
		n.logger.WithField("duration", elapsed.Nanoseconds()).Debug("requestJoin()")

		if err != nil {
			n.logger.WithFields(logrus.Fields{
				"target": f.Addr,
				"error":  err,
			}).Error("Cannot join")
			continue
		}

		if resp.Accepted {
			n.joinElders = resp.Elders
			n.setState(CatchingUp)
			return
		}

		// A refusal may come with a redirection to the right section.
		if len(resp.Elders) > 0 {
			n.joinElders = resp.Elders
		}
	}

	if len(n.joinElders) > 0 {
		n.retryJoin(args)
		return
	}

	n.logger.Debug("JoinRequest refused. Shutting down.")
	n.Shutdown()
}

// retryJoin asks the elders named in a refusal.
func (n *Node) retryJoin(args *net.JoinRequest) {
	for _, e := range n.joinElders {
		var resp net.JoinResponse
		if err := n.trans.Join(e.Addr, args, &resp); err != nil {
			continue
		}
		if resp.Accepted {
			n.joinElders = resp.Elders
			n.setState(CatchingUp)
			return
		}
	}
	n.logger.Debug("JoinRequest refused. Shutting down.")
	n.Shutdown()
}

// found creates the section: the founders run the genesis key generation and
// start from a genesis state covering the whole address space.
func (n *Node) found() error {
	n.logger.WithField("founders", len(n.founders)).Debug("FOUNDING")

	genesisKey, _, err := n.keygen.Rotate(0, n.founders)
	if err != nil {
		return err
	}

	chain := keychain.New(genesisKey, n.conf.RetentionFloor)
	state := membership.NewGenesisState(
		xor.NewPrefix(xor.Name{}, 0),
		n.founders,
		chain.Head(),
		n.conf.ElderCount,
	)

	if err := n.installSection(state, chain); err != nil {
		return err
	}

	n.setState(Running)
	return nil
}

// catchUp fetches the committed section state from an elder and verifies its
// key lineage before adopting it.
func (n *Node) catchUp() {
	n.logger.Debug("CATCHING-UP")

	targets := n.joinElders
	if len(targets) == 0 {
		targets = n.founders
	}

	for _, t := range targets {
		if err := n.fastForward(t.Addr); err != nil {
			n.logger.WithFields(logrus.Fields{
				"target": t.Addr,
				"error":  err,
			}).Error("fastForward()")
			continue
		}
		n.setState(Running)
		return
	}

	n.logger.Error("No peer could provide section state. Shutting down.")
	n.Shutdown()
}

func (n *Node) fastForward(target string) error {
	fromHeight := -1
	if chain := n.getChain(); chain != nil {
		fromHeight = chain.HeadHeight()
	}

	args := &net.SectionInfoRequest{
		From:       n.trans.AdvertiseAddr(),
		FromHeight: fromHeight,
	}
	var resp net.SectionInfoResponse
	if err := n.trans.SectionInfo(target, args, &resp); err != nil {
		return err
	}

	state, err := membership.UnmarshalState(resp.State)
	if err != nil {
		return err
	}

	chain, err := keychain.FromLinks(resp.ChainLinks, resp.BaseHeight, n.conf.RetentionFloor)
	if err != nil {
		return err
	}

	// A node that already trusts a chain must find its head in the received
	// lineage; otherwise the response descends from a different anchor.
	if prior := n.getChain(); prior != nil && !chain.HasKey(prior.Head()) {
		return keychain.ErrInvalidProof
	}

	return n.installSection(state, chain)
}

// suspended parks the node until shutdown. State is preserved for autopsy.
func (n *Node) suspended() {
	n.logger.Debug("SUSPENDED")
	<-n.shutdownCh
}

// Leave gracefully exits the section: an elder proposes its own departure
// and waits for the commit before shutting down.
func (n *Node) Leave() error {
	n.logger.Debug("LEAVING")

	defer n.Shutdown()

	cons := n.getConsensus()
	if cons == nil {
		return nil
	}

	snap := cons.View().Current()
	if !n.isElder(snap) {
		return nil
	}

	n.setState(Leaving)

	viewCh := cons.View().Subscribe()
	self := n.validator.Name()

	n.propose(cons, membership.NewRemoveMember(n.validator.Peer(n.trans.AdvertiseAddr()), membership.Leaving))

	timeout := time.After(n.conf.JoinTimeout)
	for {
		select {
		case <-viewCh:
			m, ok := cons.View().Current().Members[self]
			if !ok || m.Status != membership.Joined {
				n.logger.Debug("Departure committed")
				return nil
			}
		case <-timeout:
			return fmt.Errorf("timeout waiting for departure to go through consensus")
		}
	}
}

// persist writes the committed state and chain to the store.
func (n *Node) persist() {
	if n.store == nil {
		return
	}
	cons := n.getConsensus()
	if cons == nil {
		return
	}
	if err := n.store.SetState(cons.StateSnapshot()); err != nil {
		n.logger.WithError(err).Error("Persisting state")
	}
	if err := n.store.SetChain(n.getChain()); err != nil {
		n.logger.WithError(err).Error("Persisting chain")
	}
}

// Shutdown shuts down the node
func (n *Node) Shutdown() {
	if n.getState() != Shutdown {
		n.logger.Debug("Shutdown")

		//Exit any non-shutdown state immediately
		n.setState(Shutdown)

		//Stop and wait for concurrent operations
		close(n.shutdownCh)

		n.waitRoutines()

		n.controlTimer.Shutdown()

		//transport and store should only be closed once all concurrent
		//operations are finished otherwise they will panic trying to use
		//closed objects
		n.trans.Close()

		if n.store != nil {
			n.store.Close()
		}
	}
}

// Snapshot returns the current section view, or nil before the node holds a
// section.
func (n *Node) Snapshot() *membership.Snapshot {
	cons := n.getConsensus()
	if cons == nil {
		return nil
	}
	return cons.View().Current()
}

// ChainLinks returns the retained key chain links.
func (n *Node) ChainLinks() []keychain.Link {
	chain := n.getChain()
	if chain == nil {
		return nil
	}
	return chain.Links()
}

// Name returns the node's XOR-space name.
func (n *Node) Name() xor.Name {
	return n.validator.Name()
}

// GetStats returns stats
func (n *Node) GetStats() map[string]string {
	s := map[string]string{
		"name":    n.validator.Name().String(),
		"moniker": n.validator.Moniker,
		"state":   n.getState().String(),
		"uptime":  time.Since(n.start).String(),
	}

	if snap := n.Snapshot(); snap != nil {
		s["height"] = strconv.Itoa(snap.Height)
		s["members"] = strconv.Itoa(len(snap.Members))
		s["elders"] = strconv.Itoa(len(snap.Elders))
		s["prefix"] = snap.Prefix.String()
		s["chain_head"] = common.EncodeToString(snap.ChainHead)
	}
	if chain := n.getChain(); chain != nil {
		s["chain_len"] = strconv.Itoa(chain.Len())
	}
	return s
}

func (n *Node) logStats() {
	stats := n.GetStats()

	n.logger.WithFields(logrus.Fields{
		"height":  stats["height"],
		"members": stats["members"],
		"elders":  stats["elders"],
		"prefix":  stats["prefix"],
		"state":   stats["state"],
		"moniker": stats["moniker"],
	}).Debug("Stats")
}
