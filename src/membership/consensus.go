package membership

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xornet/sectord/src/keychain"
	"github.com/xornet/sectord/src/telemetry"
	"github.com/xornet/sectord/src/xor"
)

// KeyRotator runs a distributed key generation among the new elder set and
// returns the new section key together with an attestation by the previous
// cohort's threshold key. The node layer implements it over the transport;
// tests use an in-process harness.
type KeyRotator interface {
	Rotate(height int, elders []Peer) (newKey, attestation []byte, err error)
}

// Config holds the consensus policy parameters.
type Config struct {
	// ElderCount is the target elder set size.
	ElderCount int
	// SplitThreshold is the member count above which a split is proposed.
	SplitThreshold int
	// MinSectionSize is the member count below which a merge is sought, and
	// the minimum size of each post-split child.
	MinSectionSize int
	// VoteTimeout is the deadline for a height to reach quorum before votes
	// are re-broadcast.
	VoteTimeout time.Duration
	// MaxRetries bounds re-broadcasts before a stalled height is surfaced as
	// ErrQuorumTimeout.
	MaxRetries int
	// Now is the clock; nil selects time.Now.
	Now func() time.Time
}

// Consensus is the sole writer of section state. Every proposal, vote, and
// commit funnels through it under one lock; collaborators read snapshots
// from the View.
type Consensus struct {
	mu sync.Mutex

	cfg       Config
	localName xor.Name
	priv      *ecdsa.PrivateKey

	state *State
	chain *keychain.Chain
	view  *View

	rotator KeyRotator

	// onEquivocation reports an elder that signed two deltas at one height.
	// Wired to the dysfunction tracker by the node.
	onEquivocation func(xor.Name)

	proposals map[int]map[string]*proposal // height -> delta hash hex
	votersAt  map[int]map[xor.Name]string  // height -> voter -> hash hex
	deadline  map[int]time.Time
	retries   map[int]int

	suspended bool
	logger    *logrus.Entry
}

// NewConsensus creates the consensus engine over an initial state and its
// key chain. The chain's head must match the state's chain head.
func NewConsensus(
	cfg Config,
	localName xor.Name,
	priv *ecdsa.PrivateKey,
	state *State,
	chain *keychain.Chain,
	rotator KeyRotator,
	logger *logrus.Entry,
) (*Consensus, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if !bytes.Equal(chain.Head(), state.ChainHead) {
		return nil, fmt.Errorf("%w: chain head does not match state", ErrInvariantViolation)
	}
	c := &Consensus{
		cfg:       cfg,
		localName: localName,
		priv:      priv,
		state:     state,
		chain:     chain,
		view:      NewView(state),
		rotator:   rotator,
		proposals: make(map[int]map[string]*proposal),
		votersAt:  make(map[int]map[xor.Name]string),
		deadline:  make(map[int]time.Time),
		retries:   make(map[int]int),
		logger:    logger,
	}
	telemetry.ConsensusHeight.Set(float64(state.Height))
	return c, nil
}

// View returns the snapshot publisher.
func (c *Consensus) View() *View {
	return c.view
}

// SetEquivocationHandler wires the callback invoked when an elder double
// votes. Must be set before messages flow.
func (c *Consensus) SetEquivocationHandler(fn func(xor.Name)) {
	c.onEquivocation = fn
}

// Propose creates a proposal for the next height, casts the local elder's
// vote, and returns it for broadcast. The local node must be an elder.
func (c *Consensus) Propose(d Delta) (Vote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.suspended {
		return Vote{}, ErrSuspended
	}
	if !c.state.IsElder(c.localName) {
		return Vote{}, fmt.Errorf("%w: %s is not an elder", ErrInvalidProof, c.localName.Short())
	}
	if err := d.validate(); err != nil {
		return Vote{}, err
	}
	if err := c.checkTriggerLocked(d); err != nil {
		return Vote{}, err
	}

	height := c.state.Height + 1
	hash, err := d.Hash()
	if err != nil {
		return Vote{}, err
	}

	vote, err := NewVote(height, hash, c.localName, c.priv)
	if err != nil {
		return Vote{}, err
	}
	if err := c.handleVoteLocked(vote, d); err != nil {
		return Vote{}, err
	}
	return vote, nil
}

// checkTriggerLocked validates split and merge preconditions against the
// current state.
func (c *Consensus) checkTriggerLocked(d Delta) error {
	switch d.Kind {
	case Split:
		if c.state.JoinedCount() <= c.cfg.SplitThreshold {
			return fmt.Errorf("%w: %d members, threshold %d",
				ErrSplitDeferred, c.state.JoinedCount(), c.cfg.SplitThreshold)
		}
		zero, one := 0, 0
		bit := c.state.Prefix.BitLen()
		for name, m := range c.state.Members {
			if m.Status != Joined {
				continue
			}
			if name.Bit(bit) == 0 {
				zero++
			} else {
				one++
			}
		}
		if zero < c.cfg.MinSectionSize || one < c.cfg.MinSectionSize {
			return fmt.Errorf("%w: children would have %d and %d members",
				ErrSplitDeferred, zero, one)
		}
	case Merge:
		if c.state.Prefix.BitLen() == 0 {
			return fmt.Errorf("%w: root section cannot merge", ErrInvariantViolation)
		}
	}
	return nil
}

// HandleVote processes a vote received from an elder, registering the delta
// on first sight. Reaching quorum commits the winning delta.
func (c *Consensus) HandleVote(v Vote, d Delta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handleVoteLocked(v, d)
}

func (c *Consensus) handleVoteLocked(v Vote, d Delta) error {
	if c.suspended {
		return ErrSuspended
	}
	if v.Height <= c.state.Height {
		return ErrStaleProposal
	}

	hash, err := d.Hash()
	if err != nil {
		return err
	}
	if !bytes.Equal(hash, v.DeltaHash) {
		return fmt.Errorf("%w: vote hash does not match delta", ErrInvalidProof)
	}
	if err := d.validate(); err != nil {
		return err
	}

	member, ok := c.state.Members[v.Voter]
	if !ok || !c.state.IsElder(v.Voter) {
		return fmt.Errorf("%w: voter %s is not an elder", ErrInvalidProof, v.Voter.Short())
	}
	if !VerifyVote(v, member.Peer.PubKey) {
		return fmt.Errorf("%w: bad vote signature from %s", ErrInvalidProof, v.Voter.Short())
	}

	byHash, ok := c.proposals[v.Height]
	if !ok {
		byHash = make(map[string]*proposal)
		c.proposals[v.Height] = byHash
		c.deadline[v.Height] = c.cfg.Now().Add(c.cfg.VoteTimeout)
	}

	hh := hex.EncodeToString(hash)
	prop, ok := byHash[hh]
	if !ok {
		prop = newProposal(v.Height, d, hash)
		byHash[hh] = prop
	}
	if prop.status == Superseded {
		return ErrStaleProposal
	}

	voters, ok := c.votersAt[v.Height]
	if !ok {
		voters = make(map[xor.Name]string)
		c.votersAt[v.Height] = voters
	}
	if prev, voted := voters[v.Voter]; voted {
		if prev == hh {
			return nil // duplicate delivery
		}
		c.logger.WithFields(logrus.Fields{
			"voter":  v.Voter.Short(),
			"height": v.Height,
		}).Warn("Elder equivocated")
		if c.onEquivocation != nil {
			c.onEquivocation(v.Voter)
		}
		return fmt.Errorf("%w: %s voted twice at height %d",
			ErrInvalidProof, v.Voter.Short(), v.Height)
	}

	voters[v.Voter] = hh
	prop.votes[v.Voter.String()] = v

	c.logger.WithFields(logrus.Fields{
		"height": v.Height,
		"kind":   d.Kind.String(),
		"votes":  len(prop.votes),
		"quorum": c.quorumLocked(),
	}).Debug("Vote recorded")

	if prop.status == Open && len(prop.votes) >= c.quorumLocked() {
		prop.status = Quorate
	}
	return c.advanceLocked()
}

// quorumLocked is the majority of the current elder set.
func (c *Consensus) quorumLocked() int {
	return len(c.state.Elders)/2 + 1
}

// advanceLocked commits quorate proposals in height order. Multiple quorate
// rivals at one height resolve deterministically to the lexicographically
// smallest delta hash.
func (c *Consensus) advanceLocked() error {
	for {
		height := c.state.Height + 1
		byHash, ok := c.proposals[height]
		if !ok {
			return nil
		}

		var winner *proposal
		for _, prop := range byHash {
			if prop.status != Quorate {
				continue
			}
			if winner == nil || bytes.Compare(prop.hash, winner.hash) < 0 {
				winner = prop
			}
		}
		if winner == nil {
			return nil
		}
		if err := c.commitLocked(winner); err != nil {
			return err
		}
	}
}

func (c *Consensus) commitLocked(prop *proposal) error {
	next, err := c.state.apply(prop.delta, prop.height, c.cfg.ElderCount, c.localName)
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			c.suspendLocked(err)
		}
		return err
	}

	// Splits and merges change the section identity; elder changes hand
	// signing authority to a new cohort. Both require a fresh key attested
	// by the previous one.
	rotate := prop.delta.Kind == Split || prop.delta.Kind == Merge ||
		!sameElders(c.state.Elders, next.Elders)

	if rotate {
		newKey, attestation, err := c.rotator.Rotate(prop.height, next.ElderPeers())
		if err != nil {
			telemetry.KeyGenSessionsTotal.WithLabelValues("aborted").Inc()
			// The proposal stays Quorate; Retry re-runs the rotation once
			// the elder set's liveness issue is resolved.
			return fmt.Errorf("%w: height %d: %v", ErrKeyGenAborted, prop.height, err)
		}
		if err := c.chain.Append(newKey, attestation); err != nil {
			c.suspendLocked(err)
			return fmt.Errorf("%w: rotated key rejected by chain: %v", ErrInvariantViolation, err)
		}
		telemetry.KeyGenSessionsTotal.WithLabelValues("complete").Inc()
		next.ChainHead = c.chain.Head()
	}

	prop.status = Committed
	for _, rival := range c.proposals[prop.height] {
		if rival != prop {
			rival.status = Superseded
		}
	}

	c.state = next
	c.view.publish(next)

	delete(c.votersAt, prop.height)
	delete(c.deadline, prop.height)
	delete(c.retries, prop.height)

	// Terminal proposals are kept for a few heights so late votes can be
	// answered with their final status, then pruned.
	for h := range c.proposals {
		if h < next.Height-16 {
			delete(c.proposals, h)
		}
	}

	telemetry.CommitsTotal.WithLabelValues(prop.delta.Kind.String()).Inc()
	telemetry.ConsensusHeight.Set(float64(next.Height))

	c.logger.WithFields(logrus.Fields{
		"height":  next.Height,
		"kind":    prop.delta.Kind.String(),
		"members": next.JoinedCount(),
		"elders":  len(next.Elders),
		"prefix":  next.Prefix.String(),
		"rotated": rotate,
	}).Info("Delta committed")

	return nil
}

// Retry re-attempts the commit of the pending height. Used after a key
// rotation failure once the node has adjusted the participant set.
func (c *Consensus) Retry() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspended {
		return ErrSuspended
	}
	return c.advanceLocked()
}

// CheckStalled inspects the pending height's deadline. On expiry it returns
// the local votes to re-broadcast and resets the deadline; past MaxRetries
// it returns ErrQuorumTimeout so the node can surface a liveness warning and
// re-propose against its latest view.
func (c *Consensus) CheckStalled() ([]Vote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.suspended {
		return nil, ErrSuspended
	}

	height := c.state.Height + 1
	dl, ok := c.deadline[height]
	if !ok || c.cfg.Now().Before(dl) {
		return nil, nil
	}

	c.retries[height]++
	if c.retries[height] > c.cfg.MaxRetries {
		// Abandon the height's proposals; the caller re-proposes from its
		// current liveness view at the same height.
		delete(c.proposals, height)
		delete(c.votersAt, height)
		delete(c.deadline, height)
		delete(c.retries, height)
		return nil, fmt.Errorf("%w: height %d", ErrQuorumTimeout, height)
	}
	c.deadline[height] = c.cfg.Now().Add(c.cfg.VoteTimeout)

	votes := []Vote{}
	for _, prop := range c.proposals[height] {
		if v, ok := prop.votes[c.localName.String()]; ok {
			votes = append(votes, v)
		}
	}
	c.logger.WithFields(logrus.Fields{
		"height":  height,
		"retries": c.retries[height],
	}).Debug("Height stalled, re-broadcasting votes")
	return votes, nil
}

// ProposalStatus reports a proposal's status, for diagnostics.
func (c *Consensus) ProposalStatus(height int, deltaHash []byte) (ProposalStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if byHash, ok := c.proposals[height]; ok {
		if prop, ok := byHash[hex.EncodeToString(deltaHash)]; ok {
			return prop.status, true
		}
	}
	return 0, false
}

// StateSnapshot returns a deep copy of the committed state, for persistence
// and catch-up responses.
func (c *Consensus) StateSnapshot() *State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Suspended reports whether an invariant violation has halted the engine.
func (c *Consensus) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

func (c *Consensus) suspendLocked(cause error) {
	c.suspended = true
	c.logger.WithError(cause).Error("Consensus suspended on invariant violation")
}
