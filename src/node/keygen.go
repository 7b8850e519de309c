package node

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xornet/sectord/src/common"
	"github.com/xornet/sectord/src/dkg"
	"github.com/xornet/sectord/src/keychain"
	"github.com/xornet/sectord/src/membership"
	"github.com/xornet/sectord/src/net"
	"github.com/xornet/sectord/src/xor"
)

const keygenPollInterval = 20 * time.Millisecond

// backlogLimit caps buffered envelopes that arrive before the local session
// is installed.
const backlogLimit = 64

/*
KeyGenManager runs distributed key generation and attestation signing on
behalf of the consensus engine. It implements membership.KeyRotator: Rotate
is called synchronously from a commit, deals a fresh key among the new elder
cohort, and has the outgoing cohort sign the new key so the chain link
verifies.

The underlying dkg sessions are message-driven; envelopes arrive through
HandleEnvelope from the node's RPC loop, which runs on separate goroutines,
so Rotate can block on session completion without starving the message flow.
*/
type KeyGenManager struct {
	mu sync.Mutex

	validator *Validator
	trans     net.Transport
	timeout   time.Duration
	logger    *logrus.Entry

	chain *keychain.Chain

	session      *dkg.Session
	signing      *dkg.SigningSession
	sessionAddrs map[int]string // active keygen cohort, by participant index

	// Holders of the current key, by share index. The threshold is recorded
	// so attestation cohorts can be checked for sufficiency when some
	// holders have left the elder set.
	signerAddrs     map[int]string
	signerNames     map[int]xor.Name
	signerThreshold int

	// outcome is this node's share of the current section key. Nil until the
	// node has participated in a completed key generation.
	outcome *dkg.Outcome

	// attested caches finished rotations received from peers, keyed by the
	// hex of the new group key. Serves elders that hold no outgoing share.
	attested map[string][]byte

	backlog []*net.KeyGenRequest

	// onTimeout reports a cohort member that missed a delivery or a session
	// deadline. Wired to the dysfunction tracker by the node.
	onTimeout func(xor.Name)
}

// NewKeyGenManager creates a manager bound to the node's identity and
// transport. The chain is attached later with SetChain, once it exists.
func NewKeyGenManager(validator *Validator, trans net.Transport, timeout time.Duration, logger *logrus.Entry) *KeyGenManager {
	return &KeyGenManager{
		validator: validator,
		trans:     trans,
		timeout:   timeout,
		logger:    logger,
		attested:  make(map[string][]byte),
	}
}

// SetTimeoutHandler installs the callback invoked when a cohort member times
// out on an envelope delivery or a session deadline.
func (m *KeyGenManager) SetTimeoutHandler(fn func(xor.Name)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTimeout = fn
}

func (m *KeyGenManager) reportTimeout(name xor.Name) {
	m.mu.Lock()
	fn := m.onTimeout
	m.mu.Unlock()
	if fn != nil && name != (xor.Name{}) {
		fn(name)
	}
}

// SetChain attaches the trusted key chain used to verify received
// attestations.
func (m *KeyGenManager) SetChain(chain *keychain.Chain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chain = chain
}

// Outcome returns this node's share of the current section key, or nil.
func (m *KeyGenManager) Outcome() *dkg.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcome
}

// buildParticipants orders the cohort by name so every member derives the
// same index assignment. Returns 0 for selfIndex if the local node is not in
// the cohort.
func buildParticipants(elders []membership.Peer, local xor.Name) ([]dkg.Participant, map[int]string, int) {
	sorted := append([]membership.Peer{}, elders...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Name[:], sorted[j].Name[:]) < 0
	})

	participants := make([]dkg.Participant, 0, len(sorted))
	addrs := make(map[int]string, len(sorted))
	selfIndex := 0
	for i, p := range sorted {
		idx := i + 1
		participants = append(participants, dkg.Participant{
			Index:  idx,
			Name:   p.Name,
			PubKey: p.PubKey,
		})
		addrs[idx] = p.Addr
		if p.Name == local {
			selfIndex = idx
		}
	}
	return participants, addrs, selfIndex
}

// Rotate implements membership.KeyRotator. It requires the local node to be
// part of the new elder cohort; a demoted elder holds its proposal Quorate
// and adopts the rotated key through catch-up instead.
func (m *KeyGenManager) Rotate(height int, elders []membership.Peer) ([]byte, []byte, error) {
	participants, addrs, selfIndex := buildParticipants(elders, m.validator.Name())
	if selfIndex == 0 {
		return nil, nil, fmt.Errorf("not in the new elder cohort")
	}

	threshold := len(participants)/2 + 1
	id := fmt.Sprintf("keygen-%d", height)

	// An invite may have already pulled this node into the session; deal
	// only once.
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session == nil || session.ID() != id {
		invite := &net.KeyGenInvite{
			SessionID:    id,
			Height:       height,
			Threshold:    threshold,
			Participants: participants,
			Addrs:        addrs,
		}
		var err error
		session, err = m.deal(id, threshold, selfIndex, participants, addrs, invite)
		if err != nil {
			return nil, nil, err
		}
	}

	names := participantNames(participants)

	outcome, err := m.waitKeyGen(session, names)
	if err != nil {
		m.clearSession()
		return nil, nil, err
	}
	newKey := outcome.GroupKeyBytes()

	attestation, err := m.attest(height, newKey, participants)
	if err != nil {
		m.clearSession()
		return nil, nil, err
	}

	m.mu.Lock()
	m.outcome = outcome
	m.signerAddrs = addrs
	m.signerNames = names
	m.signerThreshold = threshold
	m.session = nil
	m.signing = nil
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"height":  height,
		"cohort":  len(participants),
		"new_key": common.EncodeToString(newKey),
	}).Debug("Key rotation complete")

	return newKey, attestation, nil
}

// deal creates the session, broadcasts this node's commitment and shares,
// and drains any envelopes that raced ahead. The invite, when non-nil, rides
// along so cohort members that are not committing locally can deal too.
func (m *KeyGenManager) deal(
	id string,
	threshold int,
	selfIndex int,
	participants []dkg.Participant,
	addrs map[int]string,
	invite *net.KeyGenInvite,
) (*dkg.Session, error) {

	session, err := dkg.NewSession(id, threshold, selfIndex, m.validator.Key, participants, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.session = session
	m.sessionAddrs = addrs
	backlog := m.backlog
	m.backlog = nil
	m.mu.Unlock()

	commitment, shares, err := session.Start()
	if err != nil {
		m.clearSession()
		return nil, err
	}

	names := participantNames(participants)
	for idx, addr := range addrs {
		if idx == selfIndex {
			continue
		}
		env := &net.KeyGenRequest{
			From:        m.trans.AdvertiseAddr(),
			Invite:      invite,
			Commitments: []dkg.Commitment{commitment},
		}
		for _, sh := range shares {
			if sh.Recipient == idx {
				env.Shares = append(env.Shares, sh)
			}
		}
		m.send(addr, names[idx], env)
	}

	// Envelopes that raced ahead of session creation
	for _, env := range backlog {
		m.HandleEnvelope(env)
	}

	return session, nil
}

// joinSession enrolls in a session this node was invited to but is not
// driving: it deals its polynomial and adopts the outcome in the background
// once the session completes.
func (m *KeyGenManager) joinSession(invite *net.KeyGenInvite) {
	selfIndex := 0
	for _, p := range invite.Participants {
		if p.Name == m.validator.Name() {
			selfIndex = p.Index
		}
	}
	if selfIndex == 0 {
		return
	}

	session, err := m.deal(invite.SessionID, invite.Threshold, selfIndex, invite.Participants, invite.Addrs, nil)
	if err != nil {
		m.logger.WithError(err).Debug("Joining invited session")
		return
	}

	names := participantNames(invite.Participants)

	go func() {
		outcome, err := m.waitKeyGen(session, names)
		if err != nil {
			m.logger.WithError(err).Debug("Invited session failed")
			m.clearSession()
			return
		}
		m.mu.Lock()
		if m.session == session {
			m.outcome = outcome
			m.signerAddrs = invite.Addrs
			m.signerNames = names
			m.signerThreshold = invite.Threshold
			m.session = nil
		}
		m.mu.Unlock()
	}()
}

// joinSigning enrolls in an attestation session this node was invited to
// but is not driving, typically because it is leaving the elder set. Its
// partial keeps the outgoing cohort above threshold.
func (m *KeyGenManager) joinSigning(invite *net.SignInvite) {
	m.mu.Lock()
	old := m.outcome
	m.mu.Unlock()

	if old == nil {
		return
	}
	member := false
	for _, idx := range invite.Cohort {
		if idx == old.Index {
			member = true
		}
	}
	if !member {
		return
	}

	signing, err := dkg.NewSigningSession(invite.SessionID, invite.Msg, old, invite.Cohort, m.logger)
	if err != nil {
		m.logger.WithError(err).Debug("Joining invited signing session")
		return
	}

	m.mu.Lock()
	m.signing = signing
	m.signerAddrs = invite.Addrs
	backlog := m.backlog
	m.backlog = nil
	m.mu.Unlock()

	nonce, partial, err := signing.Start()
	if err != nil {
		return
	}

	env := &net.KeyGenRequest{
		From:   m.trans.AdvertiseAddr(),
		Nonces: []dkg.Nonce{nonce},
	}
	if partial != nil {
		env.Partials = []dkg.Partial{*partial}
	}
	// SignInvites carry no name mapping; delivery failures here cannot be
	// attributed.
	for _, idx := range invite.Cohort {
		if idx == old.Index {
			continue
		}
		m.send(invite.Addrs[idx], xor.Name{}, env)
	}

	for _, e := range backlog {
		m.HandleEnvelope(e)
	}
}

// attest produces the threshold signature over newKey under the outgoing
// key. Share holders that remain elders sign; elders without a share wait
// for the finished attestation from a signer. At genesis there is no
// outgoing key and the attestation is empty.
func (m *KeyGenManager) attest(height int, newKey []byte, newCohort []dkg.Participant) ([]byte, error) {
	m.mu.Lock()
	old := m.outcome
	chain := m.chain
	oldAddrs := m.signerAddrs
	oldNames := m.signerNames
	oldThreshold := m.signerThreshold
	newAddrs := m.sessionAddrs
	m.mu.Unlock()

	if chain == nil {
		// Genesis: the first key is the trust anchor.
		return nil, nil
	}

	if old == nil {
		return m.waitAttested(chain, newKey)
	}

	// Prefer holders that stay in the elder set; when a shrinking cohort
	// leaves too few, enlist the departing holders through a SignInvite.
	// Every signer derives the same cohort from the same inputs.
	staying := make(map[xor.Name]bool, len(newCohort))
	for _, p := range newCohort {
		staying[p.Name] = true
	}
	cohort := make([]int, 0, len(old.Qualified))
	for _, idx := range old.Qualified {
		if staying[oldNames[idx]] {
			cohort = append(cohort, idx)
		}
	}
	if len(cohort) < oldThreshold {
		cohort = append([]int{}, old.Qualified...)
	}

	id := fmt.Sprintf("attest-%d", height)

	// A SignInvite may have already pulled this node into the session.
	m.mu.Lock()
	signing := m.signing
	m.mu.Unlock()

	if signing == nil || signing.ID() != id {
		var err error
		signing, err = dkg.NewSigningSession(id, newKey, old, cohort, m.logger)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.signing = signing
		backlog := m.backlog
		m.backlog = nil
		m.mu.Unlock()

		nonce, partial, err := signing.Start()
		if err != nil {
			return nil, err
		}

		env := &net.KeyGenRequest{
			From: m.trans.AdvertiseAddr(),
			SignInvite: &net.SignInvite{
				SessionID: id,
				Msg:       newKey,
				Cohort:    cohort,
				Addrs:     oldAddrs,
			},
			Nonces: []dkg.Nonce{nonce},
		}
		if partial != nil {
			env.Partials = []dkg.Partial{*partial}
		}
		for _, idx := range cohort {
			if idx == old.Index {
				continue
			}
			m.send(oldAddrs[idx], oldNames[idx], env)
		}

		for _, e := range backlog {
			m.HandleEnvelope(e)
		}
	}

	sig, err := m.waitSigning(signing, oldNames)
	if err != nil {
		return nil, err
	}

	// Hand the finished attestation to new elders without an outgoing share.
	link := keychain.Link{Key: newKey, Sig: sig}
	newNames := participantNames(newCohort)
	for idx, addr := range newAddrs {
		if addr == m.trans.AdvertiseAddr() {
			continue
		}
		m.send(addr, newNames[idx], &net.KeyGenRequest{
			From:     m.trans.AdvertiseAddr(),
			Attested: []keychain.Link{link},
		})
	}

	return sig, nil
}

// HandleEnvelope routes key-generation traffic to the active sessions.
// Envelopes arriving before a session is installed are buffered.
func (m *KeyGenManager) HandleEnvelope(cmd *net.KeyGenRequest) error {
	if cmd.Invite != nil {
		m.mu.Lock()
		enroll := m.session == nil || m.session.ID() != cmd.Invite.SessionID
		m.mu.Unlock()
		if enroll {
			m.joinSession(cmd.Invite)
		}
	}

	if cmd.SignInvite != nil {
		m.mu.Lock()
		enroll := m.signing == nil || m.signing.ID() != cmd.SignInvite.SessionID
		m.mu.Unlock()
		if enroll {
			m.joinSigning(cmd.SignInvite)
		}
	}

	m.mu.Lock()
	session := m.session
	signing := m.signing
	signerAddrs := m.signerAddrs
	signerNames := m.signerNames
	selfShareIdx := -1
	if m.outcome != nil {
		selfShareIdx = m.outcome.Index
	}
	for _, l := range cmd.Attested {
		m.attested[common.EncodeToString(l.Key)] = l.Sig
	}
	needsSession := len(cmd.Commitments) > 0 || len(cmd.Shares) > 0
	needsSigning := len(cmd.Nonces) > 0 || len(cmd.Partials) > 0
	if (needsSession && session == nil) || (needsSigning && signing == nil) {
		if len(m.backlog) < backlogLimit {
			m.backlog = append(m.backlog, cmd)
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, c := range cmd.Commitments {
		record(session.HandleCommitment(c))
	}
	for _, sh := range cmd.Shares {
		record(session.HandleShare(sh))
	}
	for _, nn := range cmd.Nonces {
		partial, err := signing.HandleNonce(nn)
		record(err)
		if partial != nil {
			// Our partial unlocked once the nonce set completed
			env := &net.KeyGenRequest{
				From:     m.trans.AdvertiseAddr(),
				Partials: []dkg.Partial{*partial},
			}
			for idx, addr := range signerAddrs {
				if idx == selfShareIdx {
					continue
				}
				m.send(addr, signerNames[idx], env)
			}
		}
	}
	for _, p := range cmd.Partials {
		record(signing.HandlePartial(p))
	}

	return firstErr
}

func (m *KeyGenManager) clearSession() {
	m.mu.Lock()
	m.session = nil
	m.signing = nil
	m.mu.Unlock()
}

// send delivers an envelope asynchronously. Failures count as a timeout
// against the recipient when its name is known.
func (m *KeyGenManager) send(addr string, to xor.Name, env *net.KeyGenRequest) {
	go func() {
		var resp net.KeyGenResponse
		if err := m.trans.KeyGen(addr, env, &resp); err != nil {
			m.logger.WithFields(logrus.Fields{
				"target": addr,
				"error":  err,
			}).Debug("KeyGen envelope not delivered")
			m.reportTimeout(to)
		}
	}()
}

// participantNames indexes a cohort's names by participant index.
func participantNames(participants []dkg.Participant) map[int]xor.Name {
	names := make(map[int]xor.Name, len(participants))
	for _, p := range participants {
		names[p.Index] = p.Name
	}
	return names
}

// waitKeyGen blocks until the session completes. Halfway through the budget
// it excludes participants that still owe a commitment or share, so the
// remaining cohort (when it stays at or above the threshold) can finish
// without them. Each exclusion counts as a timeout against the straggler.
func (m *KeyGenManager) waitKeyGen(session *dkg.Session, names map[int]xor.Name) (*dkg.Outcome, error) {
	deadline := time.Now().Add(m.timeout)
	excludeAt := time.Now().Add(m.timeout / 2)
	excluded := false
	for time.Now().Before(deadline) {
		switch session.CurrentState() {
		case dkg.Complete:
			return session.Outcome()
		case dkg.Aborted:
			return nil, dkg.ErrAborted
		}
		if !excluded && !time.Now().Before(excludeAt) {
			excluded = true
			for _, idx := range session.Pending() {
				m.logger.WithFields(logrus.Fields{
					"participant": idx,
					"peer":        names[idx].Short(),
				}).Warn("Key generation participant missed its deadline")
				m.reportTimeout(names[idx])
				if err := session.Exclude(idx, "timeout"); err == dkg.ErrAborted {
					return nil, dkg.ErrAborted
				}
			}
		}
		time.Sleep(keygenPollInterval)
	}
	return nil, fmt.Errorf("key generation timed out after %s", m.timeout)
}

func (m *KeyGenManager) waitSigning(signing *dkg.SigningSession, names map[int]xor.Name) ([]byte, error) {
	deadline := time.Now().Add(m.timeout)
	for time.Now().Before(deadline) {
		switch signing.CurrentState() {
		case dkg.SigComplete:
			return signing.Signature()
		case dkg.SigFailed:
			return nil, dkg.ErrSigningFailed
		}
		time.Sleep(keygenPollInterval)
	}
	// The cohort is fixed, so the session cannot shed stragglers; attribute
	// the failure before giving up.
	for _, idx := range signing.Pending() {
		m.reportTimeout(names[idx])
	}
	signing.Fail("timeout")
	return nil, fmt.Errorf("attestation signing timed out after %s", m.timeout)
}

func (m *KeyGenManager) waitAttested(chain *keychain.Chain, newKey []byte) ([]byte, error) {
	keyHex := common.EncodeToString(newKey)
	deadline := time.Now().Add(m.timeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		sig, ok := m.attested[keyHex]
		m.mu.Unlock()
		if ok {
			if !dkg.Verify(chain.Head(), newKey, sig) {
				return nil, keychain.ErrInvalidProof
			}
			return sig, nil
		}
		time.Sleep(keygenPollInterval)
	}
	return nil, fmt.Errorf("no attestation received within %s", m.timeout)
}
