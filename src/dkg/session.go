package dkg

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec"
	"github.com/sirupsen/logrus"

	"github.com/xornet/sectord/src/crypto/keys"
	"github.com/xornet/sectord/src/xor"
)

// State captures the lifecycle of a key-generation session.
type State uint32

const (
	// Committing: waiting for dealer commitments from every participant.
	Committing State = iota
	// Verifying: all commitments received; waiting for, and verifying, shares.
	Verifying
	// Complete: every qualified participant's share verified; outcome ready.
	Complete
	// Aborted: too few qualified participants remain to reach the threshold.
	Aborted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Committing:
		return "Committing"
	case Verifying:
		return "Verifying"
	case Complete:
		return "Complete"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

var (
	// ErrAborted is returned when a session cannot reach its threshold with
	// the remaining qualified participants.
	ErrAborted = errors.New("dkg: session aborted")
	// ErrWrongState is returned when a message arrives in a state that cannot
	// process it.
	ErrWrongState = errors.New("dkg: wrong state")
	// ErrUnknownDealer is returned for messages from a non-participant.
	ErrUnknownDealer = errors.New("dkg: unknown dealer")
	// ErrInvalidShare is returned when a decrypted share does not verify
	// against the dealer's commitment. The dealer is excluded.
	ErrInvalidShare = errors.New("dkg: share does not match commitment")
)

// Participant identifies a member of a key-generation session. Indices are
// 1-based and must be unique within the session; index 0 is reserved for the
// group secret.
type Participant struct {
	Index  int
	Name   xor.Name
	PubKey []byte // uncompressed identity public key
}

// Commitment is a dealer's public commitment to its secret polynomial.
type Commitment struct {
	SessionID string
	Dealer    int
	Points    [][]byte
}

// Share carries an encrypted polynomial evaluation from a dealer to a single
// recipient.
type Share struct {
	SessionID string
	Dealer    int
	Recipient int
	Encrypted []byte
}

// Outcome is the product of a completed session. PublicShares holds the
// public counterpart of every qualified participant's secret share, which
// lets signing sessions verify partial signatures individually.
type Outcome struct {
	PublicKey    *btcec.PublicKey
	SecretShare  *big.Int
	Index        int
	Qualified    []int
	PublicShares map[int]*btcec.PublicKey
}

// GroupKeyBytes returns the compressed group public key.
func (o *Outcome) GroupKeyBytes() []byte {
	return compressPoint(o.PublicKey)
}

// Session runs one participant's view of a distributed key generation round.
// It is driven entirely by messages and explicit exclusion calls; timeouts
// live with the caller, which invokes Exclude when a peer misses its
// deadline.
type Session struct {
	mu sync.Mutex

	id        string
	state     State
	threshold int

	selfIndex    int
	priv         *ecdsa.PrivateKey
	participants map[int]Participant

	poly        *polynomial
	commitments map[int][][]byte
	shares      map[int]*big.Int
	pending     map[int]Share
	excluded    map[int]string

	logger *logrus.Entry
}

// NewSession creates a session for the given participant set. The caller's
// own entry must be present in participants.
func NewSession(
	id string,
	threshold int,
	selfIndex int,
	priv *ecdsa.PrivateKey,
	participants []Participant,
	logger *logrus.Entry,
) (*Session, error) {

	if threshold < 1 || threshold > len(participants) {
		return nil, fmt.Errorf("dkg: threshold %d out of range for %d participants", threshold, len(participants))
	}

	byIndex := make(map[int]Participant, len(participants))
	for _, p := range participants {
		if p.Index < 1 {
			return nil, fmt.Errorf("dkg: participant index %d must be >= 1", p.Index)
		}
		if _, dup := byIndex[p.Index]; dup {
			return nil, fmt.Errorf("dkg: duplicate participant index %d", p.Index)
		}
		byIndex[p.Index] = p
	}
	if _, ok := byIndex[selfIndex]; !ok {
		return nil, fmt.Errorf("dkg: self index %d not in participant set", selfIndex)
	}

	return &Session{
		id:           id,
		state:        Committing,
		threshold:    threshold,
		selfIndex:    selfIndex,
		priv:         priv,
		participants: byIndex,
		commitments:  make(map[int][][]byte),
		shares:       make(map[int]*big.Int),
		pending:      make(map[int]Share),
		excluded:     make(map[int]string),
		logger:       logger.WithField("dkg_session", id),
	}, nil
}

// Start deals this participant's polynomial. It returns the commitment to
// broadcast and one encrypted share per other participant. The local share
// is applied directly.
func (s *Session) Start() (Commitment, []Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Committing {
		return Commitment{}, nil, ErrWrongState
	}
	if s.poly != nil {
		return Commitment{}, nil, fmt.Errorf("dkg: session already started")
	}

	poly, err := newPolynomial(s.threshold)
	if err != nil {
		return Commitment{}, nil, err
	}
	s.poly = poly

	commitment := Commitment{
		SessionID: s.id,
		Dealer:    s.selfIndex,
		Points:    poly.commitment(),
	}

	shares := []Share{}
	for idx, p := range s.participants {
		if idx == s.selfIndex {
			continue
		}
		pub := keys.ToPublicKey(p.PubKey)
		if pub == nil {
			return Commitment{}, nil, fmt.Errorf("dkg: participant %d has an unparsable public key", idx)
		}
		enc, err := encryptShare(s.priv, pub, keys.PaddedBigBytes(poly.evaluate(idx), 32))
		if err != nil {
			return Commitment{}, nil, err
		}
		shares = append(shares, Share{
			SessionID: s.id,
			Dealer:    s.selfIndex,
			Recipient: idx,
			Encrypted: enc,
		})
	}

	// Self-deal: commitment and share are accepted without a round trip.
	s.commitments[s.selfIndex] = commitment.Points
	s.shares[s.selfIndex] = poly.evaluate(s.selfIndex)
	s.advanceLocked()

	return commitment, shares, nil
}

// HandleCommitment processes a dealer's broadcast commitment.
func (s *Session) HandleCommitment(c Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Complete || s.state == Aborted {
		return ErrWrongState
	}
	if c.SessionID != s.id {
		return fmt.Errorf("dkg: commitment for session %q, want %q", c.SessionID, s.id)
	}
	if _, ok := s.participants[c.Dealer]; !ok {
		return ErrUnknownDealer
	}
	if _, ok := s.excluded[c.Dealer]; ok {
		return nil // already out, drop silently
	}
	if len(c.Points) != s.threshold {
		s.excludeLocked(c.Dealer, "malformed commitment")
		return ErrInvalidShare
	}
	if _, ok := s.commitments[c.Dealer]; ok {
		return nil // duplicate broadcast, idempotent
	}

	s.commitments[c.Dealer] = c.Points
	s.logger.WithFields(logrus.Fields{
		"dealer": c.Dealer,
		"have":   len(s.commitments),
	}).Debug("DKG commitment accepted")

	// A share may have arrived before its commitment.
	if sh, ok := s.pending[c.Dealer]; ok {
		delete(s.pending, c.Dealer)
		if err := s.acceptShareLocked(sh); err != nil {
			return err
		}
	}

	s.advanceLocked()
	return nil
}

// HandleShare processes an encrypted share addressed to this participant.
func (s *Session) HandleShare(sh Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Complete || s.state == Aborted {
		return ErrWrongState
	}
	if sh.SessionID != s.id {
		return fmt.Errorf("dkg: share for session %q, want %q", sh.SessionID, s.id)
	}
	if sh.Recipient != s.selfIndex {
		return fmt.Errorf("dkg: share addressed to %d, not us (%d)", sh.Recipient, s.selfIndex)
	}
	if _, ok := s.participants[sh.Dealer]; !ok {
		return ErrUnknownDealer
	}
	if _, ok := s.excluded[sh.Dealer]; ok {
		return nil
	}

	if _, ok := s.commitments[sh.Dealer]; !ok {
		// Buffer until the dealer's commitment arrives.
		s.pending[sh.Dealer] = sh
		return nil
	}

	if err := s.acceptShareLocked(sh); err != nil {
		return err
	}

	s.advanceLocked()
	return nil
}

// acceptShareLocked decrypts and verifies a share whose commitment is known.
func (s *Session) acceptShareLocked(sh Share) error {
	if _, ok := s.shares[sh.Dealer]; ok {
		return nil // duplicate, idempotent
	}

	dealer := s.participants[sh.Dealer]
	pub := keys.ToPublicKey(dealer.PubKey)
	if pub == nil {
		s.excludeLocked(sh.Dealer, "unparsable identity key")
		return ErrInvalidShare
	}

	plain, err := decryptShare(s.priv, pub, sh.Encrypted)
	if err != nil {
		s.excludeLocked(sh.Dealer, "undecryptable share")
		return ErrInvalidShare
	}

	value := new(big.Int).SetBytes(plain)
	ok, err := verifyShare(value, s.selfIndex, s.commitments[sh.Dealer])
	if err != nil || !ok {
		s.excludeLocked(sh.Dealer, "share does not match commitment")
		return ErrInvalidShare
	}

	s.shares[sh.Dealer] = value
	s.logger.WithFields(logrus.Fields{
		"dealer": sh.Dealer,
		"have":   len(s.shares),
	}).Debug("DKG share verified")
	return nil
}

// Exclude removes a participant from the session, typically on timeout. If
// the remaining qualified set drops below the threshold the session aborts
// and ErrAborted is returned.
func (s *Session) Exclude(index int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Complete || s.state == Aborted {
		return ErrWrongState
	}
	if _, ok := s.participants[index]; !ok {
		return ErrUnknownDealer
	}
	if index == s.selfIndex {
		return fmt.Errorf("dkg: cannot exclude self")
	}

	s.excludeLocked(index, reason)
	if s.state != Aborted {
		s.advanceLocked()
	}
	if s.state == Aborted {
		return ErrAborted
	}
	return nil
}

func (s *Session) excludeLocked(index int, reason string) {
	if _, ok := s.excluded[index]; ok {
		return
	}

	s.excluded[index] = reason
	delete(s.commitments, index)
	delete(s.shares, index)
	delete(s.pending, index)

	s.logger.WithFields(logrus.Fields{
		"participant": index,
		"reason":      reason,
		"remaining":   len(s.participants) - len(s.excluded),
	}).Warn("DKG participant excluded")

	if len(s.participants)-len(s.excluded) < s.threshold {
		s.state = Aborted
		s.logger.Error("DKG aborted: qualified set below threshold")
	}
}

// advanceLocked moves the state machine forward when the current round's
// inputs are complete.
func (s *Session) advanceLocked() {
	qualified := len(s.participants) - len(s.excluded)

	if s.state == Committing && len(s.commitments) == qualified && s.poly != nil {
		s.state = Verifying
	}
	if s.state == Verifying && len(s.shares) == qualified {
		s.state = Complete
		s.logger.WithField("qualified", qualified).Debug("DKG complete")
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// CurrentState returns the session state.
func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Qualified returns the sorted indices of non-excluded participants.
func (s *Session) Qualified() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qualifiedLocked()
}

func (s *Session) qualifiedLocked() []int {
	out := []int{}
	for idx := range s.participants {
		if _, ok := s.excluded[idx]; !ok {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

// Pending returns the sorted indices of participants the session is still
// waiting on: commitment not yet received, or share not yet verified. The
// caller applies its per-participant deadlines through Exclude.
func (s *Session) Pending() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []int{}
	for idx := range s.participants {
		if idx == s.selfIndex {
			continue
		}
		if _, ok := s.excluded[idx]; ok {
			continue
		}
		_, committed := s.commitments[idx]
		_, shared := s.shares[idx]
		if !committed || !shared {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

// Outcome returns the group key and this participant's secret share. It is
// only available in the Complete state.
func (s *Session) Outcome() (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Aborted:
		return nil, ErrAborted
	case Complete:
	default:
		return nil, ErrWrongState
	}

	order := keys.GroupOrder()
	qualified := s.qualifiedLocked()

	var groupKey *btcec.PublicKey
	share := new(big.Int)
	for _, idx := range qualified {
		constant, err := parsePoint(s.commitments[idx][0])
		if err != nil {
			return nil, err
		}
		groupKey = addPoints(groupKey, constant)
		share.Add(share, s.shares[idx])
	}
	share.Mod(share, order)

	publicShares := make(map[int]*btcec.PublicKey, len(qualified))
	for _, holder := range qualified {
		var p *btcec.PublicKey
		for _, dealer := range qualified {
			dp, err := evalCommitment(s.commitments[dealer], holder)
			if err != nil {
				return nil, err
			}
			p = addPoints(p, dp)
		}
		publicShares[holder] = p
	}

	return &Outcome{
		PublicKey:    groupKey,
		SecretShare:  share,
		Index:        s.selfIndex,
		Qualified:    qualified,
		PublicShares: publicShares,
	}, nil
}
