package dkg

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/btcec"
	"github.com/sirupsen/logrus"

	"github.com/xornet/sectord/src/crypto"
	"github.com/xornet/sectord/src/crypto/keys"
)

/*
Threshold Schnorr signatures. A signing cohort of at least t share holders
exchanges nonce commitments, aggregates them into a single nonce point R,
and then each signer publishes a partial signature

	z_i = k_i + e * lambda_i(S) * s_i  (mod N)

where e = H(R || P || m) and lambda_i(S) is the Lagrange coefficient of the
signer's index within the cohort, evaluated at zero. The sum z of the
partials satisfies z*G == R + e*P, which is the whole verification equation:
a verifier needs only the group public key.
*/

// SignatureLen is the byte length of a serialized threshold signature:
// a compressed nonce point followed by a 32-byte scalar.
const SignatureLen = 33 + 32

var (
	// ErrSigningFailed is returned when a signing session cannot assemble a
	// valid signature from the collected partials.
	ErrSigningFailed = errors.New("dkg: signing session failed")
	// ErrInvalidPartial is returned when a partial signature does not verify
	// against the signer's public share.
	ErrInvalidPartial = errors.New("dkg: invalid partial signature")
)

// Signature is a Schnorr signature under a group public key.
type Signature struct {
	R *btcec.PublicKey
	Z *big.Int
}

// Bytes serializes the signature.
func (sig Signature) Bytes() []byte {
	out := make([]byte, 0, SignatureLen)
	out = append(out, compressPoint(sig.R)...)
	out = append(out, keys.PaddedBigBytes(sig.Z, 32)...)
	return out
}

// ParseSignature deserializes a signature produced by Bytes.
func ParseSignature(b []byte) (Signature, error) {
	if len(b) != SignatureLen {
		return Signature{}, fmt.Errorf("dkg: signature must be %d bytes, got %d", SignatureLen, len(b))
	}
	r, err := parsePoint(b[:33])
	if err != nil {
		return Signature{}, err
	}
	return Signature{R: r, Z: new(big.Int).SetBytes(b[33:])}, nil
}

// challenge computes e = H(R || P || m) reduced mod N.
func challenge(r, groupKey *btcec.PublicKey, msg []byte) *big.Int {
	h := crypto.SHA256(append(append(compressPoint(r), compressPoint(groupKey)...), msg...))
	return new(big.Int).Mod(new(big.Int).SetBytes(h), keys.GroupOrder())
}

// lagrangeCoefficient computes the coefficient for index i within the signer
// cohort, interpolating at zero.
func lagrangeCoefficient(i int, cohort []int) (*big.Int, error) {
	order := keys.GroupOrder()
	num := big.NewInt(1)
	den := big.NewInt(1)

	for _, j := range cohort {
		if j == i {
			continue
		}
		num.Mul(num, big.NewInt(int64(j)))
		num.Mod(num, order)
		den.Mul(den, big.NewInt(int64(j-i)))
		den.Mod(den, order)
	}

	inv := new(big.Int).ModInverse(den, order)
	if inv == nil {
		return nil, fmt.Errorf("dkg: degenerate signer cohort around index %d", i)
	}
	return num.Mul(num, inv).Mod(num, order), nil
}

// Verify checks a serialized signature over msg against a compressed group
// public key.
func Verify(groupKey, msg, sigBytes []byte) bool {
	pub, err := parsePoint(groupKey)
	if err != nil {
		return false
	}
	sig, err := ParseSignature(sigBytes)
	if err != nil {
		return false
	}

	e := challenge(sig.R, pub, msg)

	lhs := scalarBaseMult(sig.Z)
	rhs := addPoints(sig.R, scalarMult(pub, e))
	return lhs.X.Cmp(rhs.X) == 0 && lhs.Y.Cmp(rhs.Y) == 0
}

/* Signing session */

// SignState captures the lifecycle of a signing session.
type SignState uint32

const (
	// Noncing: collecting nonce commitments from the cohort.
	Noncing SignState = iota
	// Partialing: nonce aggregated; collecting partial signatures.
	Partialing
	// SigComplete: aggregate signature assembled and self-verified.
	SigComplete
	// SigFailed: a signer misbehaved or the aggregate did not verify.
	SigFailed
)

// String implements fmt.Stringer.
func (s SignState) String() string {
	switch s {
	case Noncing:
		return "Noncing"
	case Partialing:
		return "Partialing"
	case SigComplete:
		return "SigComplete"
	case SigFailed:
		return "SigFailed"
	default:
		return "Unknown"
	}
}

// Nonce is a signer's nonce commitment.
type Nonce struct {
	SessionID string
	Signer    int
	R         []byte
}

// Partial is a signer's partial signature.
type Partial struct {
	SessionID string
	Signer    int
	Z         []byte
}

// SigningSession runs one signer's view of a threshold signing round over a
// fixed cohort. Like the key-generation Session it is purely message-driven;
// the caller owns timeouts and calls Fail on expiry.
type SigningSession struct {
	mu sync.Mutex

	id      string
	state   SignState
	msg     []byte
	outcome *Outcome
	cohort  []int

	secretNonce *big.Int
	nonces      map[int]*btcec.PublicKey
	aggNonce    *btcec.PublicKey
	partials    map[int]*big.Int

	logger *logrus.Entry
}

// NewSigningSession creates a signing session for msg among the given cohort
// of share-holder indices. The cohort must contain the local index and at
// least threshold members; the caller picks it from the DKG outcome's
// qualified set.
func NewSigningSession(id string, msg []byte, outcome *Outcome, cohort []int, logger *logrus.Entry) (*SigningSession, error) {
	found := false
	for _, idx := range cohort {
		if _, ok := outcome.PublicShares[idx]; !ok {
			return nil, fmt.Errorf("dkg: cohort member %d has no public share", idx)
		}
		if idx == outcome.Index {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("dkg: local index %d not in signing cohort", outcome.Index)
	}

	return &SigningSession{
		id:       id,
		state:    Noncing,
		msg:      msg,
		outcome:  outcome,
		cohort:   append([]int{}, cohort...),
		nonces:   make(map[int]*btcec.PublicKey),
		partials: make(map[int]*big.Int),
		logger:   logger.WithField("sign_session", id),
	}, nil
}

// Start draws the local nonce and returns its commitment for broadcast. For
// a single-member cohort the local partial is produced immediately and
// returned alongside.
func (ss *SigningSession) Start() (Nonce, *Partial, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.state != Noncing || ss.secretNonce != nil {
		return Nonce{}, nil, ErrWrongState
	}

	k, err := rand.Int(rand.Reader, keys.GroupOrder())
	if err != nil {
		return Nonce{}, nil, err
	}
	ss.secretNonce = k

	r := scalarBaseMult(k)
	ss.nonces[ss.outcome.Index] = r

	nonce := Nonce{SessionID: ss.id, Signer: ss.outcome.Index, R: compressPoint(r)}

	partial, err := ss.maybeAdvanceLocked()
	if err != nil {
		return Nonce{}, nil, err
	}
	return nonce, partial, nil
}

// maybeAdvanceLocked aggregates nonces and produces the local partial once
// the cohort's nonce set is complete.
func (ss *SigningSession) maybeAdvanceLocked() (*Partial, error) {
	if ss.state != Noncing || len(ss.nonces) < len(ss.cohort) {
		return nil, nil
	}

	for _, idx := range ss.cohort {
		ss.aggNonce = addPoints(ss.aggNonce, ss.nonces[idx])
	}
	ss.state = Partialing

	z, err := ss.partialLocked()
	if err != nil {
		ss.state = SigFailed
		return nil, err
	}
	ss.partials[ss.outcome.Index] = z

	if len(ss.partials) == len(ss.cohort) {
		ss.state = SigComplete
	}

	return &Partial{
		SessionID: ss.id,
		Signer:    ss.outcome.Index,
		Z:         keys.PaddedBigBytes(z, 32),
	}, nil
}

// HandleNonce records a cohort member's nonce commitment. Once the cohort is
// complete it computes the local partial signature and returns it for
// broadcast; before that it returns nil.
func (ss *SigningSession) HandleNonce(n Nonce) (*Partial, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.state != Noncing {
		return nil, ErrWrongState
	}
	if n.SessionID != ss.id {
		return nil, fmt.Errorf("dkg: nonce for session %q, want %q", n.SessionID, ss.id)
	}
	if !ss.inCohort(n.Signer) {
		return nil, fmt.Errorf("dkg: signer %d not in cohort", n.Signer)
	}
	if _, ok := ss.nonces[n.Signer]; ok {
		return nil, nil // duplicate
	}

	r, err := parsePoint(n.R)
	if err != nil {
		ss.state = SigFailed
		return nil, fmt.Errorf("dkg: unparsable nonce from %d: %v", n.Signer, err)
	}
	ss.nonces[n.Signer] = r

	return ss.maybeAdvanceLocked()
}

// partialLocked computes z_i = k_i + e*lambda_i*s_i mod N.
func (ss *SigningSession) partialLocked() (*big.Int, error) {
	order := keys.GroupOrder()
	e := challenge(ss.aggNonce, ss.outcome.PublicKey, ss.msg)

	lambda, err := lagrangeCoefficient(ss.outcome.Index, ss.cohort)
	if err != nil {
		return nil, err
	}

	z := new(big.Int).Mul(e, lambda)
	z.Mul(z, ss.outcome.SecretShare)
	z.Add(z, ss.secretNonce)
	z.Mod(z, order)
	return z, nil
}

// HandlePartial records and verifies a cohort member's partial signature.
// An invalid partial fails the session and identifies the culprit in the
// returned error; the caller penalizes and retries with a different cohort.
func (ss *SigningSession) HandlePartial(p Partial) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.state != Partialing {
		return ErrWrongState
	}
	if p.SessionID != ss.id {
		return fmt.Errorf("dkg: partial for session %q, want %q", p.SessionID, ss.id)
	}
	if !ss.inCohort(p.Signer) {
		return fmt.Errorf("dkg: signer %d not in cohort", p.Signer)
	}
	if _, ok := ss.partials[p.Signer]; ok {
		return nil // duplicate
	}

	z := new(big.Int).SetBytes(p.Z)

	// Partial verification: z_i*G == R_i + e*lambda_i*P_i.
	e := challenge(ss.aggNonce, ss.outcome.PublicKey, ss.msg)
	lambda, err := lagrangeCoefficient(p.Signer, ss.cohort)
	if err != nil {
		return err
	}
	weight := new(big.Int).Mul(e, lambda)
	weight.Mod(weight, keys.GroupOrder())

	lhs := scalarBaseMult(z)
	rhs := addPoints(ss.nonces[p.Signer], scalarMult(ss.outcome.PublicShares[p.Signer], weight))
	if lhs.X.Cmp(rhs.X) != 0 || lhs.Y.Cmp(rhs.Y) != 0 {
		ss.logger.WithField("signer", p.Signer).Warn("Invalid partial signature")
		return fmt.Errorf("%w: signer %d", ErrInvalidPartial, p.Signer)
	}

	ss.partials[p.Signer] = z

	if len(ss.partials) == len(ss.cohort) {
		ss.state = SigComplete
	}
	return nil
}

// Signature assembles the aggregate signature. Only available once every
// cohort member's partial has been verified.
func (ss *SigningSession) Signature() ([]byte, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.state != SigComplete {
		return nil, ErrWrongState
	}

	z := new(big.Int)
	for _, idx := range ss.cohort {
		z.Add(z, ss.partials[idx])
	}
	z.Mod(z, keys.GroupOrder())

	sig := Signature{R: ss.aggNonce, Z: z}
	sigBytes := sig.Bytes()

	if !Verify(compressPoint(ss.outcome.PublicKey), ss.msg, sigBytes) {
		ss.state = SigFailed
		return nil, ErrSigningFailed
	}
	return sigBytes, nil
}

// Fail marks the session failed, typically on timeout.
func (ss *SigningSession) Fail(reason string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.state == SigComplete {
		return
	}
	ss.state = SigFailed
	ss.logger.WithField("reason", reason).Warn("Signing session failed")
}

// Pending returns the cohort members whose nonce or partial is still
// missing. The cohort is fixed, so a missing signer fails the session; the
// caller uses Pending to attribute the failure.
func (ss *SigningSession) Pending() []int {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	out := []int{}
	for _, idx := range ss.cohort {
		if idx == ss.outcome.Index {
			continue
		}
		_, nonced := ss.nonces[idx]
		_, partialed := ss.partials[idx]
		if !nonced || !partialed {
			out = append(out, idx)
		}
	}
	return out
}

// ID returns the session identifier.
func (ss *SigningSession) ID() string {
	return ss.id
}

// CurrentState returns the session state.
func (ss *SigningSession) CurrentState() SignState {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state
}

func (ss *SigningSession) inCohort(idx int) bool {
	for _, c := range ss.cohort {
		if c == idx {
			return true
		}
	}
	return false
}
