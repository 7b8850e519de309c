package membership

import "errors"

var (
	// ErrInvalidProof is returned when a vote signature fails verification,
	// the voter is not an elder, or an elder equivocates. The sender deserves
	// a dysfunction signal.
	ErrInvalidProof = errors.New("membership: invalid proof")

	// ErrStaleProposal is returned for votes on superseded or already
	// committed deltas. Safe to drop silently.
	ErrStaleProposal = errors.New("membership: stale proposal")

	// ErrQuorumTimeout is returned when a height fails to reach quorum within
	// the deadline after the bounded number of retries.
	ErrQuorumTimeout = errors.New("membership: quorum timeout")

	// ErrKeyGenAborted is returned when the key rotation following an elder
	// change fails. The commit is held until a retry succeeds.
	ErrKeyGenAborted = errors.New("membership: key generation aborted")

	// ErrInvariantViolation indicates an internal consistency fault, such as
	// a split that does not partition the prefix. The consensus loop halts.
	ErrInvariantViolation = errors.New("membership: invariant violation")

	// ErrSuspended is returned by all operations after an invariant
	// violation has halted the state machine.
	ErrSuspended = errors.New("membership: consensus suspended")

	// ErrSplitDeferred is returned when a split would produce a child below
	// the minimum section size. Recheck after the next membership change.
	ErrSplitDeferred = errors.New("membership: split deferred, child below minimum size")
)
