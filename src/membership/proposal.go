package membership

// ProposalStatus tracks a proposal through its lifecycle at one height.
type ProposalStatus uint8

const (
	// Open: collecting votes.
	Open ProposalStatus = iota
	// Quorate: at least t valid votes for this delta; awaiting commit (the
	// preceding height may still be in flight, or a rival may win the
	// tie-break).
	Quorate
	// Committed: the delta was applied. Terminal.
	Committed
	// Superseded: a rival delta at the same height committed first. Terminal.
	Superseded
)

func (s ProposalStatus) String() string {
	switch s {
	case Open:
		return "open"
	case Quorate:
		return "quorate"
	case Committed:
		return "committed"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// proposal is one candidate delta at one height, keyed by delta hash.
type proposal struct {
	height int
	delta  Delta
	hash   []byte
	votes  map[string]Vote // voter name hex -> vote
	status ProposalStatus
}

func newProposal(height int, d Delta, hash []byte) *proposal {
	return &proposal{
		height: height,
		delta:  d,
		hash:   hash,
		votes:  make(map[string]Vote),
		status: Open,
	}
}
