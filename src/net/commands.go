package net

import (
	"github.com/xornet/sectord/src/dkg"
	"github.com/xornet/sectord/src/keychain"
	"github.com/xornet/sectord/src/membership"
)

// VoteRequest carries an elder's vote together with the canonical serialized
// delta it endorses, so a receiver that has not seen the proposal yet can
// register it.
type VoteRequest struct {
	From  string
	Vote  membership.Vote
	Delta []byte
}

// VoteResponse acknowledges a vote. Accepted is false for stale or invalid
// votes.
type VoteResponse struct {
	From     string
	Accepted bool
}

// KeyGenInvite names a key-generation session and its full cohort, so a
// participant that is not driving a commit of its own (a freshly admitted
// elder, typically) can deal its polynomial too.
type KeyGenInvite struct {
	SessionID    string
	Height       int
	Threshold    int
	Participants []dkg.Participant
	Addrs        map[int]string
}

// SignInvite names an attestation signing session, the message under
// signature, and the cohort. It lets share holders that are leaving the
// elder set contribute their partial anyway: without it a shrinking section
// could fall below the outgoing key's threshold.
type SignInvite struct {
	SessionID string
	Msg       []byte
	Cohort    []int
	Addrs     map[int]string
}

// KeyGenRequest is the envelope for key-generation and threshold-signing
// traffic. Attested carries a finished rotation (new key plus its threshold
// attestation) to elders that hold no share of the outgoing key.
type KeyGenRequest struct {
	From        string
	Invite      *KeyGenInvite
	SignInvite  *SignInvite
	Commitments []dkg.Commitment
	Shares      []dkg.Share
	Nonces      []dkg.Nonce
	Partials    []dkg.Partial
	Attested    []keychain.Link
}

// KeyGenResponse acknowledges a key-generation envelope.
type KeyGenResponse struct {
	From     string
	Accepted bool
}

// SectionInfoRequest asks a peer for its section view, for catch-up after a
// restart or when joining. FromHeight is the requester's last known height.
type SectionInfoRequest struct {
	From       string
	FromHeight int
}

// SectionInfoResponse returns the responder's committed state and the chain
// links proving its key lineage, verifiable against the requester's trusted
// chain.
type SectionInfoResponse struct {
	From       string
	State      []byte // serialized membership.State
	ChainLinks []keychain.Link
	BaseHeight int
}

// JoinRequest asks the section to admit a peer.
type JoinRequest struct {
	Peer membership.Peer
}

// JoinResponse reports whether an admission proposal was started and tells
// the joiner where the section lives.
type JoinResponse struct {
	From     string
	Accepted bool
	Prefix   string
	Elders   []membership.Peer
}
