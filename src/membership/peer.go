package membership

import (
	"github.com/xornet/sectord/src/xor"
)

// MemberStatus is a member's lifecycle stage within the section.
type MemberStatus uint8

const (
	// Joined: a full member, counted toward section size and elder
	// eligibility.
	Joined MemberStatus = iota
	// Leaving: a graceful departure has committed; the member is excluded
	// from elder eligibility but its record is retained until the final
	// removal commits.
	Leaving
	// Left: removed. The record is retained for history but the peer is not
	// a member.
	Left
)

func (s MemberStatus) String() string {
	switch s {
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	case Left:
		return "left"
	default:
		return "unknown"
	}
}

// Peer is a node's identity: its XOR name, reachable address, and the
// identity public key its votes and messages are signed with. Immutable once
// admitted.
type Peer struct {
	Name   xor.Name
	Addr   string
	PubKey []byte
}

// Member is a peer's record within a section.
type Member struct {
	Peer      Peer
	Status    MemberStatus
	Admission int // height at which the peer was admitted
}
