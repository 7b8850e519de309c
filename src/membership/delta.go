package membership

import (
	"bytes"
	"fmt"

	"github.com/ugorji/go/codec"

	"github.com/xornet/sectord/src/crypto"
)

// DeltaKind discriminates the closed set of membership changes.
type DeltaKind uint8

const (
	// AddMember admits a new peer with status Joined.
	AddMember DeltaKind = iota
	// RemoveMember moves a member to Leaving or Left.
	RemoveMember
	// Split partitions the section's prefix by one bit.
	Split
	// Merge unions the section with its sibling under the parent prefix.
	Merge
)

func (k DeltaKind) String() string {
	switch k {
	case AddMember:
		return "add-member"
	case RemoveMember:
		return "remove-member"
	case Split:
		return "split"
	case Merge:
		return "merge"
	default:
		return "unknown"
	}
}

// Delta is a proposed membership change. Quorum is counted over the
// byte-identical serialized form, so Marshal must be canonical: two elders
// proposing the same semantic change produce the same bytes.
type Delta struct {
	Kind DeltaKind

	// Peer is the subject of AddMember and RemoveMember.
	Peer *Peer `codec:",omitempty"`

	// Removal is the target status of a RemoveMember: Leaving for the first
	// stage of a graceful departure, Left for eviction or final removal.
	Removal MemberStatus `codec:",omitempty"`

	// SiblingMembers carries the sibling section's member records for a
	// Merge. Split needs no payload: the partition bit is implied by the
	// current prefix.
	SiblingMembers []Member `codec:",omitempty"`
}

// NewAddMember returns a delta admitting peer.
func NewAddMember(peer Peer) Delta {
	return Delta{Kind: AddMember, Peer: &peer}
}

// NewRemoveMember returns a delta moving the named member to status.
func NewRemoveMember(peer Peer, status MemberStatus) Delta {
	return Delta{Kind: RemoveMember, Peer: &peer, Removal: status}
}

// NewSplit returns a delta partitioning the section by one prefix bit.
func NewSplit() Delta {
	return Delta{Kind: Split}
}

// NewMerge returns a delta absorbing the sibling section's members.
func NewMerge(siblingMembers []Member) Delta {
	return Delta{Kind: Merge, SiblingMembers: siblingMembers}
}

// Marshal returns the canonical serialized form of the delta.
func (d Delta) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// UnmarshalDelta decodes a delta from its canonical serialized form.
func UnmarshalDelta(data []byte) (Delta, error) {
	var d Delta

	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bytes.NewBuffer(data), jh)

	if err := dec.Decode(&d); err != nil {
		return Delta{}, err
	}
	return d, nil
}

// Hash returns the SHA256 of the canonical serialization. Votes reference
// deltas by this hash.
func (d Delta) Hash() ([]byte, error) {
	data, err := d.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(data), nil
}

// validate performs structural checks that do not depend on section state.
func (d Delta) validate() error {
	switch d.Kind {
	case AddMember:
		if d.Peer == nil || len(d.Peer.PubKey) == 0 {
			return fmt.Errorf("%w: add-member without peer identity", ErrInvalidProof)
		}
	case RemoveMember:
		if d.Peer == nil {
			return fmt.Errorf("%w: remove-member without peer", ErrInvalidProof)
		}
		if d.Removal != Leaving && d.Removal != Left {
			return fmt.Errorf("%w: remove-member with status %s", ErrInvalidProof, d.Removal)
		}
	case Split, Merge:
	default:
		return fmt.Errorf("%w: unknown delta kind %d", ErrInvalidProof, d.Kind)
	}
	return nil
}
