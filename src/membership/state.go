package membership

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ugorji/go/codec"

	"github.com/xornet/sectord/src/xor"
)

// State is the authoritative section snapshot at one committed height. It is
// immutable: applying a delta produces a fresh State, and published copies
// are never written to again.
type State struct {
	Prefix    xor.Prefix
	Members   map[xor.Name]Member
	Elders    []xor.Name // ordered, oldest first
	ChainHead []byte
	Height    int
}

// NewGenesisState bootstraps a section from its founding members. The
// founders are admitted at height 0 and the elder set is derived from them.
func NewGenesisState(prefix xor.Prefix, founders []Peer, chainHead []byte, elderCount int) *State {
	members := make(map[xor.Name]Member, len(founders))
	for _, p := range founders {
		members[p.Name] = Member{Peer: p, Status: Joined, Admission: 0}
	}
	s := &State{
		Prefix:    prefix,
		Members:   members,
		ChainHead: append([]byte{}, chainHead...),
		Height:    0,
	}
	s.Elders = computeElders(s.Members, prefix, elderCount)
	return s
}

// clone returns a deep copy whose member map can be mutated freely.
func (s *State) clone() *State {
	members := make(map[xor.Name]Member, len(s.Members))
	for k, v := range s.Members {
		members[k] = v
	}
	return &State{
		Prefix:    s.Prefix,
		Members:   members,
		Elders:    append([]xor.Name{}, s.Elders...),
		ChainHead: append([]byte{}, s.ChainHead...),
		Height:    s.Height,
	}
}

// JoinedCount returns the number of members with status Joined.
func (s *State) JoinedCount() int {
	n := 0
	for _, m := range s.Members {
		if m.Status == Joined {
			n++
		}
	}
	return n
}

// IsElder reports whether name is in the current elder set.
func (s *State) IsElder(name xor.Name) bool {
	for _, e := range s.Elders {
		if e == name {
			return true
		}
	}
	return false
}

// ElderPeers returns the elder set as peer records, in elder order.
func (s *State) ElderPeers() []Peer {
	out := make([]Peer, 0, len(s.Elders))
	for _, name := range s.Elders {
		if m, ok := s.Members[name]; ok {
			out = append(out, m.Peer)
		}
	}
	return out
}

// computeElders selects the elderCount oldest Joined members: lowest
// admission height first, ties broken by XOR distance to the prefix base so
// all correct nodes derive the same ordered set from the same member map.
func computeElders(members map[xor.Name]Member, prefix xor.Prefix, elderCount int) []xor.Name {
	base := prefix.BaseName()

	eligible := []Member{}
	for _, m := range members {
		if m.Status == Joined {
			eligible = append(eligible, m)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Admission != eligible[j].Admission {
			return eligible[i].Admission < eligible[j].Admission
		}
		return xor.CompareDistance(base, eligible[i].Peer.Name, eligible[j].Peer.Name) < 0
	})

	if elderCount > len(eligible) {
		elderCount = len(eligible)
	}
	out := make([]xor.Name, elderCount)
	for i := 0; i < elderCount; i++ {
		out[i] = eligible[i].Peer.Name
	}
	return out
}

// sameElders reports whether two elder sets are identical, order included.
func sameElders(a, b []xor.Name) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// apply produces the successor state for a committed delta. It never mutates
// the receiver. The elder set is recomputed; ChainHead is left for the
// caller to update after key rotation.
func (s *State) apply(d Delta, height int, elderCount int, localName xor.Name) (*State, error) {
	next := s.clone()
	next.Height = height

	switch d.Kind {
	case AddMember:
		if !s.Prefix.Matches(d.Peer.Name) {
			return nil, fmt.Errorf("%w: member %s outside prefix %q",
				ErrInvalidProof, d.Peer.Name.Short(), s.Prefix.String())
		}
		if m, ok := next.Members[d.Peer.Name]; ok && m.Status == Joined {
			return nil, fmt.Errorf("%w: %s is already a member",
				ErrInvalidProof, d.Peer.Name.Short())
		}
		// Re-joins start a fresh record; prior history carries no weight.
		next.Members[d.Peer.Name] = Member{Peer: *d.Peer, Status: Joined, Admission: height}

	case RemoveMember:
		m, ok := next.Members[d.Peer.Name]
		if !ok || m.Status == Left {
			return nil, fmt.Errorf("%w: %s is not a member",
				ErrInvalidProof, d.Peer.Name.Short())
		}
		m.Status = d.Removal
		next.Members[d.Peer.Name] = m

	case Split:
		// Keep the child this node belongs to; the sibling's members are the
		// other child's concern.
		child := s.Prefix.Child(localName.Bit(s.Prefix.BitLen()))
		sibling := child.Sibling()
		if !xor.IsPartition(s.Prefix, []xor.Prefix{child, sibling}) {
			return nil, fmt.Errorf("%w: split children do not partition %q",
				ErrInvariantViolation, s.Prefix.String())
		}
		next.Prefix = child
		for name := range next.Members {
			if !child.Matches(name) {
				delete(next.Members, name)
			}
		}

	case Merge:
		if s.Prefix.BitLen() == 0 {
			return nil, fmt.Errorf("%w: root section cannot merge", ErrInvariantViolation)
		}
		sibling := s.Prefix.Sibling()
		parent := s.Prefix.Parent()
		if !xor.IsPartition(parent, []xor.Prefix{s.Prefix, sibling}) {
			return nil, fmt.Errorf("%w: %q and %q do not partition %q",
				ErrInvariantViolation, s.Prefix.String(), sibling.String(), parent.String())
		}
		for _, m := range d.SiblingMembers {
			if !sibling.Matches(m.Peer.Name) {
				return nil, fmt.Errorf("%w: merge member %s outside sibling prefix %q",
					ErrInvariantViolation, m.Peer.Name.Short(), sibling.String())
			}
		}
		next.Prefix = s.Prefix.Parent()
		for _, m := range d.SiblingMembers {
			if _, ok := next.Members[m.Peer.Name]; !ok {
				next.Members[m.Peer.Name] = m
			}
		}
	}

	next.Elders = computeElders(next.Members, next.Prefix, elderCount)
	return next, nil
}

// stateWire is the persisted form of a State. The member map flattens to a
// slice sorted by name so the canonical codec produces stable bytes.
type stateWire struct {
	Prefix    string
	Members   []Member
	Elders    []xor.Name
	ChainHead []byte
	Height    int
}

// Marshal serializes the state with the canonical codec used for all
// persisted records.
func (s *State) Marshal() ([]byte, error) {
	members := make([]Member, 0, len(s.Members))
	for _, m := range s.Members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		return bytes.Compare(members[i].Peer.Name[:], members[j].Peer.Name[:]) < 0
	})

	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	err := enc.Encode(stateWire{
		Prefix:    s.Prefix.String(),
		Members:   members,
		Elders:    s.Elders,
		ChainHead: s.ChainHead,
		Height:    s.Height,
	})
	if err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// UnmarshalState rebuilds a state from its serialized form.
func UnmarshalState(data []byte) (*State, error) {
	var w stateWire

	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bytes.NewBuffer(data), jh)

	if err := dec.Decode(&w); err != nil {
		return nil, err
	}

	prefix, ok := xor.ParsePrefix(w.Prefix)
	if !ok {
		return nil, fmt.Errorf("%w: bad prefix %q", ErrInvariantViolation, w.Prefix)
	}

	members := make(map[xor.Name]Member, len(w.Members))
	for _, m := range w.Members {
		members[m.Peer.Name] = m
	}
	return &State{
		Prefix:    prefix,
		Members:   members,
		Elders:    w.Elders,
		ChainHead: w.ChainHead,
		Height:    w.Height,
	}, nil
}
