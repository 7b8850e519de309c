package membership

import (
	"testing"

	"github.com/xornet/sectord/src/xor"
)

func memberAt(name xor.Name, status MemberStatus, admission int) Member {
	return Member{
		Peer:      Peer{Name: name, PubKey: []byte{1}},
		Status:    status,
		Admission: admission,
	}
}

func TestEldersAreOldestMembers(t *testing.T) {
	members := map[xor.Name]Member{}

	young := nameWithByte(0x01, 0)
	old1 := nameWithByte(0x02, 0)
	old2 := nameWithByte(0x03, 0)
	oldest := nameWithByte(0x04, 0)

	members[young] = memberAt(young, Joined, 9)
	members[old1] = memberAt(old1, Joined, 3)
	members[old2] = memberAt(old2, Joined, 3)
	members[oldest] = memberAt(oldest, Joined, 1)

	elders := computeElders(members, xor.Prefix{}, 3)
	if len(elders) != 3 {
		t.Fatalf("expected 3 elders, got %d", len(elders))
	}
	if elders[0] != oldest {
		t.Fatal("the oldest member leads the elder set")
	}
	// Equal admission heights break ties by distance to the prefix base
	// (zero name), which for these names is raw value order.
	if elders[1] != old1 || elders[2] != old2 {
		t.Fatalf("tie-break order wrong: %v", elders)
	}
}

func TestLeavingAndLeftMembersAreNotElders(t *testing.T) {
	members := map[xor.Name]Member{}

	a := nameWithByte(0x01, 0)
	b := nameWithByte(0x02, 0)
	c := nameWithByte(0x03, 0)

	members[a] = memberAt(a, Left, 0)
	members[b] = memberAt(b, Leaving, 1)
	members[c] = memberAt(c, Joined, 2)

	elders := computeElders(members, xor.Prefix{}, 3)
	if len(elders) != 1 || elders[0] != c {
		t.Fatalf("only joined members are elder-eligible, got %v", elders)
	}
}

func TestApplyRejectsJoinOutsidePrefix(t *testing.T) {
	prefix, _ := xor.ParsePrefix("0")
	founders := []Peer{{Name: nameWithByte(0x01, 0), PubKey: []byte{1}}}
	s := NewGenesisState(prefix, founders, []byte{0xAA}, 7)

	// First bit set: the name lives under "1".
	d := NewAddMember(Peer{Name: nameWithByte(0x81, 0), PubKey: []byte{2}})
	if _, err := s.apply(d, 1, 7, founders[0].Name); err == nil {
		t.Fatal("join outside the section prefix must be rejected")
	}
}

func TestApplyIsCopyOnWrite(t *testing.T) {
	founders := []Peer{{Name: nameWithByte(0x01, 0), PubKey: []byte{1}}}
	s := NewGenesisState(xor.Prefix{}, founders, []byte{0xAA}, 7)

	d := NewAddMember(Peer{Name: nameWithByte(0x02, 0), PubKey: []byte{2}})
	next, err := s.apply(d, 1, 7, founders[0].Name)
	if err != nil {
		t.Fatal(err)
	}

	if len(s.Members) != 1 {
		t.Fatal("apply must not mutate the source state")
	}
	if len(next.Members) != 2 || next.Height != 1 {
		t.Fatal("successor state incomplete")
	}
}

func TestGracefulLeaveInTwoStages(t *testing.T) {
	founders := []Peer{
		{Name: nameWithByte(0x01, 0), PubKey: []byte{1}},
		{Name: nameWithByte(0x02, 0), PubKey: []byte{2}},
	}
	s := NewGenesisState(xor.Prefix{}, founders, []byte{0xAA}, 7)

	leaver := founders[1]

	mid, err := s.apply(NewRemoveMember(leaver, Leaving), 1, 7, founders[0].Name)
	if err != nil {
		t.Fatal(err)
	}
	if mid.Members[leaver.Name].Status != Leaving {
		t.Fatal("first stage should mark the member Leaving")
	}
	if mid.IsElder(leaver.Name) {
		t.Fatal("a leaving member loses elder eligibility")
	}

	final, err := mid.apply(NewRemoveMember(leaver, Left), 2, 7, founders[0].Name)
	if err != nil {
		t.Fatal(err)
	}
	if final.Members[leaver.Name].Status != Left {
		t.Fatal("second stage should finalize the removal")
	}
	if final.JoinedCount() != 1 {
		t.Fatalf("expected 1 joined member, got %d", final.JoinedCount())
	}
}
