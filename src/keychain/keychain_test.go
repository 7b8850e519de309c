package keychain

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/xornet/sectord/src/common"
	"github.com/xornet/sectord/src/crypto/keys"
	"github.com/xornet/sectord/src/dkg"
	"github.com/xornet/sectord/src/xor"
)

// newSectionKey runs a single-participant key generation, which is the
// degenerate but legal ELDER_COUNT=1, t=1 case a brand new network starts
// from. It gives tests a group key that can produce real threshold
// signatures without a multi-node harness.
func newSectionKey(t *testing.T, id string) *dkg.Outcome {
	t.Helper()

	priv, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	pubBytes := keys.FromPublicKey(&priv.PublicKey)

	logger := common.NewTestLogger(t, logrus.ErrorLevel).WithField("prefix", "keychain_test")

	session, err := dkg.NewSession(id, 1, 1, priv, []dkg.Participant{
		{Index: 1, Name: xor.NameFromPubKey(pubBytes), PubKey: pubBytes},
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := session.Start(); err != nil {
		t.Fatal(err)
	}
	out, err := session.Outcome()
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func thresholdSign(t *testing.T, out *dkg.Outcome, msg []byte) []byte {
	t.Helper()

	logger := common.NewTestLogger(t, logrus.ErrorLevel).WithField("prefix", "keychain_test")

	ss, err := dkg.NewSigningSession("sign-"+string(msg[:3]), msg, out, []int{1}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := ss.Start(); err != nil {
		t.Fatal(err)
	}
	sig, err := ss.Signature()
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func TestAppendAdvancesHead(t *testing.T) {
	gen := newSectionKey(t, "gen-0")
	next := newSectionKey(t, "gen-1")

	chain := New(gen.GroupKeyBytes(), 1)

	sig := thresholdSign(t, gen, next.GroupKeyBytes())
	if err := chain.Append(next.GroupKeyBytes(), sig); err != nil {
		t.Fatal(err)
	}

	if string(chain.Head()) != string(next.GroupKeyBytes()) {
		t.Fatal("head should be the appended key")
	}
	if chain.Len() != 2 {
		t.Fatalf("expected 2 links, got %d", chain.Len())
	}
	if chain.HeadHeight() != 1 {
		t.Fatalf("expected head height 1, got %d", chain.HeadHeight())
	}
}

func TestAppendRejectsInvalidProof(t *testing.T) {
	gen := newSectionKey(t, "gen-0")
	next := newSectionKey(t, "gen-1")
	rogue := newSectionKey(t, "gen-2")

	chain := New(gen.GroupKeyBytes(), 1)

	// Attestation by a key that is not the chain head.
	sig := thresholdSign(t, rogue, next.GroupKeyBytes())
	if err := chain.Append(next.GroupKeyBytes(), sig); err != ErrInvalidProof {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}

	if chain.Len() != 1 {
		t.Fatal("a rejected append must leave the chain unchanged")
	}
}

func TestVerifyAgainstSupersededKey(t *testing.T) {
	gen := newSectionKey(t, "gen-0")
	next := newSectionKey(t, "gen-1")

	chain := New(gen.GroupKeyBytes(), 1)
	if err := chain.Append(next.GroupKeyBytes(), thresholdSign(t, gen, next.GroupKeyBytes())); err != nil {
		t.Fatal(err)
	}

	// A message signed before the rotation must remain verifiable.
	msg := []byte("delayed delivery")
	sig := thresholdSign(t, gen, msg)

	if !chain.Verify(sig, msg, gen.GroupKeyBytes()) {
		t.Fatal("message signed by a superseded key should verify")
	}
	if chain.Verify(sig, msg, next.GroupKeyBytes()) {
		t.Fatal("claimed key must actually match the signer")
	}
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	gen := newSectionKey(t, "gen-0")
	stranger := newSectionKey(t, "gen-x")

	chain := New(gen.GroupKeyBytes(), 1)

	msg := []byte("hello")
	sig := thresholdSign(t, stranger, msg)
	if chain.Verify(sig, msg, stranger.GroupKeyBytes()) {
		t.Fatal("keys outside the chain must not verify")
	}
}

func TestTruncateTo(t *testing.T) {
	outs := []*dkg.Outcome{newSectionKey(t, "g0")}
	chain := New(outs[0].GroupKeyBytes(), 2)

	for i := 1; i < 5; i++ {
		next := newSectionKey(t, "g"+string(rune('0'+i)))
		sig := thresholdSign(t, outs[i-1], next.GroupKeyBytes())
		if err := chain.Append(next.GroupKeyBytes(), sig); err != nil {
			t.Fatal(err)
		}
		outs = append(outs, next)
	}

	// Mark link 3 as recently used for verification.
	msg := []byte("recent")
	if !chain.Verify(thresholdSign(t, outs[3], msg), msg, outs[3].GroupKeyBytes()) {
		t.Fatal("verify failed")
	}

	dropped, err := chain.TruncateTo(1)
	if err != nil {
		t.Fatal(err)
	}

	// Retention floor is 2, but lastUsed=3 caps the drop at 3 links.
	if dropped != 3 {
		t.Fatalf("expected 3 dropped, got %d", dropped)
	}
	if chain.Len() != 2 {
		t.Fatalf("expected 2 retained, got %d", chain.Len())
	}
	if chain.HasKey(outs[0].GroupKeyBytes()) {
		t.Fatal("truncated key should no longer be a member")
	}
	if !chain.HasKey(outs[3].GroupKeyBytes()) || !chain.HasKey(outs[4].GroupKeyBytes()) {
		t.Fatal("retained keys missing")
	}
	if chain.HeadHeight() != 4 {
		t.Fatalf("absolute head height should survive truncation, got %d", chain.HeadHeight())
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	gen := newSectionKey(t, "g0")
	next := newSectionKey(t, "g1")

	chain := New(gen.GroupKeyBytes(), 1)
	if err := chain.Append(next.GroupKeyBytes(), thresholdSign(t, gen, next.GroupKeyBytes())); err != nil {
		t.Fatal(err)
	}

	data, err := chain.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	restored, err := Unmarshal(data, 1)
	if err != nil {
		t.Fatal(err)
	}
	if string(restored.Head()) != string(chain.Head()) {
		t.Fatal("restored chain disagrees on head")
	}
	if restored.HeadHeight() != chain.HeadHeight() {
		t.Fatal("restored chain disagrees on height")
	}
}

func TestUnmarshalRejectsForgedLink(t *testing.T) {
	gen := newSectionKey(t, "g0")
	next := newSectionKey(t, "g1")
	rogue := newSectionKey(t, "g2")

	links := []Link{
		{Key: gen.GroupKeyBytes()},
		{Key: next.GroupKeyBytes(), Sig: thresholdSign(t, rogue, next.GroupKeyBytes())},
	}

	if _, err := FromLinks(links, 0, 1); err == nil {
		t.Fatal("forged link should fail chain reconstruction")
	}
}
