package dkg

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/xornet/sectord/src/common"
	"github.com/xornet/sectord/src/crypto/keys"
	"github.com/xornet/sectord/src/xor"
)

type testParty struct {
	priv    *ecdsa.PrivateKey
	part    Participant
	session *Session
}

func newParties(t *testing.T, n, threshold int) []*testParty {
	t.Helper()

	logger := common.NewTestLogger(t, logrus.DebugLevel).WithField("prefix", "dkg")

	parties := make([]*testParty, n)
	participants := make([]Participant, n)
	for i := 0; i < n; i++ {
		priv, err := keys.GenerateECDSAKey()
		if err != nil {
			t.Fatal(err)
		}
		pubBytes := keys.FromPublicKey(&priv.PublicKey)
		participants[i] = Participant{
			Index:  i + 1,
			Name:   xor.NameFromPubKey(pubBytes),
			PubKey: pubBytes,
		}
		parties[i] = &testParty{priv: priv, part: participants[i]}
	}

	for i, p := range parties {
		session, err := NewSession("test-gen-1", threshold, i+1, p.priv, participants, logger)
		if err != nil {
			t.Fatal(err)
		}
		p.session = session
	}

	return parties
}

// runDKG starts every party and delivers all messages. skip indices (1-based)
// neither start nor receive; they are excluded by the others.
func runDKG(t *testing.T, parties []*testParty, skip map[int]bool) []*Outcome {
	t.Helper()

	type broadcast struct {
		commitment Commitment
		shares     []Share
	}

	sent := []broadcast{}
	for _, p := range parties {
		if skip[p.part.Index] {
			continue
		}
		c, shares, err := p.session.Start()
		if err != nil {
			t.Fatalf("party %d start: %v", p.part.Index, err)
		}
		sent = append(sent, broadcast{c, shares})
	}

	for _, p := range parties {
		if skip[p.part.Index] {
			continue
		}
		for idx := range skip {
			if err := p.session.Exclude(idx, "timeout"); err != nil {
				t.Fatalf("party %d exclude %d: %v", p.part.Index, idx, err)
			}
		}
	}

	for _, b := range sent {
		for _, p := range parties {
			if skip[p.part.Index] || p.part.Index == b.commitment.Dealer {
				continue
			}
			if err := p.session.HandleCommitment(b.commitment); err != nil {
				t.Fatalf("party %d commitment from %d: %v", p.part.Index, b.commitment.Dealer, err)
			}
		}
		for _, sh := range b.shares {
			if skip[sh.Recipient] {
				continue
			}
			if err := parties[sh.Recipient-1].session.HandleShare(sh); err != nil {
				t.Fatalf("party %d share from %d: %v", sh.Recipient, sh.Dealer, err)
			}
		}
	}

	outcomes := []*Outcome{}
	for _, p := range parties {
		if skip[p.part.Index] {
			continue
		}
		if got := p.session.CurrentState(); got != Complete {
			t.Fatalf("party %d state = %s, want Complete", p.part.Index, got)
		}
		out, err := p.session.Outcome()
		if err != nil {
			t.Fatal(err)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func TestFullKeyGeneration(t *testing.T) {
	parties := newParties(t, 7, 4)
	outcomes := runDKG(t, parties, nil)

	groupKey := outcomes[0].GroupKeyBytes()
	for _, out := range outcomes[1:] {
		if string(out.GroupKeyBytes()) != string(groupKey) {
			t.Fatal("participants disagree on the group key")
		}
	}

	// Every secret share must match its public counterpart.
	for _, out := range outcomes {
		expected := out.PublicShares[out.Index]
		actual := scalarBaseMult(out.SecretShare)
		if expected.X.Cmp(actual.X) != 0 {
			t.Fatalf("participant %d holds a share inconsistent with its public share", out.Index)
		}
	}
}

func TestKeyGenerationSurvivesOneTimeout(t *testing.T) {
	// ELDER_COUNT=7, t=4: one participant goes silent mid-protocol, the
	// remaining 6 still exceed the threshold and complete with a valid key.
	parties := newParties(t, 7, 4)
	outcomes := runDKG(t, parties, map[int]bool{3: true})

	if len(outcomes) != 6 {
		t.Fatalf("expected 6 outcomes, got %d", len(outcomes))
	}

	groupKey := outcomes[0].GroupKeyBytes()
	for _, out := range outcomes[1:] {
		if string(out.GroupKeyBytes()) != string(groupKey) {
			t.Fatal("surviving participants disagree on the group key")
		}
		if len(out.Qualified) != 6 {
			t.Fatalf("expected 6 qualified, got %v", out.Qualified)
		}
	}
}

func TestPendingListsOutstandingParticipants(t *testing.T) {
	parties := newParties(t, 3, 2)

	var c Commitment
	var shares []Share
	for i, p := range parties {
		ci, si, err := p.session.Start()
		if err != nil {
			t.Fatal(err)
		}
		if i == 1 {
			c, shares = ci, si
		}
	}

	receiver := parties[0]

	// Nothing received yet: both peers are outstanding.
	if got := receiver.session.Pending(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("pending = %v, want [2 3]", got)
	}

	// Party 2 delivers; only party 3 remains.
	if err := receiver.session.HandleCommitment(c); err != nil {
		t.Fatal(err)
	}
	for _, sh := range shares {
		if sh.Recipient == 1 {
			if err := receiver.session.HandleShare(sh); err != nil {
				t.Fatal(err)
			}
		}
	}
	if got := receiver.session.Pending(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("pending = %v, want [3]", got)
	}

	// An excluded straggler is no longer waited on.
	if err := receiver.session.Exclude(3, "timeout"); err != nil {
		t.Fatal(err)
	}
	if got := receiver.session.Pending(); len(got) != 0 {
		t.Fatalf("pending = %v, want none", got)
	}
}

func TestKeyGenerationAbortsBelowThreshold(t *testing.T) {
	parties := newParties(t, 4, 4)

	if _, _, err := parties[0].session.Start(); err != nil {
		t.Fatal(err)
	}

	if err := parties[0].session.Exclude(2, "timeout"); err != ErrAborted {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if got := parties[0].session.CurrentState(); got != Aborted {
		t.Fatalf("state = %s, want Aborted", got)
	}
	if _, err := parties[0].session.Outcome(); err != ErrAborted {
		t.Fatalf("expected ErrAborted from Outcome, got %v", err)
	}
}

func TestInvalidShareExcludesDealer(t *testing.T) {
	parties := newParties(t, 5, 3)

	var dealerCommitment Commitment
	var dealerShares []Share
	for i, p := range parties {
		c, shares, err := p.session.Start()
		if err != nil {
			t.Fatal(err)
		}
		if i == 1 {
			dealerCommitment = c
			dealerShares = shares
		}
	}

	receiver := parties[0]
	if err := receiver.session.HandleCommitment(dealerCommitment); err != nil {
		t.Fatal(err)
	}

	// Corrupt the ciphertext so the decrypted share cannot match the
	// commitment.
	var forged Share
	for _, sh := range dealerShares {
		if sh.Recipient == 1 {
			forged = sh
		}
	}
	forged.Encrypted = append([]byte{}, forged.Encrypted...)
	forged.Encrypted[len(forged.Encrypted)-1] ^= 0xFF

	if err := receiver.session.HandleShare(forged); err != ErrInvalidShare {
		t.Fatalf("expected ErrInvalidShare, got %v", err)
	}

	for _, q := range receiver.session.Qualified() {
		if q == 2 {
			t.Fatal("dealer 2 should have been excluded")
		}
	}
}

func TestShareBeforeCommitmentIsBuffered(t *testing.T) {
	parties := newParties(t, 3, 2)

	var c Commitment
	var shares []Share
	for i, p := range parties {
		ci, si, err := p.session.Start()
		if err != nil {
			t.Fatal(err)
		}
		if i == 2 {
			c, shares = ci, si
		}
	}

	receiver := parties[0]
	for _, sh := range shares {
		if sh.Recipient == 1 {
			if err := receiver.session.HandleShare(sh); err != nil {
				t.Fatal(err)
			}
		}
	}

	// The share is pending; the commitment triggers verification.
	if err := receiver.session.HandleCommitment(c); err != nil {
		t.Fatal(err)
	}
}

func TestThresholdSigning(t *testing.T) {
	parties := newParties(t, 7, 4)
	outcomes := runDKG(t, parties, nil)

	msg := []byte("section key attestation")
	cohort := []int{1, 2, 5, 7}

	logger := common.NewTestLogger(t, logrus.DebugLevel).WithField("prefix", "tsig")

	byIndex := map[int]*SigningSession{}
	for _, out := range outcomes {
		inCohort := false
		for _, c := range cohort {
			if c == out.Index {
				inCohort = true
			}
		}
		if !inCohort {
			continue
		}
		ss, err := NewSigningSession("sign-1", msg, out, cohort, logger)
		if err != nil {
			t.Fatal(err)
		}
		byIndex[out.Index] = ss
	}

	nonces := []Nonce{}
	for _, ss := range byIndex {
		n, _, err := ss.Start()
		if err != nil {
			t.Fatal(err)
		}
		nonces = append(nonces, n)
	}

	partials := []Partial{}
	for _, n := range nonces {
		for idx, ss := range byIndex {
			if idx == n.Signer {
				continue
			}
			p, err := ss.HandleNonce(n)
			if err != nil {
				t.Fatal(err)
			}
			if p != nil {
				partials = append(partials, *p)
			}
		}
	}

	for _, p := range partials {
		for idx, ss := range byIndex {
			if idx == p.Signer {
				continue
			}
			if err := ss.HandlePartial(p); err != nil {
				t.Fatal(err)
			}
		}
	}

	groupKey := outcomes[0].GroupKeyBytes()
	for idx, ss := range byIndex {
		if got := ss.CurrentState(); got != SigComplete {
			t.Fatalf("signer %d state = %s, want SigComplete", idx, got)
		}
		sig, err := ss.Signature()
		if err != nil {
			t.Fatal(err)
		}
		if !Verify(groupKey, msg, sig) {
			t.Fatalf("signer %d produced a signature that does not verify", idx)
		}
		if Verify(groupKey, []byte("different message"), sig) {
			t.Fatal("signature verified against the wrong message")
		}
	}
}

func TestInvalidPartialIsRejected(t *testing.T) {
	parties := newParties(t, 5, 3)
	outcomes := runDKG(t, parties, nil)

	msg := []byte("attested payload")
	cohort := []int{1, 2, 3}

	logger := common.NewTestLogger(t, logrus.DebugLevel).WithField("prefix", "tsig")

	sessions := map[int]*SigningSession{}
	for _, out := range outcomes {
		if out.Index > 3 {
			continue
		}
		ss, err := NewSigningSession("sign-2", msg, out, cohort, logger)
		if err != nil {
			t.Fatal(err)
		}
		sessions[out.Index] = ss
	}

	nonces := []Nonce{}
	for _, ss := range sessions {
		n, _, err := ss.Start()
		if err != nil {
			t.Fatal(err)
		}
		nonces = append(nonces, n)
	}

	var victim *SigningSession
	var forged *Partial
	for _, n := range nonces {
		for idx, ss := range sessions {
			if idx == n.Signer {
				continue
			}
			p, err := ss.HandleNonce(n)
			if err != nil {
				t.Fatal(err)
			}
			if p != nil && idx == 2 {
				// Corrupt signer 2's partial before delivery.
				bad := new(big.Int).SetBytes(p.Z)
				bad.Add(bad, big.NewInt(1))
				forged = &Partial{SessionID: p.SessionID, Signer: p.Signer, Z: bad.Bytes()}
			}
			if idx == 1 {
				victim = ss
			}
		}
	}

	if forged == nil || victim == nil {
		t.Fatal("test setup failed to produce a forged partial")
	}

	err := victim.HandlePartial(*forged)
	if err == nil {
		t.Fatal("expected rejection of the forged partial")
	}
	if want := fmt.Sprintf("signer %d", forged.Signer); !strings.Contains(err.Error(), want) {
		t.Fatalf("error should identify the culprit, got %v", err)
	}
}
