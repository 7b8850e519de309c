package store

import (
	"testing"

	"github.com/xornet/sectord/src/common"
	"github.com/xornet/sectord/src/keychain"
	"github.com/xornet/sectord/src/membership"
	"github.com/xornet/sectord/src/xor"
)

func testState(t *testing.T, height int) *membership.State {
	t.Helper()

	var a, b xor.Name
	a[0], b[0] = 0x01, 0x02

	founders := []membership.Peer{
		{Name: a, Addr: "127.0.0.1:9000", PubKey: []byte{2, 1}},
		{Name: b, Addr: "127.0.0.1:9001", PubKey: []byte{2, 2}},
	}
	s := membership.NewGenesisState(xor.Prefix{}, founders, []byte{0xAA, 0xBB}, 7)
	s.Height = height
	return s
}

func runStoreSuite(t *testing.T, s Store) {
	t.Helper()

	if _, err := s.LastState(); !common.IsStore(err, common.NoHead) {
		t.Fatalf("empty store should report NoHead, got %v", err)
	}
	if _, err := s.GetState(0); !common.IsStore(err, common.KeyNotFound) {
		t.Fatalf("missing height should report KeyNotFound, got %v", err)
	}

	if err := s.SetState(testState(t, 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.SetState(testState(t, 1)); err != nil {
		t.Fatal(err)
	}

	last, err := s.LastState()
	if err != nil {
		t.Fatal(err)
	}
	if last.Height != 1 {
		t.Fatalf("latest height = %d, want 1", last.Height)
	}
	if len(last.Members) != 2 || len(last.Elders) != 2 {
		t.Fatal("reloaded state lost members or elders")
	}

	got, err := s.GetState(0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Height != 0 {
		t.Fatalf("height = %d, want 0", got.Height)
	}

	chain := keychain.New([]byte{0xAA, 0xBB}, 1)
	if err := s.SetChain(chain); err != nil {
		t.Fatal(err)
	}
	reloaded, err := s.GetChain(1)
	if err != nil {
		t.Fatal(err)
	}
	if string(reloaded.Head()) != string(chain.Head()) {
		t.Fatal("reloaded chain head differs")
	}
}

func TestInmemStore(t *testing.T) {
	s := NewInmemStore()
	defer s.Close()
	runStoreSuite(t, s)
}

func TestInmemStoreRejectsGapsAndRewrites(t *testing.T) {
	s := NewInmemStore()
	defer s.Close()

	if err := s.SetState(testState(t, 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.SetState(testState(t, 0)); !common.IsStore(err, common.KeyAlreadyExists) {
		t.Fatalf("expected KeyAlreadyExists, got %v", err)
	}
	if err := s.SetState(testState(t, 5)); !common.IsStore(err, common.SkippedIndex) {
		t.Fatalf("expected SkippedIndex, got %v", err)
	}
}

func TestBadgerStore(t *testing.T) {
	s, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	runStoreSuite(t, s)
}

func TestBadgerStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetState(testState(t, 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.SetChain(keychain.New([]byte{0xAA, 0xBB}, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := LoadOrCreateBadgerStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	last, err := reopened.LastState()
	if err != nil {
		t.Fatal(err)
	}
	if last.Height != 0 {
		t.Fatalf("height = %d, want 0", last.Height)
	}
	if _, err := reopened.GetChain(1); err != nil {
		t.Fatal(err)
	}
}
