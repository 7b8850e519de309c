package sectord

import (
	"path/filepath"
	"testing"

	"github.com/xornet/sectord/src/crypto/keys"
	"github.com/xornet/sectord/src/membership"
	"github.com/xornet/sectord/src/xor"
)

func TestJSONFoundersRoundTrip(t *testing.T) {
	dir := t.TempDir()

	founders := make([]membership.Peer, 2)
	for i := range founders {
		key, err := keys.GenerateECDSAKey()
		if err != nil {
			t.Fatal(err)
		}
		pub := keys.FromPublicKey(&key.PublicKey)
		founders[i] = membership.Peer{
			Name:   xor.NameFromPubKey(pub),
			Addr:   "127.0.0.1:1337",
			PubKey: pub,
		}
	}

	store := NewJSONFounders(dir)
	if err := store.SetFounders(founders); err != nil {
		t.Fatal(err)
	}

	read, err := store.Founders()
	if err != nil {
		t.Fatal(err)
	}

	if len(read) != len(founders) {
		t.Fatalf("read %d founders, wrote %d", len(read), len(founders))
	}
	for i := range founders {
		if read[i].Name != founders[i].Name {
			t.Fatalf("founder %d name mismatch: the name must be derivable from the stored public key", i)
		}
		if read[i].Addr != founders[i].Addr {
			t.Fatalf("founder %d addr mismatch", i)
		}
	}
}

func TestKeygenRefusesToOverwrite(t *testing.T) {
	keyfile := filepath.Join(t.TempDir(), "priv_key")

	if _, err := Keygen(keyfile); err != nil {
		t.Fatal(err)
	}

	if _, err := Keygen(keyfile); err == nil {
		t.Fatal("second keygen on the same file should fail")
	}

	pemKey := keys.NewPemKey(keyfile)
	if _, err := pemKey.ReadKey(); err != nil {
		t.Fatalf("generated key should be readable: %v", err)
	}
}
