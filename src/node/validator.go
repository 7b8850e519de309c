package node

import (
	"crypto/ecdsa"

	"github.com/xornet/sectord/src/crypto/keys"
	"github.com/xornet/sectord/src/membership"
	"github.com/xornet/sectord/src/xor"
)

// Validator holds the node's identity: its private key, friendly name, and
// the XOR-space name derived from the public key.
type Validator struct {
	Key     *ecdsa.PrivateKey
	Moniker string

	name     *xor.Name
	pubBytes []byte
	pubHex   string
}

// NewValidator is a factory method for a Validator
func NewValidator(key *ecdsa.PrivateKey, moniker string) *Validator {
	return &Validator{
		Key:     key,
		Moniker: moniker,
	}
}

// Name returns the validator's XOR-space name, the hash of its public key.
func (v *Validator) Name() xor.Name {
	if v.name == nil {
		n := xor.NameFromPubKey(v.PublicKeyBytes())
		v.name = &n
	}
	return *v.name
}

// PublicKeyBytes returns the validator's public key as a byte array
func (v *Validator) PublicKeyBytes() []byte {
	if len(v.pubBytes) == 0 {
		v.pubBytes = keys.FromPublicKey(&v.Key.PublicKey)
	}
	return v.pubBytes
}

// PublicKeyHex returns the validator's public key as a hex string
func (v *Validator) PublicKeyHex() string {
	if len(v.pubHex) == 0 {
		v.pubHex = keys.PublicKeyHex(&v.Key.PublicKey)
	}
	return v.pubHex
}

// Peer returns the membership record announced to the section.
func (v *Validator) Peer(addr string) membership.Peer {
	return membership.Peer{
		Name:   v.Name(),
		Addr:   addr,
		PubKey: v.PublicKeyBytes(),
	}
}
