package membership

import (
	"crypto/ecdsa"
	"encoding/binary"

	"github.com/xornet/sectord/src/crypto"
	"github.com/xornet/sectord/src/crypto/keys"
	"github.com/xornet/sectord/src/xor"
)

// Vote is one elder's signature over a (height, delta) pair. Quorum needs t
// votes over the same delta hash at the same height.
type Vote struct {
	Height    int
	DeltaHash []byte
	Voter     xor.Name
	Signature string
}

// voteDigest is the signed material: the big-endian height followed by the
// delta hash.
func voteDigest(height int, deltaHash []byte) []byte {
	buf := make([]byte, 8+len(deltaHash))
	binary.BigEndian.PutUint64(buf, uint64(height))
	copy(buf[8:], deltaHash)
	return crypto.SHA256(buf)
}

// NewVote signs a (height, delta hash) pair with the elder's identity key.
func NewVote(height int, deltaHash []byte, voter xor.Name, priv *ecdsa.PrivateKey) (Vote, error) {
	r, s, err := keys.Sign(priv, voteDigest(height, deltaHash))
	if err != nil {
		return Vote{}, err
	}
	return Vote{
		Height:    height,
		DeltaHash: deltaHash,
		Voter:     voter,
		Signature: keys.EncodeSignature(r, s),
	}, nil
}

// VerifyVote checks the vote's signature against the voter's identity public
// key bytes.
func VerifyVote(v Vote, pubKey []byte) bool {
	pub := keys.ToPublicKey(pubKey)
	if pub == nil || pub.X == nil {
		return false
	}
	r, s, err := keys.DecodeSignature(v.Signature)
	if err != nil {
		return false
	}
	return keys.Verify(pub, voteDigest(v.Height, v.DeltaHash), r, s)
}
