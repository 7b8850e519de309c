package dkg

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/xornet/sectord/src/crypto"
	"github.com/xornet/sectord/src/crypto/keys"
)

/*
Shares are exchanged pairwise and must not be readable by other participants,
so they are encrypted under a key derived from an ECDH agreement between the
sender's and receiver's node identity keys. AES-CTR with a random IV is
enough here: share values are single-use random scalars, and authenticity is
provided by verifying the decrypted share against the dealer's public
commitment.
*/

// sharedKey derives a 32-byte symmetric key from the local private key and
// the remote public key.
func sharedKey(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) []byte {
	x, _ := keys.Curve().ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	return crypto.SHA256(keys.PaddedBigBytes(x, 32))
}

// encryptShare encrypts a serialized share value for the given recipient.
func encryptShare(priv *ecdsa.PrivateKey, recipient *ecdsa.PublicKey, share []byte) ([]byte, error) {
	block, err := aes.NewCipher(sharedKey(priv, recipient))
	if err != nil {
		return nil, err
	}

	out := make([]byte, aes.BlockSize+len(share))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	cipher.NewCTR(block, iv).XORKeyStream(out[aes.BlockSize:], share)
	return out, nil
}

// decryptShare decrypts a share value received from the given sender.
func decryptShare(priv *ecdsa.PrivateKey, sender *ecdsa.PublicKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < aes.BlockSize {
		return nil, fmt.Errorf("dkg: ciphertext shorter than IV")
	}

	block, err := aes.NewCipher(sharedKey(priv, sender))
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(ciphertext)-aes.BlockSize)
	cipher.NewCTR(block, ciphertext[:aes.BlockSize]).XORKeyStream(out, ciphertext[aes.BlockSize:])
	return out, nil
}
