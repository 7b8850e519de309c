package keys

import (
	"crypto/elliptic"
	"math/big"

	"github.com/btcsuite/btcd/btcec"
)

/*
Sectord keys and signatures are based on elliptic curve cryptography over the
secp256k1 curve. The same group is used for node identity keys, for the
distributed key generation, and for the threshold section signatures, so the
whole protocol shares a single set of curve parameters.
*/

// Parameters of the secp256k1 curve. They are used elsewhere to validate
// private keys and to reduce scalars.
var (
	secp256k1N, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)
)

// Curve returns the secp256k1 elliptic.Curve, using btcsuite's golang
// implementation.
func Curve() elliptic.Curve {
	return btcec.S256()
}

// GroupOrder returns a copy of the order of the secp256k1 group. Scalar
// arithmetic in the key generation and threshold signing code is performed
// modulo this value.
func GroupOrder() *big.Int {
	return new(big.Int).Set(secp256k1N)
}
