package dkg

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec"

	"github.com/xornet/sectord/src/crypto/keys"
)

// polynomial is a secret polynomial over the secp256k1 scalar field. The
// constant term is the dealer's contribution to the group secret.
type polynomial struct {
	coeffs []*big.Int
}

// newPolynomial deals a random polynomial of degree threshold-1.
func newPolynomial(threshold int) (*polynomial, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("dkg: threshold must be at least 1, got %d", threshold)
	}

	order := keys.GroupOrder()
	coeffs := make([]*big.Int, threshold)
	for i := range coeffs {
		c, err := rand.Int(rand.Reader, order)
		if err != nil {
			return nil, err
		}
		coeffs[i] = c
	}

	return &polynomial{coeffs: coeffs}, nil
}

// evaluate returns f(x) mod N using Horner's rule. Participant indices start
// at 1; evaluating at 0 would leak the secret.
func (p *polynomial) evaluate(x int) *big.Int {
	order := keys.GroupOrder()
	bx := big.NewInt(int64(x))

	res := new(big.Int).Set(p.coeffs[len(p.coeffs)-1])
	for i := len(p.coeffs) - 2; i >= 0; i-- {
		res.Mul(res, bx)
		res.Add(res, p.coeffs[i])
		res.Mod(res, order)
	}
	return res
}

// commitment returns the public commitment to the polynomial: one compressed
// curve point per coefficient.
func (p *polynomial) commitment() [][]byte {
	out := make([][]byte, len(p.coeffs))
	for i, c := range p.coeffs {
		out[i] = compressPoint(scalarBaseMult(c))
	}
	return out
}

/* Curve point helpers */

func scalarBaseMult(k *big.Int) *btcec.PublicKey {
	x, y := keys.Curve().ScalarBaseMult(k.Bytes())
	return &btcec.PublicKey{Curve: keys.Curve(), X: x, Y: y}
}

func scalarMult(p *btcec.PublicKey, k *big.Int) *btcec.PublicKey {
	x, y := keys.Curve().ScalarMult(p.X, p.Y, k.Bytes())
	return &btcec.PublicKey{Curve: keys.Curve(), X: x, Y: y}
}

func addPoints(a, b *btcec.PublicKey) *btcec.PublicKey {
	if a == nil {
		return b
	}
	x, y := keys.Curve().Add(a.X, a.Y, b.X, b.Y)
	return &btcec.PublicKey{Curve: keys.Curve(), X: x, Y: y}
}

func compressPoint(p *btcec.PublicKey) []byte {
	return p.SerializeCompressed()
}

func parsePoint(b []byte) (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(b, btcec.S256())
}

// evalCommitment evaluates a commitment polynomial in the exponent at the
// given index, using Horner's rule on curve points.
func evalCommitment(commitment [][]byte, index int) (*btcec.PublicKey, error) {
	if len(commitment) == 0 {
		return nil, fmt.Errorf("dkg: empty commitment")
	}

	points := make([]*btcec.PublicKey, len(commitment))
	for i, c := range commitment {
		p, err := parsePoint(c)
		if err != nil {
			return nil, fmt.Errorf("dkg: bad commitment point %d: %v", i, err)
		}
		points[i] = p
	}

	bx := big.NewInt(int64(index))
	rhs := points[len(points)-1]
	for i := len(points) - 2; i >= 0; i-- {
		rhs = addPoints(scalarMult(rhs, bx), points[i])
	}
	return rhs, nil
}

// verifyShare checks a received share value against the dealer's public
// commitment: share*G must equal the commitment polynomial evaluated in the
// exponent at the receiver's index.
func verifyShare(share *big.Int, index int, commitment [][]byte) (bool, error) {
	rhs, err := evalCommitment(commitment, index)
	if err != nil {
		return false, err
	}

	lhs := scalarBaseMult(share)
	return lhs.X.Cmp(rhs.X) == 0 && lhs.Y.Cmp(rhs.Y) == 0, nil
}
