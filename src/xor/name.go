package xor

import (
	"bytes"
	"encoding/hex"
	"sort"

	"github.com/xornet/sectord/src/crypto"
)

// NameLen is the byte length of a Name. Names are 256-bit identifiers used
// both as node identities and as data addresses.
const NameLen = 32

// Name is a fixed-width identifier in the XOR address space.
type Name [NameLen]byte

// NameFromBytes builds a Name from a byte slice. Slices shorter than NameLen
// are zero-padded on the right; longer slices are a programming error.
func NameFromBytes(b []byte) Name {
	if len(b) > NameLen {
		panic("xor: name source longer than 256 bits")
	}
	var n Name
	copy(n[:], b)
	return n
}

// NameFromPubKey derives a Name from a node's identity public key bytes by
// hashing them with SHA256.
func NameFromPubKey(pubBytes []byte) Name {
	return NameFromBytes(crypto.SHA256(pubBytes))
}

// String returns the hexadecimal representation of the name.
func (n Name) String() string {
	return hex.EncodeToString(n[:])
}

// Short returns the first 3 bytes in hex, for log fields.
func (n Name) Short() string {
	return hex.EncodeToString(n[:3])
}

// Bit returns bit i of the name, most significant first.
func (n Name) Bit(i int) byte {
	if i < 0 || i >= NameLen*8 {
		panic("xor: bit index out of range")
	}
	return (n[i/8] >> (7 - uint(i)%8)) & 1
}

// Distance returns the bitwise XOR of a and b. Interpreting the result as a
// big-endian unsigned integer gives the XOR metric; comparing two distances
// with bytes.Compare therefore matches the numeric order.
func Distance(a, b Name) Name {
	var d Name
	for i := 0; i < NameLen; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance compares the distances of a and b to the target. It returns
// -1 if a is closer, 1 if b is closer, and 0 if they are equidistant (which
// implies a == b).
func CompareDistance(target, a, b Name) int {
	for i := 0; i < NameLen; i++ {
		da := target[i] ^ a[i]
		db := target[i] ^ b[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}

// ClosestN returns the n candidate names closest to target in XOR distance.
// Ties are broken by ascending raw name value. If fewer than n candidates are
// supplied, all of them are returned. The input slice is not modified.
func ClosestN(target Name, candidates []Name, n int) []Name {
	sorted := make([]Name, len(candidates))
	copy(sorted, candidates)

	sort.Slice(sorted, func(i, j int) bool {
		c := CompareDistance(target, sorted[i], sorted[j])
		if c != 0 {
			return c < 0
		}
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})

	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

// CommonPrefixLen returns the number of leading bits shared by a and b.
func CommonPrefixLen(a, b Name) int {
	for i := 0; i < NameLen; i++ {
		x := a[i] ^ b[i]
		if x != 0 {
			n := 0
			for x&0x80 == 0 {
				x <<= 1
				n++
			}
			return i*8 + n
		}
	}
	return NameLen * 8
}
