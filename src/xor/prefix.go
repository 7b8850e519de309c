package xor

import "strings"

// Prefix identifies a section's region of the address space: the set of
// names whose leading bits equal the prefix bits. The set of all prefixes in
// the network forms a disjoint cover of the address space, maintained
// exclusively through split and merge operations.
type Prefix struct {
	name   Name
	bitLen int
}

// NewPrefix returns a Prefix of bitLen bits taken from the leading bits of
// name. Bits beyond bitLen are zeroed so that equal prefixes compare equal.
func NewPrefix(name Name, bitLen int) Prefix {
	if bitLen < 0 || bitLen > NameLen*8 {
		panic("xor: prefix length out of range")
	}
	p := Prefix{bitLen: bitLen}
	for i := 0; i < bitLen; i++ {
		if name.Bit(i) == 1 {
			p.name[i/8] |= 1 << (7 - uint(i)%8)
		}
	}
	return p
}

// ParsePrefix parses a binary string such as "10110" into a Prefix. The empty
// string is the root prefix covering the whole address space.
func ParsePrefix(s string) (Prefix, bool) {
	if len(s) > NameLen*8 {
		return Prefix{}, false
	}
	var name Name
	for i, c := range s {
		switch c {
		case '1':
			name[i/8] |= 1 << (7 - uint(i)%8)
		case '0':
		default:
			return Prefix{}, false
		}
	}
	return Prefix{name: name, bitLen: len(s)}, true
}

// BitLen returns the number of significant bits in the prefix.
func (p Prefix) BitLen() int {
	return p.bitLen
}

// BaseName returns the prefix padded with zero bits to a full Name. It is
// used as the reference point for XOR-proximity computations within the
// section.
func (p Prefix) BaseName() Name {
	return p.name
}

// Matches reports whether the leading bits of name equal the prefix bits.
func (p Prefix) Matches(name Name) bool {
	return CommonPrefixLen(p.name, name) >= p.bitLen
}

// Child returns the prefix extended by one bit.
func (p Prefix) Child(bit byte) Prefix {
	if p.bitLen >= NameLen*8 {
		panic("xor: cannot extend full-length prefix")
	}
	child := Prefix{name: p.name, bitLen: p.bitLen + 1}
	if bit == 1 {
		child.name[p.bitLen/8] |= 1 << (7 - uint(p.bitLen)%8)
	}
	return child
}

// Sibling returns the prefix differing in exactly the last bit. The root
// prefix has no sibling; calling Sibling on it is a programming error.
func (p Prefix) Sibling() Prefix {
	if p.bitLen == 0 {
		panic("xor: root prefix has no sibling")
	}
	sib := p
	sib.name[(p.bitLen-1)/8] ^= 1 << (7 - uint(p.bitLen-1)%8)
	return sib
}

// Parent returns the prefix shortened by one bit.
func (p Prefix) Parent() Prefix {
	if p.bitLen == 0 {
		panic("xor: root prefix has no parent")
	}
	return NewPrefix(p.name, p.bitLen-1)
}

// IsAncestorOf reports whether p is a (non-strict) ancestor of other.
func (p Prefix) IsAncestorOf(other Prefix) bool {
	return p.bitLen <= other.bitLen && p.Matches(other.name)
}

// Equal reports whether two prefixes are identical.
func (p Prefix) Equal(other Prefix) bool {
	return p.bitLen == other.bitLen && p.name == other.name
}

// String returns the binary representation of the prefix, e.g. "10110". The
// root prefix renders as "".
func (p Prefix) String() string {
	var b strings.Builder
	for i := 0; i < p.bitLen; i++ {
		if p.name.Bit(i) == 1 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// IsCover reports whether the given prefixes form a disjoint cover of the
// address space: no two prefixes overlap and every name matches exactly one
// prefix. It is used as a consistency check when applying split and merge
// decisions.
func IsCover(prefixes []Prefix) bool {
	return IsPartition(Prefix{}, prefixes)
}

// IsPartition reports whether parts form a disjoint cover of parent: every
// part descends from parent, no part overlaps another, and together they
// account for parent's entire region.
func IsPartition(parent Prefix, parts []Prefix) bool {
	// A set of prefixes partitions parent iff each descends from parent, no
	// prefix is an ancestor of another, and the sum of 2^-(bitLen-parentLen)
	// over all parts equals 1. Work in units of 2^-256 using a 257-bit
	// accumulator.
	for i, a := range parts {
		if !parent.IsAncestorOf(a) {
			return false
		}
		for j, b := range parts {
			if i != j && a.IsAncestorOf(b) {
				return false
			}
		}
	}

	total := new(coverAccumulator)
	for _, p := range parts {
		total.add(p.bitLen - parent.bitLen)
	}
	return total.isOne()
}

// coverAccumulator sums fractions 2^-k for k in 0..256 exactly.
type coverAccumulator struct {
	// units of 2^-256; 257 bits needed to represent 1.0
	hi   uint64 // overflow marker: counts full units of 1.0
	bits [4]uint64
}

func (c *coverAccumulator) add(bitLen int) {
	// add 2^(256-bitLen) in units of 2^-256
	pos := 256 - bitLen
	if pos == 256 {
		c.hi++
		return
	}
	word := pos / 64
	carryBit := uint64(1) << uint(pos%64)
	for word < 4 {
		sum := c.bits[word] + carryBit
		carried := sum < c.bits[word]
		c.bits[word] = sum
		if !carried {
			return
		}
		carryBit = 1
		word++
	}
	c.hi++
}

func (c *coverAccumulator) isOne() bool {
	return c.hi == 1 && c.bits[0] == 0 && c.bits[1] == 0 && c.bits[2] == 0 && c.bits[3] == 0
}
