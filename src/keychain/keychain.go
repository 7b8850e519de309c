package keychain

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/ugorji/go/codec"

	"github.com/xornet/sectord/src/dkg"
)

var (
	// ErrInvalidProof is returned when an appended key's attestation does not
	// verify against the chain's head key.
	ErrInvalidProof = errors.New("keychain: invalid proof")
	// ErrRetention is returned when a truncation would violate the retention
	// policy.
	ErrRetention = errors.New("keychain: truncation violates retention policy")
)

// Link is one entry of a section key chain: a section public key and the
// threshold signature over it produced by the previous link's key. The
// genesis link, and the oldest link retained after a truncation, act as
// trust anchors and carry no verifiable signature.
type Link struct {
	Key []byte
	Sig []byte
}

// Chain is the append-only sequence of section signing keys. Every link
// except the trust anchor is verifiable transitively back to the anchor, and
// the chain never forks: consensus guarantees a single next link per height.
type Chain struct {
	mu sync.RWMutex

	links      []Link
	byKey      map[string]int // hex key -> position in links
	baseHeight int            // absolute height of links[0]

	retentionFloor int // minimum links retained through truncation
	lastUsed       int // newest position used to verify a message
}

// New creates a chain anchored at the given genesis key. retentionFloor is
// the minimum number of links TruncateTo always retains.
func New(genesisKey []byte, retentionFloor int) *Chain {
	if retentionFloor < 1 {
		retentionFloor = 1
	}
	c := &Chain{
		byKey:          make(map[string]int),
		retentionFloor: retentionFloor,
	}
	c.links = append(c.links, Link{Key: append([]byte{}, genesisKey...)})
	c.byKey[hex.EncodeToString(genesisKey)] = 0
	return c
}

// FromLinks rebuilds a chain from persisted links. baseHeight is the
// absolute height of the first link; internal link signatures are
// re-verified so a corrupted store cannot smuggle in a forged rotation.
func FromLinks(links []Link, baseHeight, retentionFloor int) (*Chain, error) {
	if len(links) == 0 {
		return nil, fmt.Errorf("keychain: no links to rebuild from")
	}

	for i := 1; i < len(links); i++ {
		if !dkg.Verify(links[i-1].Key, links[i].Key, links[i].Sig) {
			return nil, fmt.Errorf("%w: link %d", ErrInvalidProof, baseHeight+i)
		}
	}

	if retentionFloor < 1 {
		retentionFloor = 1
	}
	c := &Chain{
		byKey:          make(map[string]int),
		baseHeight:     baseHeight,
		retentionFloor: retentionFloor,
	}
	for i, l := range links {
		c.links = append(c.links, Link{
			Key: append([]byte{}, l.Key...),
			Sig: append([]byte{}, l.Sig...),
		})
		c.byKey[hex.EncodeToString(l.Key)] = i
	}
	return c, nil
}

// Append adds a new key attested by the current head. The signature must be
// a valid threshold signature over newKey under the head key; otherwise
// ErrInvalidProof is returned and the chain is unchanged.
func (c *Chain) Append(newKey, sig []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	head := c.links[len(c.links)-1]
	if !dkg.Verify(head.Key, newKey, sig) {
		return ErrInvalidProof
	}

	c.links = append(c.links, Link{
		Key: append([]byte{}, newKey...),
		Sig: append([]byte{}, sig...),
	})
	c.byKey[hex.EncodeToString(newKey)] = len(c.links) - 1
	return nil
}

// Verify checks that claimedKey is a member of the chain and that sig is a
// valid signature over msg under it. Verifying against superseded keys is
// supported because message delivery can be delayed past a key rotation.
// Lookup is O(1) through the key index.
func (c *Chain) Verify(sig, msg, claimedKey []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.byKey[hex.EncodeToString(claimedKey)]
	if !ok {
		return false
	}
	if !dkg.Verify(claimedKey, msg, sig) {
		return false
	}
	if pos > c.lastUsed {
		c.lastUsed = pos
	}
	return true
}

// Head returns the current section key.
func (c *Chain) Head() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]byte{}, c.links[len(c.links)-1].Key...)
}

// HeadHeight returns the absolute height of the head link.
func (c *Chain) HeadHeight() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseHeight + len(c.links) - 1
}

// Len returns the number of retained links.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.links)
}

// HasKey reports whether the given key is a retained chain member.
func (c *Chain) HasKey(key []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byKey[hex.EncodeToString(key)]
	return ok
}

// Links returns a copy of the retained links, oldest first.
func (c *Chain) Links() []Link {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Link, len(c.links))
	for i, l := range c.links {
		out[i] = Link{
			Key: append([]byte{}, l.Key...),
			Sig: append([]byte{}, l.Sig...),
		}
	}
	return out
}

// TruncateTo compacts old history, keeping at least minLen links. The
// retention floor, the head, and any link at or above the most recently used
// verification position are always retained; the oldest surviving link
// becomes the new trust anchor. It returns the number of links dropped.
func (c *Chain) TruncateTo(minLen int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keep := minLen
	if keep < c.retentionFloor {
		keep = c.retentionFloor
	}
	if keep < 1 {
		return 0, ErrRetention
	}
	if keep >= len(c.links) {
		return 0, nil
	}

	drop := len(c.links) - keep
	// Never drop a link that an unexpired message was verified against.
	if c.lastUsed < drop {
		drop = c.lastUsed
	}
	if drop <= 0 {
		return 0, nil
	}

	c.links = c.links[drop:]
	c.baseHeight += drop
	c.lastUsed -= drop

	// The surviving oldest link is the new anchor; its attestation points at
	// a dropped key and is no longer checkable.
	c.links[0].Sig = nil

	c.byKey = make(map[string]int, len(c.links))
	for i, l := range c.links {
		c.byKey[hex.EncodeToString(l.Key)] = i
	}
	return drop, nil
}

// chainWire is the persisted form of a chain.
type chainWire struct {
	Links      []Link
	BaseHeight int
}

// Marshal serializes the chain with the canonical codec used for all
// persisted records.
func (c *Chain) Marshal() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(chainWire{Links: c.links, BaseHeight: c.baseHeight}); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal rebuilds a chain from its serialized form, re-verifying internal
// signatures.
func Unmarshal(data []byte, retentionFloor int) (*Chain, error) {
	var w chainWire

	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bytes.NewBuffer(data), jh)

	if err := dec.Decode(&w); err != nil {
		return nil, err
	}
	return FromLinks(w.Links, w.BaseHeight, retentionFloor)
}
