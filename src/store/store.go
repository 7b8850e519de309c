package store

import (
	"github.com/xornet/sectord/src/keychain"
	"github.com/xornet/sectord/src/membership"
)

// Store is the durable record of committed section state.
type Store interface {
	// SetState persists a committed snapshot and advances the latest-height
	// pointer. Heights must arrive in order; re-writing an old height is an
	// error.
	SetState(s *membership.State) error

	// GetState returns the snapshot persisted at height.
	GetState(height int) (*membership.State, error)

	// LastState returns the snapshot at the latest persisted height.
	LastState() (*membership.State, error)

	// SetChain persists the key chain.
	SetChain(c *keychain.Chain) error

	// GetChain loads the key chain, re-verifying link signatures.
	GetChain(retentionFloor int) (*keychain.Chain, error)

	// Close releases the store's resources.
	Close() error
}
