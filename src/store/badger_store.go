package store

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dgraph-io/badger"

	"github.com/xornet/sectord/src/common"
	"github.com/xornet/sectord/src/keychain"
	"github.com/xornet/sectord/src/membership"
)

const (
	statePrefix = "state"
	chainKey    = "chain"
	latestKey   = "latest"
)

func stateKey(height int) []byte {
	return []byte(fmt.Sprintf("%s_%09d", statePrefix, height))
}

// BadgerStore is a durable Store over a badger database. It keeps an
// InmemStore in front of the database so hot reads skip disk.
type BadgerStore struct {
	inmem *InmemStore
	db    *badger.DB
	path  string
}

// NewBadgerStore creates a brand new store with a new database.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(false).
		WithLogger(nil)
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{
		inmem: NewInmemStore(),
		db:    handle,
		path:  path,
	}, nil
}

// LoadBadgerStore opens a store from an existing database.
func LoadBadgerStore(path string) (*BadgerStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return NewBadgerStore(path)
}

// LoadOrCreateBadgerStore tries to load an existing database and falls back
// to creating a new one.
func LoadOrCreateBadgerStore(path string) (*BadgerStore, error) {
	store, err := LoadBadgerStore(path)
	if err != nil {
		store, err = NewBadgerStore(path)
		if err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Path returns the database directory.
func (s *BadgerStore) Path() string {
	return s.path
}

// SetState implements Store.
func (s *BadgerStore) SetState(st *membership.State) error {
	data, err := st.Marshal()
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(stateKey(st.Height), data); err != nil {
			return err
		}
		return txn.Set([]byte(latestKey), []byte(strconv.Itoa(st.Height)))
	})
	if err != nil {
		return err
	}

	// Keep the front cache in step; a cache gap is tolerable, a miss falls
	// through to the database.
	_ = s.inmem.SetState(st)
	return nil
}

// GetState implements Store.
func (s *BadgerStore) GetState(height int) (*membership.State, error) {
	if st, err := s.inmem.GetState(height); err == nil {
		return st, nil
	}

	data, err := s.dbGet(stateKey(height))
	if err != nil {
		return nil, common.NewStoreErr("State", common.KeyNotFound, strconv.Itoa(height))
	}
	return membership.UnmarshalState(data)
}

// LastState implements Store.
func (s *BadgerStore) LastState() (*membership.State, error) {
	data, err := s.dbGet([]byte(latestKey))
	if err != nil {
		return nil, common.NewStoreErr("State", common.NoHead, latestKey)
	}
	height, err := strconv.Atoi(string(data))
	if err != nil {
		return nil, fmt.Errorf("store: corrupt latest pointer: %v", err)
	}
	return s.GetState(height)
}

// SetChain implements Store.
func (s *BadgerStore) SetChain(c *keychain.Chain) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(chainKey), data)
	})
	if err != nil {
		return err
	}
	return s.inmem.SetChain(c)
}

// GetChain implements Store.
func (s *BadgerStore) GetChain(retentionFloor int) (*keychain.Chain, error) {
	data, err := s.dbGet([]byte(chainKey))
	if err != nil {
		return nil, common.NewStoreErr("Chain", common.Empty, chainKey)
	}
	return keychain.Unmarshal(data, retentionFloor)
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) dbGet(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
