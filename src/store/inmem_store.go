package store

import (
	"strconv"
	"sync"

	"github.com/xornet/sectord/src/common"
	"github.com/xornet/sectord/src/keychain"
	"github.com/xornet/sectord/src/membership"
)

// InmemStore keeps snapshots and the chain in memory. It stores serialized
// bytes rather than live pointers so reads return independent copies, the
// same as a durable store would.
type InmemStore struct {
	mu sync.RWMutex

	states     map[int][]byte
	chain      []byte
	lastHeight int
	hasState   bool
}

// NewInmemStore creates an empty in-memory store.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		states: make(map[int][]byte),
	}
}

// SetState implements Store.
func (s *InmemStore) SetState(st *membership.State) error {
	data, err := st.Marshal()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[st.Height]; ok {
		return common.NewStoreErr("State", common.KeyAlreadyExists, strconv.Itoa(st.Height))
	}
	if s.hasState && st.Height != s.lastHeight+1 {
		return common.NewStoreErr("State", common.SkippedIndex, strconv.Itoa(st.Height))
	}

	s.states[st.Height] = data
	s.lastHeight = st.Height
	s.hasState = true
	return nil
}

// GetState implements Store.
func (s *InmemStore) GetState(height int) (*membership.State, error) {
	s.mu.RLock()
	data, ok := s.states[height]
	s.mu.RUnlock()

	if !ok {
		return nil, common.NewStoreErr("State", common.KeyNotFound, strconv.Itoa(height))
	}
	return membership.UnmarshalState(data)
}

// LastState implements Store.
func (s *InmemStore) LastState() (*membership.State, error) {
	s.mu.RLock()
	if !s.hasState {
		s.mu.RUnlock()
		return nil, common.NewStoreErr("State", common.NoHead, "latest")
	}
	data := s.states[s.lastHeight]
	s.mu.RUnlock()

	return membership.UnmarshalState(data)
}

// SetChain implements Store.
func (s *InmemStore) SetChain(c *keychain.Chain) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.chain = data
	s.mu.Unlock()
	return nil
}

// GetChain implements Store.
func (s *InmemStore) GetChain(retentionFloor int) (*keychain.Chain, error) {
	s.mu.RLock()
	data := s.chain
	s.mu.RUnlock()

	if data == nil {
		return nil, common.NewStoreErr("Chain", common.Empty, "chain")
	}
	return keychain.Unmarshal(data, retentionFloor)
}

// Close implements Store.
func (s *InmemStore) Close() error {
	return nil
}
