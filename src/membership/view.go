package membership

import (
	"sync"
	"sync/atomic"

	"github.com/xornet/sectord/src/xor"
)

// Snapshot is the read-only section view handed to collaborators: routing
// and message validation read it freely while consensus keeps committing.
type Snapshot struct {
	Prefix    xor.Prefix
	Members   map[xor.Name]Member
	Elders    []Peer
	ChainHead []byte
	Height    int
	Version   uint64
}

// View publishes immutable snapshots through an atomic holder. Readers never
// block the writer; subscribers get a non-blocking signal per commit.
type View struct {
	current atomic.Value // *Snapshot

	mu      sync.Mutex
	subs    []chan struct{}
	version uint64
}

// NewView creates a view primed with the given state.
func NewView(s *State) *View {
	v := &View{}
	v.publish(s)
	return v
}

// Current returns the latest snapshot. The returned value is shared and must
// be treated as read-only.
func (v *View) Current() *Snapshot {
	return v.current.Load().(*Snapshot)
}

// Subscribe returns a channel that receives a signal after every commit. The
// signal is coalescing: a slow consumer sees at least one signal for any
// burst of commits and reads the latest snapshot with Current.
func (v *View) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	v.mu.Lock()
	v.subs = append(v.subs, ch)
	v.mu.Unlock()
	return ch
}

// publish installs a fresh snapshot built from s and signals subscribers.
// Only the consensus writer calls this.
func (v *View) publish(s *State) {
	v.mu.Lock()
	v.version++
	snap := &Snapshot{
		Prefix:    s.Prefix,
		Members:   s.Members,
		Elders:    s.ElderPeers(),
		ChainHead: s.ChainHead,
		Height:    s.Height,
		Version:   v.version,
	}
	v.current.Store(snap)
	for _, ch := range v.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	v.mu.Unlock()
}
