// Package state holds the process-wide map of trader address to running
// PnL state. Each address is guarded by its own lock; readers outside the
// store always receive a consistent clone of one address at a time.
package state

import (
	"sync"
	"sync/atomic"

	"github.com/perpfolio/perpfolio/internal/pnl"
	"github.com/perpfolio/perpfolio/internal/upstream"
)

// TidCapacity bounds the per-trader processed-tid set. Oldest entries are
// evicted FIFO once the cap is hit; a replayed fill older than the window
// would be re-applied, which the snapshot reconciliation absorbs.
const TidCapacity = 5000

// tidSet is a bounded FIFO set of processed fill ids.
type tidSet struct {
	seen  map[int64]struct{}
	order []int64
	cap   int
}

func newTidSet(capacity int) *tidSet {
	return &tidSet{
		seen: make(map[int64]struct{}, capacity),
		cap:  capacity,
	}
}

// mark returns true iff the tid was absent.
func (t *tidSet) mark(tid int64) bool {
	if _, ok := t.seen[tid]; ok {
		return false
	}
	if len(t.order) >= t.cap {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.seen, oldest)
	}
	t.seen[tid] = struct{}{}
	t.order = append(t.order, tid)
	return true
}

type entry struct {
	mu    sync.Mutex
	state *pnl.TraderState
	tids  *tidSet
}

// Store is the process-wide trader state map.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	size    atomic.Int64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

func (s *Store) lookup(address string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[address]
	s.mu.RUnlock()
	return e, ok
}

// Get returns a consistent clone of the state for address, or nil if the
// trader is unknown.
func (s *Store) Get(address string) *pnl.TraderState {
	address = upstream.NormalizeAddress(address)
	e, ok := s.lookup(address)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Initialize creates zero state for the trader if none exists and returns
// whether it was created.
func (s *Store) Initialize(traderID int64, address string) bool {
	address = upstream.NormalizeAddress(address)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[address]; ok {
		return false
	}
	s.entries[address] = &entry{
		state: pnl.NewState(traderID, address),
		tids:  newTidSet(TidCapacity),
	}
	s.size.Add(1)
	return true
}

// Set replaces the state for address. The trader must have been initialized.
func (s *Store) Set(address string, state *pnl.TraderState) {
	address = upstream.NormalizeAddress(address)
	e, ok := s.lookup(address)
	if !ok {
		return
	}
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

// Update runs fn while holding the address lock. This is how the ingestion
// paths apply events: the callback mutates the live state in place, and no
// other goroutine can observe a half-applied event.
func (s *Store) Update(address string, fn func(*pnl.TraderState)) bool {
	address = upstream.NormalizeAddress(address)
	e, ok := s.lookup(address)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.state)
	return true
}

// MarkTid records a processed fill id, returning true iff it was absent.
// Guards against replays on WebSocket reconnect.
func (s *Store) MarkTid(address string, tid int64) bool {
	address = upstream.NormalizeAddress(address)
	e, ok := s.lookup(address)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tids.mark(tid)
}

// Remove drops the state and tid set for address.
func (s *Store) Remove(address string) {
	address = upstream.NormalizeAddress(address)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[address]; ok {
		delete(s.entries, address)
		s.size.Add(-1)
	}
}

// Has reports whether the trader is tracked.
func (s *Store) Has(address string) bool {
	_, ok := s.lookup(upstream.NormalizeAddress(address))
	return ok
}

// Size returns the tracked-trader count. The counter is eventually
// consistent with the map under concurrent Initialize/Remove.
func (s *Store) Size() int64 {
	return s.size.Load()
}

// Addresses returns a snapshot of all tracked addresses.
func (s *Store) Addresses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for addr := range s.entries {
		out = append(out, addr)
	}
	return out
}
