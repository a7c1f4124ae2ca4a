// Package tickerstore holds the latest ticker per symbol.
//
// Writes are serialised and copy the map; readers load the current map
// through an atomic pointer and never block, so a reader always sees a
// complete snapshot and never a half-applied update.
package tickerstore

import (
	"maps"
	"sort"
	"sync"
	"sync/atomic"

	"trading-radar/internal/model"
)

// Listener is called after every accepted upsert, on the writer's goroutine.
// It must not block.
type Listener func(t model.Ticker)

// Store is the shared ticker state.
type Store struct {
	wmu  sync.Mutex
	data atomic.Pointer[map[string]model.Ticker]

	lmu       sync.RWMutex
	listeners []Listener

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// New creates an empty Store.
func New() *Store {
	s := &Store{}
	empty := make(map[string]model.Ticker)
	s.data.Store(&empty)
	return s
}

// OnUpdate registers a listener for accepted upserts.
func (s *Store) OnUpdate(l Listener) {
	s.lmu.Lock()
	s.listeners = append(s.listeners, l)
	s.lmu.Unlock()
}

// Upsert stores t unless the stored ticker for the symbol is newer.
// Out-of-order tickers are rejected and leave state unchanged.
func (s *Store) Upsert(t model.Ticker) bool {
	s.wmu.Lock()
	cur := *s.data.Load()
	if prev, ok := cur[t.Symbol]; ok && t.OlderThan(prev) {
		s.wmu.Unlock()
		s.rejected.Add(1)
		return false
	}

	next := maps.Clone(cur)
	next[t.Symbol] = t
	s.data.Store(&next)
	s.wmu.Unlock()

	s.accepted.Add(1)
	s.lmu.RLock()
	ls := s.listeners
	s.lmu.RUnlock()
	for _, l := range ls {
		l(t)
	}
	return true
}

// Get returns the latest ticker for symbol.
func (s *Store) Get(symbol string) (model.Ticker, bool) {
	t, ok := (*s.data.Load())[symbol]
	return t, ok
}

// Snapshot returns a copy of the current map; callers may modify it freely.
func (s *Store) Snapshot() map[string]model.Ticker {
	return maps.Clone(*s.data.Load())
}

// Symbols returns the stored symbols, sorted.
func (s *Store) Symbols() []string {
	m := *s.data.Load()
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Len() int { return len(*s.data.Load()) }

// Stats returns accepted and rejected upsert counts.
func (s *Store) Stats() (accepted, rejected uint64) {
	return s.accepted.Load(), s.rejected.Load()
}
