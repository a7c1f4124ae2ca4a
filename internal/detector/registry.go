package detector

import (
	"sort"
	"sync"

	"trading-radar/internal/model"
)

// Registry is the in-memory set of active watch criteria, indexed by id and
// by symbol.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]model.WatchCriterion
	bySymbol map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]model.WatchCriterion),
		bySymbol: make(map[string]map[string]struct{}),
	}
}

// Add validates and inserts (or replaces) an active criterion.
func (r *Registry) Add(c model.WatchCriterion) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(c)
	return nil
}

// Remove deletes a criterion by id.
func (r *Registry) Remove(id string) (model.WatchCriterion, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if ok {
		r.deleteLocked(c)
	}
	return c, ok
}

// Replace swaps the whole set for all (inactive or invalid entries are
// skipped) and reports which ids disappeared and which criteria are new
// or changed.
func (r *Registry) Replace(all []model.WatchCriterion) (removed []string, changed []model.WatchCriterion) {
	next := make(map[string]model.WatchCriterion, len(all))
	for _, c := range all {
		if !c.Active || c.Validate() != nil {
			continue
		}
		next[c.ID] = c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.byID {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
			r.deleteLocked(c)
		}
	}
	for id, c := range next {
		prev, ok := r.byID[id]
		if !ok || !sameCriterion(prev, c) {
			if ok {
				r.deleteLocked(prev)
			}
			r.putLocked(c)
			changed = append(changed, c)
		}
	}
	sort.Strings(removed)
	return removed, changed
}

// ForSymbol returns the criteria watching symbol, ordered by id.
func (r *Registry) ForSymbol(symbol string) []model.WatchCriterion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.bySymbol[symbol]
	out := make([]model.WatchCriterion, 0, len(ids))
	for id := range ids {
		out = append(out, r.byID[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one criterion.
func (r *Registry) Get(id string) (model.WatchCriterion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// Symbols returns every watched symbol, sorted.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySymbol))
	for s := range r.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) putLocked(c model.WatchCriterion) {
	if prev, ok := r.byID[c.ID]; ok && prev.Symbol != c.Symbol {
		r.deleteLocked(prev)
	}
	r.byID[c.ID] = c
	ids := r.bySymbol[c.Symbol]
	if ids == nil {
		ids = make(map[string]struct{})
		r.bySymbol[c.Symbol] = ids
	}
	ids[c.ID] = struct{}{}
}

func (r *Registry) deleteLocked(c model.WatchCriterion) {
	delete(r.byID, c.ID)
	if ids := r.bySymbol[c.Symbol]; ids != nil {
		delete(ids, c.ID)
		if len(ids) == 0 {
			delete(r.bySymbol, c.Symbol)
		}
	}
}

func sameCriterion(a, b model.WatchCriterion) bool {
	return a.UserID == b.UserID && a.Symbol == b.Symbol && a.Name == b.Name &&
		a.EntryPrice.Equal(b.EntryPrice) && a.TargetPct == b.TargetPct && a.Once == b.Once
}
