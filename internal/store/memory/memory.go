// Package memory is an in-process Persistent Store. It backs the radar in
// development mode (no MONGO_URI) and is the store double in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading-radar/internal/model"
)

// Store implements model.AutomationStore, model.WatchlistStore and
// model.RunJournal.
type Store struct {
	mu       sync.Mutex
	configs  map[model.Fingerprint]model.AutomationConfig
	criteria map[string]model.WatchCriterion
	runs     []model.AutomationRun
	writes   int
}

func New() *Store {
	return &Store{
		configs:  make(map[model.Fingerprint]model.AutomationConfig),
		criteria: make(map[string]model.WatchCriterion),
	}
}

// Put seeds or overwrites a config.
func (s *Store) Put(cfg model.AutomationConfig) {
	s.mu.Lock()
	s.configs[cfg.Fingerprint()] = clone(cfg)
	s.mu.Unlock()
}

// Writes returns how many schedule writes (CompareAndAdvance) succeeded.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Store) ListEnabled(_ context.Context) ([]model.AutomationConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AutomationConfig, 0, len(s.configs))
	for _, c := range s.configs {
		if c.Enabled {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint().String() < out[j].Fingerprint().String() })
	return out, nil
}

func (s *Store) Get(_ context.Context, fp model.Fingerprint) (model.AutomationConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[fp]
	if !ok {
		return model.AutomationConfig{}, fmt.Errorf("automation %s: %w", fp, model.ErrNotFound)
	}
	return clone(c), nil
}

func (s *Store) Enable(_ context.Context, fp model.Fingerprint, interval time.Duration, now time.Time) (model.AutomationConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.configs[fp]
	c.UserID, c.Feature = fp.UserID, fp.Feature
	c.Enabled = true
	c.Interval = interval
	next := now
	c.NextRun = &next
	s.configs[fp] = c
	return clone(c), nil
}

func (s *Store) Disable(_ context.Context, fp model.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[fp]
	if !ok {
		return fmt.Errorf("automation %s: %w", fp, model.ErrNotFound)
	}
	c.Enabled = false
	c.NextRun = nil
	s.configs[fp] = c
	return nil
}

func (s *Store) CompareAndAdvance(_ context.Context, cfg model.AutomationConfig, prevNext time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp := cfg.Fingerprint()
	cur, ok := s.configs[fp]
	if !ok || !cur.Enabled || cur.NextRun == nil || !cur.NextRun.Equal(prevNext) {
		return fmt.Errorf("automation %s: %w", fp, model.ErrConflict)
	}
	cur.LastRun = timePtr(cfg.LastRun)
	cur.NextRun = timePtr(cfg.NextRun)
	s.configs[fp] = cur
	s.writes++
	return nil
}

// ── Watchlist ──

func (s *Store) AddCriterion(_ context.Context, c model.WatchCriterion) (model.WatchCriterion, error) {
	if err := c.Validate(); err != nil {
		return model.WatchCriterion{}, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Active = true
	s.mu.Lock()
	s.criteria[c.ID] = c
	s.mu.Unlock()
	return c, nil
}

func (s *Store) RemoveCriterion(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.criteria[id]
	if !ok || c.UserID != userID {
		return fmt.Errorf("criterion %s: %w", id, model.ErrNotFound)
	}
	delete(s.criteria, id)
	return nil
}

func (s *Store) DeactivateCriterion(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.criteria[id]
	if !ok {
		return fmt.Errorf("criterion %s: %w", id, model.ErrNotFound)
	}
	c.Active = false
	s.criteria[id] = c
	return nil
}

func (s *Store) ListActiveCriteria(_ context.Context) ([]model.WatchCriterion, error) {
	return s.listCriteria(func(c model.WatchCriterion) bool { return c.Active }), nil
}

func (s *Store) ListCriteria(_ context.Context, userID string) ([]model.WatchCriterion, error) {
	return s.listCriteria(func(c model.WatchCriterion) bool { return c.UserID == userID }), nil
}

func (s *Store) listCriteria(keep func(model.WatchCriterion) bool) []model.WatchCriterion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.WatchCriterion, 0, len(s.criteria))
	for _, c := range s.criteria {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ── Run journal ──

func (s *Store) Record(_ context.Context, run model.AutomationRun) error {
	s.mu.Lock()
	s.runs = append(s.runs, run)
	s.mu.Unlock()
	return nil
}

// Recent returns the newest runs first. An empty userID matches every user.
func (s *Store) Recent(_ context.Context, userID string, limit int) ([]model.AutomationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AutomationRun
	for i := len(s.runs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if userID == "" || s.runs[i].UserID == userID {
			out = append(out, s.runs[i])
		}
	}
	return out, nil
}

func clone(c model.AutomationConfig) model.AutomationConfig {
	c.LastRun = timePtr(c.LastRun)
	c.NextRun = timePtr(c.NextRun)
	return c
}

func timePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
