package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the pipeline from concrete storage implementations
// (MongoDB, in-memory, SQLite). Each implementation satisfies one or more of them.

// AutomationStore holds per-user automation schedules.
type AutomationStore interface {
	// ListEnabled returns every config with its feature enabled.
	ListEnabled(ctx context.Context) ([]AutomationConfig, error)

	// Get returns one config or ErrNotFound.
	Get(ctx context.Context, fp Fingerprint) (AutomationConfig, error)

	// Enable turns a feature on with the given interval; the job becomes due at now.
	Enable(ctx context.Context, fp Fingerprint, interval time.Duration, now time.Time) (AutomationConfig, error)

	// Disable turns a feature off and clears its NextRun.
	Disable(ctx context.Context, fp Fingerprint) error

	// CompareAndAdvance writes cfg.LastRun/cfg.NextRun atomically, only if the
	// stored NextRun still equals prevNext. Returns ErrConflict otherwise.
	CompareAndAdvance(ctx context.Context, cfg AutomationConfig, prevNext time.Time) error
}

// WatchlistStore holds users' watch criteria.
type WatchlistStore interface {
	AddCriterion(ctx context.Context, c WatchCriterion) (WatchCriterion, error)

	// RemoveCriterion deletes a user's criterion. Returns ErrNotFound if the
	// user owns no criterion with that id.
	RemoveCriterion(ctx context.Context, userID, id string) error

	// DeactivateCriterion marks a consumed criterion inactive.
	DeactivateCriterion(ctx context.Context, id string) error

	ListActiveCriteria(ctx context.Context) ([]WatchCriterion, error)
	ListCriteria(ctx context.Context, userID string) ([]WatchCriterion, error)
}

// RunJournal records automation run outcomes for audit.
type RunJournal interface {
	Record(ctx context.Context, run AutomationRun) error
	Recent(ctx context.Context, userID string, limit int) ([]AutomationRun, error)
}

// TickerReader is the read side of the ticker state store.
// Snapshot returns a copy the caller owns.
type TickerReader interface {
	Get(symbol string) (Ticker, bool)
	Snapshot() map[string]Ticker
	Len() int
}
