package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidEntryPrice rejects criteria whose entry price would make
	// percent change undefined.
	ErrInvalidEntryPrice = errors.New("entry price must be positive")
	ErrNotFound          = errors.New("not found")
	// ErrConflict is returned when a compare-and-set write lost a race.
	ErrConflict = errors.New("conflicting update")
)

// WatchCriterion is a user's watch on one symbol relative to an entry price.
type WatchCriterion struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Name       string          `json:"name"`
	Symbol     string          `json:"symbol"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	// TargetPct, when non-zero, is the percent change at which a Once
	// criterion is consumed.
	TargetPct float64   `json:"targetPct,omitempty"`
	Once      bool      `json:"once,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks a criterion at creation time.
func (c WatchCriterion) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("criterion: missing user id")
	}
	if c.Symbol == "" {
		return fmt.Errorf("criterion: missing symbol")
	}
	if !c.EntryPrice.IsPositive() {
		return fmt.Errorf("criterion %s: %w", c.Symbol, ErrInvalidEntryPrice)
	}
	return nil
}

// DisplayName returns the name shown on dashboards.
func (c WatchCriterion) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Symbol
}

// TargetReached reports whether pct has reached the criterion's target
// in the target's direction.
func (c WatchCriterion) TargetReached(pct float64) bool {
	switch {
	case c.TargetPct > 0:
		return pct >= c.TargetPct
	case c.TargetPct < 0:
		return pct <= c.TargetPct
	default:
		return false
	}
}
