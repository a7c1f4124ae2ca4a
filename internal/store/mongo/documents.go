package mongo

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-radar/internal/model"
)

// automationDoc is keyed "<userId>:<feature>". scheduleInterval is minutes.
type automationDoc struct {
	ID               string     `bson:"_id"`
	UserID           string     `bson:"userId"`
	Feature          string     `bson:"feature"`
	Enabled          bool       `bson:"enabled"`
	ScheduleInterval int64      `bson:"scheduleInterval"`
	LastRun          *time.Time `bson:"lastRun,omitempty"`
	NextRun          *time.Time `bson:"nextRun,omitempty"`
	UpdatedAt        time.Time  `bson:"updatedAt"`
}

func (d automationDoc) toModel() model.AutomationConfig {
	return model.AutomationConfig{
		UserID:   d.UserID,
		Feature:  model.Feature(d.Feature),
		Enabled:  d.Enabled,
		Interval: time.Duration(d.ScheduleInterval) * time.Minute,
		LastRun:  utc(d.LastRun),
		NextRun:  utc(d.NextRun),
	}
}

// criterionDoc stores prices as decimal strings.
type criterionDoc struct {
	ID         string    `bson:"_id"`
	UserID     string    `bson:"userId"`
	Name       string    `bson:"name,omitempty"`
	Symbol     string    `bson:"symbol"`
	EntryPrice string    `bson:"entryPrice"`
	TargetPct  float64   `bson:"targetPct,omitempty"`
	Once       bool      `bson:"once,omitempty"`
	Active     bool      `bson:"active"`
	CreatedAt  time.Time `bson:"createdAt"`
}

func newCriterionDoc(c model.WatchCriterion) criterionDoc {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	return criterionDoc{
		ID:         c.ID,
		UserID:     c.UserID,
		Name:       c.Name,
		Symbol:     c.Symbol,
		EntryPrice: c.EntryPrice.String(),
		TargetPct:  c.TargetPct,
		Once:       c.Once,
		Active:     true,
		CreatedAt:  storedTime(c.CreatedAt),
	}
}

func (d criterionDoc) toModel() (model.WatchCriterion, error) {
	entry, err := decimal.NewFromString(d.EntryPrice)
	if err != nil {
		return model.WatchCriterion{}, fmt.Errorf("entryPrice %q: %w", d.EntryPrice, err)
	}
	return model.WatchCriterion{
		ID:         d.ID,
		UserID:     d.UserID,
		Name:       d.Name,
		Symbol:     d.Symbol,
		EntryPrice: entry,
		TargetPct:  d.TargetPct,
		Once:       d.Once,
		Active:     d.Active,
		CreatedAt:  d.CreatedAt.UTC(),
	}, nil
}

// storedTime truncates to the millisecond precision BSON dates keep, so a
// value read back compares equal to the value written.
func storedTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func toMinutes(d time.Duration) int64 {
	m := int64(d / time.Minute)
	if m < 1 {
		m = 1
	}
	return m
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
