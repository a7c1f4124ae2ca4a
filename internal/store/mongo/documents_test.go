package mongo

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trading-radar/internal/model"
)

func TestAutomationDoc_IntervalInMinutes(t *testing.T) {
	next := time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC)
	doc := automationDoc{
		ID:               "u1:ai_trigger_analysis",
		UserID:           "u1",
		Feature:          "ai_trigger_analysis",
		Enabled:          true,
		ScheduleInterval: 15,
		NextRun:          &next,
	}
	cfg := doc.toModel()
	if cfg.Interval != 15*time.Minute {
		t.Errorf("interval: got %v, want 15m", cfg.Interval)
	}
	if cfg.Fingerprint().String() != doc.ID {
		t.Errorf("fingerprint: got %s, want %s", cfg.Fingerprint(), doc.ID)
	}
	if !cfg.Due(next) {
		t.Error("config should be due at nextRun")
	}
}

func TestToMinutes_FloorsAtOne(t *testing.T) {
	if got := toMinutes(20 * time.Second); got != 1 {
		t.Errorf("got %d, want 1", got)
	}
	if got := toMinutes(90 * time.Minute); got != 90 {
		t.Errorf("got %d, want 90", got)
	}
}

func TestStoredTime_MatchesBSONPrecision(t *testing.T) {
	in := time.Date(2024, 1, 1, 0, 0, 0, 123456789, time.FixedZone("X", 3600))
	got := storedTime(in)
	if got.Nanosecond() != 123000000 || got.Location() != time.UTC {
		t.Errorf("got %v", got)
	}
}

func TestAdvanceFilter_PinsPreviousNextRun(t *testing.T) {
	prev := time.Date(2024, 1, 1, 0, 0, 0, 999999, time.UTC)
	f := advanceFilter(model.Fingerprint{UserID: "u1", Feature: model.FeatureWatchlistAutomation}, prev)
	if len(f) != 3 || f[0].Value != "u1:watchlist_automation" {
		t.Fatalf("filter: %v", f)
	}
	if f[2].Key != "nextRun" || !f[2].Value.(time.Time).Equal(storedTime(prev)) {
		t.Errorf("nextRun clause: %v", f[2])
	}
}

func TestCriterionDoc_DecimalStrings(t *testing.T) {
	c := model.WatchCriterion{UserID: "u1", Symbol: "BTC-USDT", EntryPrice: decimal.RequireFromString("64250.125")}
	doc := newCriterionDoc(c)
	if doc.ID == "" || !doc.Active || doc.EntryPrice != "64250.125" {
		t.Fatalf("doc: %+v", doc)
	}
	back, err := doc.toModel()
	if err != nil || !back.EntryPrice.Equal(c.EntryPrice) {
		t.Errorf("back: %+v err=%v", back, err)
	}

	doc.EntryPrice = "n/a"
	if _, err := doc.toModel(); err == nil {
		t.Error("malformed entry price should fail")
	}
}
