package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics_RegistersRadarFamilies(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.FeedState.WithLabelValues("spot").Set(2)
	m.SchedRuns.WithLabelValues("ai_trigger_analysis", "succeeded").Inc()
	m.HubDrops.Add(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := make(map[string]bool)
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, name := range []string{"radar_feed_state", "radar_scheduler_runs_total", "radar_hub_drops_total"} {
		if !found[name] {
			t.Errorf("family %s not gathered", name)
		}
	}
}

func decodeReport(t *testing.T, h *HealthStatus) (int, Report) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, rep
}

func TestHealth_HealthyWhenEverythingUp(t *testing.T) {
	h := NewHealthStatus()
	h.SetFeedConnected("spot", true)
	h.Check(context.Background(), "redis", func(context.Context) error { return nil })

	code, rep := decodeReport(t, h)
	if code != http.StatusOK || rep.Status != "healthy" {
		t.Errorf("got %d %s, want 200 healthy", code, rep.Status)
	}
	if !rep.Dependencies["redis"].OK {
		t.Errorf("redis dependency: %+v", rep.Dependencies["redis"])
	}
}

func TestHealth_DegradedOnFailingDependency(t *testing.T) {
	h := NewHealthStatus()
	h.SetFeedConnected("spot", true)
	h.Check(context.Background(), "mongo", func(context.Context) error { return errors.New("no primary") })

	code, rep := decodeReport(t, h)
	if code != http.StatusServiceUnavailable || rep.Status != "degraded" {
		t.Errorf("got %d %s, want 503 degraded", code, rep.Status)
	}
	if rep.Dependencies["mongo"].Error != "no primary" {
		t.Errorf("error not reported: %+v", rep.Dependencies["mongo"])
	}
	if got := h.FailingDependencies(); len(got) != 1 || got[0] != "mongo" {
		t.Errorf("failing: got %v", got)
	}
}

func TestHealth_UnhealthyWhenNoFeedConnected(t *testing.T) {
	h := NewHealthStatus()
	h.SetFeedConnected("spot", false)
	h.SetFeedConnected("futures", false)

	_, rep := decodeReport(t, h)
	if rep.Status != "unhealthy" {
		t.Errorf("got %s, want unhealthy", rep.Status)
	}

	h.SetFeedConnected("futures", true)
	_, rep = decodeReport(t, h)
	if rep.Status != "degraded" {
		t.Errorf("got %s, want degraded", rep.Status)
	}
}

func TestHealth_NoFeedsReportedIsHealthy(t *testing.T) {
	// the automation process has no feed
	h := NewHealthStatus()
	code, rep := decodeReport(t, h)
	if code != http.StatusOK || rep.Status != "healthy" {
		t.Errorf("got %d %s", code, rep.Status)
	}
}

func TestHealth_LastTickTimeOnlyMovesForward(t *testing.T) {
	h := NewHealthStatus()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	h.SetLastTickTime(now.Add(-2 * time.Second))
	h.SetLastTickTime(now.Add(-time.Minute))

	rep := h.Report()
	if rep.TickAge != "2s" {
		t.Errorf("tick age: got %q, want 2s", rep.TickAge)
	}
}
