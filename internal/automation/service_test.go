package automation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"trading-radar/config"
	"trading-radar/internal/jobs"
	"trading-radar/internal/model"
	"trading-radar/internal/notification"
	"trading-radar/internal/platform"
)

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, notification.Alert) error { return nil }

func testConfig(jobsURL string) *config.Config {
	return &config.Config{
		SchedTick:           time.Hour,
		SchedWorkers:        2,
		SchedHandlerTimeout: time.Second,
		SchedPersistRetries: 1,
		SchedRetryDelay:     time.Millisecond,
		JobsBaseURL:         jobsURL,
		JournalRetention:    30 * 24 * time.Hour,
		HealthCheckInterval: time.Hour,
	}
}

func TestService_RunsDueJobOnStart(t *testing.T) {
	var posts atomic.Int32
	jobsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == jobs.AITriggerAnalysisPath {
			posts.Add(1)
		}
	}))
	defer jobsSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(jobsSrv.URL)
	clients, err := platform.Open(ctx, cfg, platform.Options{Journal: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer clients.Close(context.Background())

	fp := model.Fingerprint{UserID: "u1", Feature: model.FeatureAITriggerAnalysis}
	if _, err := clients.Automation.Enable(ctx, fp, 15*time.Minute, time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatalf("enable: %v", err)
	}

	svc := New(cfg, clients, Options{Registerer: prometheus.NewRegistry(), Notifier: nopNotifier{}})
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	var runs []model.AutomationRun
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		runs, _ = clients.Runs.Recent(ctx, "u1", 10)
		if len(runs) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(runs) != 1 || runs[0].Status != model.RunSucceeded {
		t.Fatalf("runs: got %+v, want one succeeded run", runs)
	}
	if n := posts.Load(); n != 1 {
		t.Errorf("handler calls: got %d, want 1", n)
	}

	got, err := clients.Automation.Get(ctx, fp)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.NextRun == nil || !got.NextRun.After(time.Now()) {
		t.Errorf("next run not advanced: %v", got.NextRun)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Error("service did not stop")
	}
}

func TestService_PruneJournalDropsOldRuns(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("http://127.0.0.1:1")
	cfg.SQLitePath = filepath.Join(t.TempDir(), "runs.db")

	clients, err := platform.Open(ctx, cfg, platform.Options{Journal: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer clients.Close(ctx)

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	old := model.AutomationRun{UserID: "u1", Feature: model.FeatureAITriggerAnalysis, StartedAt: now.Add(-31 * 24 * time.Hour), Status: model.RunSucceeded}
	recent := model.AutomationRun{UserID: "u1", Feature: model.FeatureAITriggerAnalysis, StartedAt: now.Add(-time.Hour), Status: model.RunFailed, Error: "502"}
	for _, r := range []model.AutomationRun{old, recent} {
		if err := clients.Journal.Record(ctx, r); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	svc := New(cfg, clients, Options{Registerer: prometheus.NewRegistry(), Notifier: nopNotifier{}})
	svc.now = func() time.Time { return now }
	svc.pruneJournal(ctx)

	runs, err := clients.Journal.Recent(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != model.RunFailed {
		t.Errorf("runs after prune: got %+v, want only the recent failure", runs)
	}
}

func TestTimedJournal_ObservesWrites(t *testing.T) {
	reg := prometheus.NewRegistry()
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "write_seconds"})
	reg.MustRegister(hist)

	clients, err := platform.Open(context.Background(), testConfig(""), platform.Options{Journal: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	j := &timedJournal{RunJournal: clients.Runs, hist: hist}
	if err := j.Record(context.Background(), model.AutomationRun{UserID: "u1", Feature: model.FeatureWatchlistAutomation, Status: model.RunSucceeded}); err != nil {
		t.Fatalf("record: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 1 || families[0].GetMetric()[0].GetHistogram().GetSampleCount() != 1 {
		t.Errorf("histogram not observed: %v", families)
	}
}
