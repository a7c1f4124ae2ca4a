package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trading-radar/internal/model"
	"trading-radar/internal/store/memory"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func seed(s *memory.Store, user string, interval time.Duration, last, next time.Time) model.AutomationConfig {
	cfg := model.AutomationConfig{
		UserID:   user,
		Feature:  model.FeatureAITriggerAnalysis,
		Enabled:  true,
		Interval: interval,
		LastRun:  &last,
		NextRun:  &next,
	}
	s.Put(cfg)
	return cfg
}

type countingRunner struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func (r *countingRunner) Run(_ context.Context, fp model.Fingerprint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[fp.UserID]++
	return r.fail[fp.UserID]
}

func (r *countingRunner) count(user string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[user]
}

func TestTick_NotDueTakesNoAction(t *testing.T) {
	st := memory.New()
	seed(st, "u1", 15*time.Minute, t0, t0.Add(15*time.Minute))
	runner := &countingRunner{}
	s := New(Config{}, st, runner, st)

	r := s.Tick(context.Background(), t0.Add(14*time.Minute))
	if r.Due != 0 || runner.count("u1") != 0 || st.Writes() != 0 {
		t.Errorf("tick before nextRun acted: report=%+v calls=%d writes=%d", r, runner.count("u1"), st.Writes())
	}
}

func TestTick_SuccessAdvancesByInterval(t *testing.T) {
	st := memory.New()
	cfg := seed(st, "u1", 15*time.Minute, t0, t0.Add(15*time.Minute))
	runner := &countingRunner{}
	s := New(Config{}, st, runner, st)

	now := t0.Add(16 * time.Minute)
	r := s.Tick(context.Background(), now)
	if r.Succeeded != 1 || runner.count("u1") != 1 {
		t.Fatalf("report: %+v", r)
	}

	got, _ := st.Get(context.Background(), cfg.Fingerprint())
	if !got.LastRun.Equal(now) {
		t.Errorf("lastRun: got %v, want %v", got.LastRun, now)
	}
	if want := t0.Add(31 * time.Minute); !got.NextRun.Equal(want) {
		t.Errorf("nextRun: got %v, want %v", got.NextRun, want)
	}

	runs, _ := st.Recent(context.Background(), "u1", 10)
	if len(runs) != 1 || runs[0].Status != model.RunSucceeded {
		t.Errorf("journal: %+v", runs)
	}
}

func TestTick_FailureLeavesScheduleUnchanged(t *testing.T) {
	st := memory.New()
	cfg := seed(st, "u1", 15*time.Minute, t0, t0.Add(15*time.Minute))
	runner := &countingRunner{fail: map[string]error{"u1": errors.New("ai service 502")}}
	s := New(Config{}, st, runner, st)

	r := s.Tick(context.Background(), t0.Add(16*time.Minute))
	if r.Failed != 1 {
		t.Fatalf("report: %+v", r)
	}
	got, _ := st.Get(context.Background(), cfg.Fingerprint())
	if !got.NextRun.Equal(t0.Add(15 * time.Minute)) {
		t.Errorf("nextRun moved after failure: %v", got.NextRun)
	}
	if st.Writes() != 0 {
		t.Errorf("writes: got %d, want 0", st.Writes())
	}

	// retried on the next tick
	runner.fail = nil
	if r := s.Tick(context.Background(), t0.Add(31*time.Minute)); r.Succeeded != 1 {
		t.Errorf("retry tick: %+v", r)
	}
}

func TestTick_FailureIsIsolatedPerUser(t *testing.T) {
	st := memory.New()
	seed(st, "bad", time.Hour, t0, t0)
	seed(st, "good", time.Hour, t0, t0)
	runner := &countingRunner{fail: map[string]error{"bad": errors.New("boom")}}
	s := New(Config{}, st, runner, st)

	r := s.Tick(context.Background(), t0.Add(time.Minute))
	if r.Failed != 1 || r.Succeeded != 1 {
		t.Errorf("report: %+v", r)
	}
}

func TestTick_PanicCountsAsFailure(t *testing.T) {
	st := memory.New()
	seed(st, "u1", time.Hour, t0, t0)
	s := New(Config{}, st, RunnerFunc(func(context.Context, model.Fingerprint) error {
		panic("nil map")
	}), nil)

	if r := s.Tick(context.Background(), t0); r.Failed != 1 {
		t.Errorf("report: %+v", r)
	}
	if len(s.InFlight()) != 0 {
		t.Error("fingerprint not released after panic")
	}
}

func TestTick_OverlappingTicksSkipInFlight(t *testing.T) {
	st := memory.New()
	seed(st, "u1", time.Hour, t0, t0)

	var running, maxRunning atomic.Int32
	release := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, fp model.Fingerprint) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		return nil
	})
	s := New(Config{}, st, runner, st)
	var skipped atomic.Int32
	s.OnSkip = func(model.Fingerprint) { skipped.Add(1) }

	first := make(chan TickReport, 1)
	go func() { first <- s.Tick(context.Background(), t0) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(s.InFlight()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	second := s.Tick(context.Background(), t0.Add(time.Minute))
	if second.Skipped != 1 || second.Started != 0 {
		t.Errorf("overlapping tick: %+v", second)
	}
	if skipped.Load() != 1 {
		t.Errorf("OnSkip calls: %d", skipped.Load())
	}

	close(release)
	if r := <-first; r.Succeeded != 1 {
		t.Errorf("first tick: %+v", r)
	}
	if maxRunning.Load() != 1 {
		t.Errorf("concurrent invocations of one fingerprint: %d", maxRunning.Load())
	}
}

func TestTick_PoolBoundsConcurrency(t *testing.T) {
	st := memory.New()
	for i := 0; i < 6; i++ {
		seed(st, fmt.Sprintf("u%d", i), time.Hour, t0, t0)
	}
	var running, maxRunning atomic.Int32
	runner := RunnerFunc(func(ctx context.Context, fp model.Fingerprint) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	s := New(Config{Workers: 2}, st, runner, nil)

	r := s.Tick(context.Background(), t0)
	if r.Succeeded != 6 {
		t.Errorf("report: %+v", r)
	}
	if m := maxRunning.Load(); m > 2 {
		t.Errorf("max concurrency: got %d, want <= 2", m)
	}
}

func TestTick_HandlerTimeoutIsFailure(t *testing.T) {
	st := memory.New()
	seed(st, "u1", time.Hour, t0, t0)
	runner := RunnerFunc(func(ctx context.Context, fp model.Fingerprint) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s := New(Config{HandlerTimeout: 20 * time.Millisecond}, st, runner, st)

	if r := s.Tick(context.Background(), t0); r.Failed != 1 {
		t.Errorf("report: %+v", r)
	}
	runs, _ := st.Recent(context.Background(), "u1", 1)
	if len(runs) != 1 || runs[0].Status != model.RunFailed || runs[0].Error == "" {
		t.Errorf("journal: %+v", runs)
	}
}

// flakyStore fails CompareAndAdvance a fixed number of times.
type flakyStore struct {
	*memory.Store
	failures int
	err      error
	calls    atomic.Int32
}

func (f *flakyStore) CompareAndAdvance(ctx context.Context, cfg model.AutomationConfig, prev time.Time) error {
	if int(f.calls.Add(1)) <= f.failures {
		return f.err
	}
	return f.Store.CompareAndAdvance(ctx, cfg, prev)
}

func TestTick_PersistenceRetriedWithinTick(t *testing.T) {
	st := &flakyStore{Store: memory.New(), failures: 2, err: errors.New("connection reset")}
	seed(st.Store, "u1", time.Hour, t0, t0)
	s := New(Config{PersistRetries: 3, RetryDelay: time.Millisecond}, st, &countingRunner{}, nil)

	if r := s.Tick(context.Background(), t0); r.Succeeded != 1 {
		t.Errorf("report: %+v", r)
	}
	if st.calls.Load() != 3 {
		t.Errorf("write attempts: got %d, want 3", st.calls.Load())
	}
}

func TestTick_PersistenceExhaustedIsUncommitted(t *testing.T) {
	st := &flakyStore{Store: memory.New(), failures: 100, err: errors.New("timeout")}
	cfg := seed(st.Store, "u1", time.Hour, t0, t0)
	s := New(Config{PersistRetries: 2, RetryDelay: time.Millisecond}, st, &countingRunner{}, st.Store)

	if r := s.Tick(context.Background(), t0); r.Uncommitted != 1 {
		t.Errorf("report: %+v", r)
	}
	got, _ := st.Get(context.Background(), cfg.Fingerprint())
	if !got.NextRun.Equal(t0) {
		t.Errorf("nextRun moved: %v", got.NextRun)
	}
	runs, _ := st.Recent(context.Background(), "u1", 1)
	if len(runs) != 1 || runs[0].Status != model.RunUncommitted {
		t.Errorf("journal: %+v", runs)
	}
}

func TestTick_ConflictIsNotRetried(t *testing.T) {
	st := &flakyStore{Store: memory.New(), failures: 100, err: model.ErrConflict}
	seed(st.Store, "u1", time.Hour, t0, t0)
	s := New(Config{PersistRetries: 5, RetryDelay: time.Millisecond}, st, &countingRunner{}, nil)

	r := s.Tick(context.Background(), t0)
	if r.Uncommitted != 1 || st.calls.Load() != 1 {
		t.Errorf("report=%+v attempts=%d", r, st.calls.Load())
	}
}

func TestScheduler_StartRunsTickOnTimer(t *testing.T) {
	st := memory.New()
	seed(st, "u1", time.Hour, t0, t0)
	runner := &countingRunner{}
	s := New(Config{Tick: time.Hour}, st, runner, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for runner.count("u1") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	if runner.count("u1") != 1 {
		t.Errorf("handler calls: got %d, want 1", runner.count("u1"))
	}
}
