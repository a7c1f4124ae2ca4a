// Package scheduler runs users' automation jobs on a fixed tick.
//
// Each tick loads the enabled configs, runs the handler of every due one on a
// bounded pool and, only when the handler succeeded, advances the schedule with
// a compare-and-set on the previous nextRun. A failed run leaves nextRun alone
// so the job is retried on the next tick. A (user, feature) fingerprint that is
// still running from an earlier tick is skipped, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"golang.org/x/sync/semaphore"

	"trading-radar/internal/logger"
	"trading-radar/internal/model"
)

// Runner invokes the external handler behind one fingerprint.
type Runner interface {
	Run(ctx context.Context, fp model.Fingerprint) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, fp model.Fingerprint) error

func (f RunnerFunc) Run(ctx context.Context, fp model.Fingerprint) error { return f(ctx, fp) }

type Config struct {
	Tick           time.Duration
	Workers        int
	HandlerTimeout time.Duration
	// PersistRetries bounds write-back attempts after a successful run.
	PersistRetries int
	RetryDelay     time.Duration
}

func (c *Config) defaults() {
	if c.Tick <= 0 {
		c.Tick = 15 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 2 * time.Minute
	}
	if c.PersistRetries < 0 {
		c.PersistRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
}

// TickReport summarises one tick.
type TickReport struct {
	Due         int
	Started     int
	Skipped     int // fingerprint still in flight
	Succeeded   int
	Failed      int
	Uncommitted int // handler succeeded, write-back did not
	Err         error
}

// Scheduler owns the tick timer, the worker pool and the in-flight set.
type Scheduler struct {
	cfg     Config
	store   model.AutomationStore
	runner  Runner
	journal model.RunJournal
	log     *slog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu       sync.Mutex
	inflight map[model.Fingerprint]time.Time

	cron *gocron.Scheduler

	// OnSkip is called when a due fingerprint is skipped because it is in flight.
	OnSkip func(fp model.Fingerprint)
	// OnRun observes every finished run.
	OnRun func(run model.AutomationRun)
	// OnTick observes every timer-driven tick once its jobs have finished.
	OnTick func(r TickReport, took time.Duration)
}

// New creates a Scheduler. journal may be nil.
func New(cfg Config, store model.AutomationStore, runner Runner, journal model.RunJournal) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		journal:  journal,
		log:      logger.Component("scheduler"),
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		inflight: make(map[model.Fingerprint]time.Time),
	}
}

// Start registers the tick job and starts the timer. Ticks may overlap; the
// fingerprint guard keeps them from running the same job twice.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = gocron.NewScheduler(time.UTC)
	_, err := s.cron.Every(s.cfg.Tick).Do(func() {
		start := time.Now()
		r := s.Tick(ctx, start.UTC())
		if s.OnTick != nil {
			s.OnTick(r, time.Since(start))
		}
		s.log.Info("tick done", "due", r.Due, "started", r.Started, "skipped", r.Skipped,
			"succeeded", r.Succeeded, "failed", r.Failed, "uncommitted", r.Uncommitted)
	})
	if err != nil {
		return fmt.Errorf("scheduler: register tick: %w", err)
	}
	s.cron.StartAsync()
	s.log.Info("scheduler started", "tick", s.cfg.Tick, "workers", s.cfg.Workers)
	return nil
}

// Stop halts the timer and waits for running jobs.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// InFlight returns the fingerprints currently running, sorted.
func (s *Scheduler) InFlight() []model.Fingerprint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Fingerprint, 0, len(s.inflight))
	for fp := range s.inflight {
		out = append(out, fp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Tick runs every job due at now and waits for the ones it started.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) TickReport {
	var r TickReport
	configs, err := s.store.ListEnabled(ctx)
	if err != nil {
		s.log.Error("list enabled configs failed", "error", err)
		r.Err = err
		return r
	}

	var (
		mu   sync.Mutex
		jobs sync.WaitGroup
	)
	for _, cfg := range configs {
		if !cfg.Due(now) {
			continue
		}
		r.Due++
		fp := cfg.Fingerprint()
		if !s.claim(fp, now) {
			r.Skipped++
			s.log.Info("job still in flight, skipping", "job", fp.String())
			if s.OnSkip != nil {
				s.OnSkip(fp)
			}
			continue
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.release(fp)
			r.Err = err
			break
		}
		r.Started++
		jobs.Add(1)
		s.wg.Add(1)
		go func(cfg model.AutomationConfig) {
			defer s.wg.Done()
			defer jobs.Done()
			defer s.sem.Release(1)
			defer s.release(cfg.Fingerprint())

			status := s.runJob(ctx, cfg, now)
			mu.Lock()
			switch status {
			case model.RunSucceeded:
				r.Succeeded++
			case model.RunFailed:
				r.Failed++
			case model.RunUncommitted:
				r.Uncommitted++
			}
			mu.Unlock()
		}(cfg)
	}
	jobs.Wait()
	return r
}

func (s *Scheduler) claim(fp model.Fingerprint, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[fp]; busy {
		return false
	}
	s.inflight[fp] = now
	return true
}

func (s *Scheduler) release(fp model.Fingerprint) {
	s.mu.Lock()
	delete(s.inflight, fp)
	s.mu.Unlock()
}

func (s *Scheduler) runJob(ctx context.Context, cfg model.AutomationConfig, now time.Time) model.RunStatus {
	fp := cfg.Fingerprint()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(fp.String(), now))
	attrs := append([]any{"job", fp.String()}, logger.LogWithTrace(ctx)...)

	run := model.AutomationRun{UserID: fp.UserID, Feature: fp.Feature, StartedAt: time.Now().UTC()}
	err := s.invoke(ctx, fp)
	run.Duration = time.Since(run.StartedAt)

	switch {
	case err != nil:
		run.Status, run.Error = model.RunFailed, err.Error()
		s.log.Warn("job failed, schedule unchanged", append(attrs, "error", err)...)
	default:
		if err := s.commit(ctx, cfg, now); err != nil {
			run.Status, run.Error = model.RunUncommitted, err.Error()
			s.log.Error("job succeeded but schedule write failed", append(attrs, "error", err)...)
		} else {
			run.Status = model.RunSucceeded
			s.log.Info("job succeeded", append(attrs, "duration", run.Duration)...)
		}
	}

	if s.journal != nil {
		if err := s.journal.Record(ctx, run); err != nil {
			s.log.Warn("journal record failed", append(attrs, "error", err)...)
		}
	}
	if s.OnRun != nil {
		s.OnRun(run)
	}
	return run.Status
}

// invoke calls the handler with a deadline. A panicking handler counts as a
// failure of that job only.
func (s *Scheduler) invoke(ctx context.Context, fp model.Fingerprint) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandlerTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return s.runner.Run(ctx, fp)
}

// commit advances the schedule, retrying transient store errors. A conflict
// means another writer moved nextRun and is not retried.
func (s *Scheduler) commit(ctx context.Context, cfg model.AutomationConfig, now time.Time) error {
	prev := *cfg.NextRun
	next := cfg.Advance(now)

	var err error
	for attempt := 0; attempt <= s.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.RetryDelay * time.Duration(attempt)):
			}
		}
		err = s.store.CompareAndAdvance(ctx, next, prev)
		if err == nil || errors.Is(err, model.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", s.cfg.PersistRetries+1, err)
}
