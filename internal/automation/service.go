// Package automation runs the per-user automation scheduler process: the
// tick scheduler over the automation store, the external job handlers, the
// run journal and its retention.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/prometheus/client_golang/prometheus"

	"trading-radar/config"
	"trading-radar/internal/jobs"
	"trading-radar/internal/logger"
	"trading-radar/internal/metrics"
	"trading-radar/internal/model"
	"trading-radar/internal/notification"
	"trading-radar/internal/platform"
	"trading-radar/internal/scheduler"
)

const pruneEvery = time.Hour

type Options struct {
	Registerer prometheus.Registerer
	Notifier   notification.Notifier
	HTTPClient *http.Client // for job handler calls
}

// Service owns the scheduler and its housekeeping.
type Service struct {
	cfg      *config.Config
	clients  *platform.Clients
	prom     *metrics.Metrics
	health   *metrics.HealthStatus
	notifier notification.Notifier
	log      *slog.Logger

	Scheduler  *scheduler.Scheduler
	metricsSrv *metrics.Server
	cron       *gocron.Scheduler
	now        func() time.Time
}

func New(cfg *config.Config, clients *platform.Clients, opts Options) *Service {
	svc := &Service{
		cfg:      cfg,
		clients:  clients,
		prom:     metrics.NewMetrics(opts.Registerer),
		health:   metrics.NewHealthStatus(),
		notifier: opts.Notifier,
		log:      logger.Component("automation"),
		now:      time.Now,
	}
	if svc.notifier == nil {
		svc.notifier = notification.FromOptions(notification.Options{
			WebhookURL:       cfg.NotifyWebhookURL,
			TelegramBotToken: cfg.TelegramBotToken,
			TelegramChatID:   cfg.TelegramChatID,
		})
	}

	var journal model.RunJournal
	if clients.Runs != nil {
		journal = &timedJournal{RunJournal: clients.Runs, hist: svc.prom.JournalWriteDur}
	}

	svc.Scheduler = scheduler.New(scheduler.Config{
		Tick:           cfg.SchedTick,
		Workers:        cfg.SchedWorkers,
		HandlerTimeout: cfg.SchedHandlerTimeout,
		PersistRetries: cfg.SchedPersistRetries,
		RetryDelay:     cfg.SchedRetryDelay,
	}, clients.Automation, jobs.NewHTTPRegistry(cfg.JobsBaseURL, opts.HTTPClient), journal)
	svc.Scheduler.OnSkip = func(fp model.Fingerprint) {
		svc.prom.SchedSkips.WithLabelValues(string(fp.Feature)).Inc()
	}
	svc.Scheduler.OnRun = svc.onRun
	svc.Scheduler.OnTick = func(_ scheduler.TickReport, took time.Duration) {
		svc.prom.SchedTickDuration.Observe(took.Seconds())
		svc.prom.SchedInFlight.Set(float64(len(svc.Scheduler.InFlight())))
	}

	if cfg.MetricsAddr != "" {
		svc.metricsSrv = metrics.NewServer(cfg.MetricsAddr, svc.health)
	}
	return svc
}

func (svc *Service) onRun(run model.AutomationRun) {
	svc.prom.SchedRuns.WithLabelValues(string(run.Feature), string(run.Status)).Inc()
	if run.Status != model.RunUncommitted {
		return
	}
	// the handler ran but nextRun was not advanced; it will run again next tick
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := svc.notifier.Send(ctx, notification.Alert{
			Level:   notification.AlertWarning,
			Source:  "scheduler",
			Title:   "schedule write-back failed",
			Message: run.Error,
			Fields: map[string]string{
				"user":    run.UserID,
				"feature": string(run.Feature),
			},
		})
		if err != nil {
			svc.log.Warn("alert delivery failed", "error", err)
		}
	}()
}

// Run starts the scheduler and blocks until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) error {
	svc.log.Info("starting automation", "tick", svc.cfg.SchedTick, "workers", svc.cfg.SchedWorkers, "jobs", svc.cfg.JobsBaseURL)

	svc.cron = gocron.NewScheduler(time.UTC)
	if svc.clients.Journal != nil && svc.cfg.JournalRetention > 0 {
		if _, err := svc.cron.Every(pruneEvery).Do(svc.pruneJournal, ctx); err != nil {
			return fmt.Errorf("automation: register journal prune: %w", err)
		}
	}
	svc.cron.StartAsync()

	if err := svc.Scheduler.Start(ctx); err != nil {
		svc.cron.Stop()
		return err
	}

	svc.health.StartLivenessChecker(ctx, svc.clients.Probes(), svc.cfg.HealthCheckInterval)
	if svc.metricsSrv != nil {
		svc.metricsSrv.Start()
	}

	<-ctx.Done()
	svc.log.Info("shutdown signal received")

	svc.cron.Stop()
	svc.Scheduler.Stop()
	if svc.metricsSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.metricsSrv.Stop(shutCtx)
	}
	svc.log.Info("shutdown complete")
	return nil
}

// pruneJournal drops runs older than the retention window.
func (svc *Service) pruneJournal(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cutoff := svc.now().Add(-svc.cfg.JournalRetention)
	n, err := svc.clients.Journal.Prune(ctx, cutoff)
	if err != nil {
		svc.log.Warn("journal prune failed", "error", err)
		return
	}
	if n > 0 {
		svc.log.Info("journal pruned", "runs", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
}

// timedJournal observes write latency of the run journal.
type timedJournal struct {
	model.RunJournal
	hist prometheus.Observer
}

func (j *timedJournal) Record(ctx context.Context, run model.AutomationRun) error {
	start := time.Now()
	err := j.RunJournal.Record(ctx, run)
	j.hist.Observe(time.Since(start).Seconds())
	return err
}
