// Package radar wires the market-data pipeline: feed connectors into the
// ticker store, the detector over the store, the hub fanning detector output
// to subscribers, plus the Redis mirror and the HTTP API around them.
package radar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/prometheus/client_golang/prometheus"

	"trading-radar/config"
	"trading-radar/internal/api"
	"trading-radar/internal/detector"
	"trading-radar/internal/feed"
	"trading-radar/internal/hub"
	"trading-radar/internal/logger"
	"trading-radar/internal/metrics"
	"trading-radar/internal/model"
	"trading-radar/internal/notification"
	"trading-radar/internal/platform"
	redisstore "trading-radar/internal/store/redis"
	"trading-radar/internal/tickerstore"
	"trading-radar/pkg/kucoin"
)

const (
	mirrorBuffer = 4096

	deactivateAttempts = 5
	deactivateBackoff  = time.Second
)

// Options override process-level defaults, mostly for tests.
type Options struct {
	Registerer prometheus.Registerer // nil: default registry
	Notifier   notification.Notifier // nil: built from config
	HTTPClient *http.Client          // for bullet token requests
}

// Service is the top-level orchestrator for the radar process.
type Service struct {
	cfg      *config.Config
	clients  *platform.Clients
	prom     *metrics.Metrics
	health   *metrics.HealthStatus
	notifier notification.Notifier
	log      *slog.Logger

	Tickers  *tickerstore.Store
	Hub      *hub.Hub
	Detector *detector.Detector
	Feeds    map[model.Segment]*feed.Connector

	mirror   *redisstore.Mirror
	mirrorCh chan model.Ticker

	apiSrv     *api.Server
	metricsSrv *metrics.Server
	cron       *gocron.Scheduler
	wg         sync.WaitGroup
}

// New builds the pipeline. Nothing runs until Run.
func New(cfg *config.Config, clients *platform.Clients, opts Options) (*Service, error) {
	svc := &Service{
		cfg:      cfg,
		clients:  clients,
		prom:     metrics.NewMetrics(opts.Registerer),
		health:   metrics.NewHealthStatus(),
		notifier: opts.Notifier,
		log:      logger.Component("radar"),
		Tickers:  tickerstore.New(),
		Feeds:    make(map[model.Segment]*feed.Connector),
	}
	if svc.notifier == nil {
		svc.notifier = notification.FromOptions(notification.Options{
			WebhookURL:       cfg.NotifyWebhookURL,
			TelegramBotToken: cfg.TelegramBotToken,
			TelegramChatID:   cfg.TelegramChatID,
		})
	}

	svc.Hub = hub.New(hub.Config{
		QueueSize:         cfg.HubQueueSize,
		HeartbeatInterval: cfg.HubHeartbeatInterval,
	})
	svc.Hub.OnDrop = func(string, model.OpportunityMessage) { svc.prom.HubDrops.Inc() }

	svc.Detector = detector.New(detector.Config{
		EpsilonPct:  cfg.DetectorEpsilonPct,
		BatchWindow: cfg.DetectorBatchWindow,
	}, detector.NewRegistry(), svc.Tickers, &observedHub{hub: svc.Hub, prom: svc.prom})
	svc.Detector.OnEmit = func(t model.MessageType) {
		svc.prom.DetectorEmits.WithLabelValues(string(t)).Inc()
	}
	svc.Detector.OnConsumed = svc.deactivate

	if clients.Redis != nil {
		cb := redisstore.NewCircuitBreaker(cfg.RedisBreakerFailures, cfg.RedisBreakerReset)
		cb.OnStateChange = func(_, to redisstore.State) {
			svc.prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				svc.prom.RedisCircuitBreakerTrips.Inc()
			}
		}
		svc.mirror = redisstore.NewMirror(clients.Redis, cb, cfg.RedisLatestTTL)
		svc.mirror.OnBuffer = svc.prom.RedisBufferedWrites.Inc
		svc.mirror.OnFlush = func(n int) { svc.prom.RedisFlushedWrites.Add(float64(n)) }
		svc.mirrorCh = make(chan model.Ticker, mirrorBuffer)
	}

	svc.Tickers.OnUpdate(svc.onTicker)

	if err := svc.buildFeeds(opts.HTTPClient); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr != "" {
		deps := api.Deps{
			Tickers:    svc.Tickers,
			Hub:        svc.Hub,
			Criteria:   &criteriaSink{svc: svc},
			Watchlist:  clients.Watchlist,
			Automation: clients.Automation,
			Runs:       clients.Runs,
			Health:     svc.health,
		}
		for _, seg := range []model.Segment{model.SegmentSpot, model.SegmentFutures} {
			if c, ok := svc.Feeds[seg]; ok {
				deps.Feeds = append(deps.Feeds, c)
			}
		}
		if cfg.JWTSecret != "" {
			deps.Auth = api.NewAuthenticator(cfg.JWTSecret)
		} else {
			svc.log.Warn("JWT_SECRET not set, authenticated routes disabled")
		}
		svc.apiSrv = api.NewServer(cfg.HTTPAddr, deps)
	}
	if cfg.MetricsAddr != "" {
		svc.metricsSrv = metrics.NewServer(cfg.MetricsAddr, svc.health)
	}
	return svc, nil
}

func (svc *Service) buildFeeds(httpClient *http.Client) error {
	groups := map[model.Segment][]string{}
	for _, s := range config.Symbols(svc.cfg.SpotSymbols + "," + svc.cfg.FuturesSymbols) {
		seg := model.SegmentForSymbol(s)
		groups[seg] = append(groups[seg], s)
	}
	if len(groups) == 0 {
		return fmt.Errorf("radar: no feed symbols configured")
	}

	for seg, symbols := range groups {
		base := svc.cfg.KucoinSpotAPI
		if seg == model.SegmentFutures {
			base = svc.cfg.KucoinFuturesAPI
		}
		c := feed.New(feed.Config{
			Segment:           seg,
			Symbols:           symbols,
			MaxRetries:        svc.cfg.FeedMaxRetries,
			BackoffBase:       svc.cfg.FeedBackoffBase,
			BackoffMax:        svc.cfg.FeedBackoffMax,
			TokenTimeout:      svc.cfg.FeedTokenTimeout,
			HandshakeTimeout:  svc.cfg.FeedHandshakeTimeout,
			SubscribeTimeout:  svc.cfg.FeedSubscribeTimeout,
			HeartbeatFactor:   svc.cfg.FeedHeartbeatFactor,
			MaxProtocolErrors: svc.cfg.FeedMaxProtocolErrors,
		}, kucoin.NewClient(base, httpClient), &segmentSink{store: svc.Tickers, seg: string(seg), prom: svc.prom})
		svc.hookFeed(c)
		svc.Feeds[seg] = c
	}
	return nil
}

func (svc *Service) hookFeed(c *feed.Connector) {
	seg := string(c.Segment())
	svc.health.SetFeedConnected(seg, false)
	c.OnStateChange = func(s feed.State) {
		svc.prom.FeedState.WithLabelValues(seg).Set(float64(s))
		svc.health.SetFeedConnected(seg, s == feed.StateConnected)
	}
	c.OnReconnect = func() { svc.prom.FeedReconnects.WithLabelValues(seg).Inc() }
	c.OnProtocolError = func(error) { svc.prom.FeedProtocolErrors.WithLabelValues(seg).Inc() }
	c.OnRejected = func(symbols []string) {
		svc.prom.FeedRejected.WithLabelValues(seg).Add(float64(len(symbols)))
		svc.alert(notification.Alert{
			Level:   notification.AlertWarning,
			Source:  "feed",
			Title:   seg + " symbols rejected by exchange",
			Message: strings.Join(symbols, ", "),
			Fields:  map[string]string{"segment": seg},
		})
	}
	c.OnFatal = func(err error) {
		svc.prom.FeedFatal.WithLabelValues(seg).Inc()
		svc.Hub.Publish(model.ErrorMessage(fmt.Sprintf("%s market data unavailable: %v", seg, err)))
		svc.alert(notification.Alert{
			Level:   notification.AlertCritical,
			Source:  "feed",
			Title:   seg + " feed gave up",
			Message: err.Error(),
			Fields:  map[string]string{"segment": seg},
		})
	}
}

// Run starts every subsystem and blocks until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) error {
	svc.log.Info("starting radar", "feeds", len(svc.Feeds), "redis", svc.mirror != nil, "http", svc.cfg.HTTPAddr)

	svc.refreshCriteria(ctx)
	svc.cron = gocron.NewScheduler(time.UTC)
	if svc.cfg.CriteriaRefresh > 0 {
		if _, err := svc.cron.Every(svc.cfg.CriteriaRefresh).WaitForSchedule().Do(svc.refreshCriteria, ctx); err != nil {
			return fmt.Errorf("radar: register criteria refresh: %w", err)
		}
	}
	svc.cron.StartAsync()

	svc.goRun(func() { svc.Hub.Run(ctx) })
	svc.goRun(func() { svc.Detector.Run(ctx) })

	if svc.mirror != nil {
		relay := svc.Hub.Subscribe("")
		svc.goRun(func() { svc.mirror.RunTickers(ctx, svc.mirrorCh) })
		svc.goRun(func() {
			defer relay.Close()
			svc.mirror.RunMessages(ctx, relay)
		})
	}

	for _, c := range svc.Feeds {
		c := c
		svc.goRun(func() {
			if err := c.Run(ctx); err != nil {
				svc.log.Error("feed stopped", "segment", c.Segment(), "error", err)
			}
		})
	}

	svc.health.StartLivenessChecker(ctx, svc.clients.Probes(), svc.cfg.HealthCheckInterval)
	if svc.apiSrv != nil {
		svc.apiSrv.Start()
	}
	if svc.metricsSrv != nil {
		svc.metricsSrv.Start()
	}

	svc.log.Info("radar running")
	<-ctx.Done()
	svc.shutdown()
	return nil
}

func (svc *Service) goRun(fn func()) {
	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		fn()
	}()
}

func (svc *Service) shutdown() {
	svc.log.Info("shutdown signal received")
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if svc.cron != nil {
		svc.cron.Stop()
	}
	if svc.apiSrv != nil {
		svc.apiSrv.Stop(shutCtx)
	}
	svc.Hub.Shutdown()
	svc.wg.Wait()
	if svc.metricsSrv != nil {
		svc.metricsSrv.Stop(shutCtx)
	}
	svc.log.Info("shutdown complete")
}

// onTicker runs on the feed goroutine for every accepted ticker.
func (svc *Service) onTicker(t model.Ticker) {
	svc.Detector.Notify(t.Symbol)
	svc.health.SetLastTickTime(t.Time)
	if svc.mirrorCh != nil {
		select {
		case svc.mirrorCh <- t:
		default:
			// the mirror only needs the latest value; a later tick supersedes this one
		}
	}
}

// refreshCriteria resyncs the detector with the persisted active criteria
// and makes sure every watched symbol is subscribed.
func (svc *Service) refreshCriteria(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	list, err := svc.clients.Watchlist.ListActiveCriteria(lctx)
	if err != nil {
		svc.log.Warn("criteria refresh failed", "error", err)
		return
	}
	svc.Detector.Sync(list)
	svc.prom.DetectorCriteria.Set(float64(svc.Detector.Registry().Len()))
	svc.watch(ctx, svc.notRejected(svc.Detector.Registry().Symbols())...)
}

// notRejected drops symbols the exchange already refused, so the periodic
// refresh does not resend them. A watchlist add still retries.
func (svc *Service) notRejected(symbols []string) []string {
	refused := make(map[string]bool)
	for _, c := range svc.Feeds {
		for _, s := range c.Status().Rejected {
			refused[s] = true
		}
	}
	out := symbols[:0:0]
	for _, s := range symbols {
		if !refused[s] {
			out = append(out, s)
		}
	}
	return out
}

// watch subscribes the symbols on the connector of their segment.
func (svc *Service) watch(ctx context.Context, symbols ...string) {
	bySeg := make(map[model.Segment][]string)
	for _, s := range symbols {
		seg := model.SegmentForSymbol(s)
		c, ok := svc.Feeds[seg]
		if !ok {
			svc.log.Warn("no feed for watched symbol", "symbol", s, "segment", seg)
			continue
		}
		if !contains(c.Symbols(), s) {
			bySeg[seg] = append(bySeg[seg], s)
		}
	}
	for seg, syms := range bySeg {
		c := svc.Feeds[seg]
		timeout := svc.cfg.FeedSubscribeTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		sctx, cancel := context.WithTimeout(ctx, timeout)
		err := c.Subscribe(sctx, syms...)
		cancel()
		switch {
		case err == nil:
			svc.log.Info("subscribed watched symbols", "segment", seg, "symbols", syms)
		case errors.Is(err, feed.ErrNotConnected):
			// kept in the desired set, subscribed on connect
		default:
			svc.log.Warn("subscribe watched symbols failed", "segment", seg, "error", err)
		}
	}
}

// deactivate persists the consumption of a one-shot criterion. Until the write
// lands the detector keeps the criterion out of criteria refreshes.
func (svc *Service) deactivate(c model.WatchCriterion) {
	go func() {
		for attempt := 1; ; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := svc.clients.Watchlist.DeactivateCriterion(ctx, c.ID)
			cancel()
			if err == nil {
				return
			}
			if attempt >= deactivateAttempts {
				svc.log.Error("deactivate consumed criterion failed", "id", c.ID, "attempts", attempt, "error", err)
				return
			}
			svc.log.Warn("deactivate consumed criterion failed, retrying", "id", c.ID, "attempt", attempt, "error", err)
			time.Sleep(feed.Backoff(attempt-1, deactivateBackoff, 10*deactivateBackoff))
		}
	}()
}

func (svc *Service) alert(a notification.Alert) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := svc.notifier.Send(ctx, a); err != nil {
			svc.log.Warn("alert delivery failed", "title", a.Title, "error", err)
		}
	}()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
