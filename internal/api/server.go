// Package api serves the radar HTTP surface: ticker reads, feed status, the
// authenticated opportunity stream, and per-user watchlist and automation
// management.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"trading-radar/internal/feed"
	"trading-radar/internal/hub"
	"trading-radar/internal/logger"
	"trading-radar/internal/model"
)

// FeedStatus is implemented by *feed.Connector.
type FeedStatus interface {
	Status() feed.Status
}

// CriteriaSink receives watchlist changes so they take effect without
// waiting for the next store sync. *detector.Detector satisfies it.
type CriteriaSink interface {
	Add(c model.WatchCriterion) error
	Remove(id string) bool
}

// Deps are the components behind the routes. Nil components disable the
// routes that need them.
type Deps struct {
	Tickers    model.TickerReader
	Feeds      []FeedStatus
	Hub        *hub.Hub
	Criteria   CriteriaSink
	Watchlist  model.WatchlistStore
	Automation model.AutomationStore
	Runs       model.RunJournal
	Health     http.Handler
	Auth       *Authenticator

	// DefaultInterval applies when an automation is enabled without one.
	DefaultInterval time.Duration
	Now             func() time.Time
}

type handlers struct {
	Deps
	log     *slog.Logger
	started time.Time
}

// NewRouter builds the gin engine.
func NewRouter(d Deps) *gin.Engine {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.DefaultInterval <= 0 {
		d.DefaultInterval = 15 * time.Minute
	}
	h := &handlers{Deps: d, log: logger.Component("api"), started: d.Now()}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLog())

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", h.health)
		v1.GET("/system", h.system)
		v1.GET("/tickers", h.listTickers)
		v1.GET("/tickers/:symbol", h.getTicker)
		v1.GET("/feed/status", h.feedStatus)
	}

	if d.Auth == nil {
		return r
	}
	auth := d.Auth.Middleware()

	if d.Hub != nil {
		r.GET("/ws/opportunities", auth, h.streamOpportunities)
		v1.GET("/opportunities", auth, h.listOpportunities)
	}

	if d.Watchlist != nil {
		watchlist := v1.Group("/watchlist", auth)
		{
			watchlist.GET("", h.listCriteria)
			watchlist.POST("", h.addCriterion)
			watchlist.DELETE("/:id", h.removeCriterion)
		}
	}

	if d.Automation != nil {
		automation := v1.Group("/automation", auth)
		{
			automation.GET("/runs", h.listRuns)
			automation.GET("/:feature", h.getAutomation)
			automation.PUT("/:feature", h.enableAutomation)
			automation.DELETE("/:feature", h.disableAutomation)
		}
	}
	return r
}

func (h *handlers) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
		)
	}
}

func (h *handlers) health(c *gin.Context) {
	if h.Health != nil {
		h.Health.ServeHTTP(c.Writer, c.Request)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Server wraps the router in an http.Server.
type Server struct {
	addr string
	srv  *http.Server
	log  *slog.Logger
}

func NewServer(addr string, d Deps) *Server {
	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(d),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: logger.Component("api"),
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", "error", err)
		}
	}()
}

// Stop stops accepting requests and waits for in-flight ones. Hijacked
// WebSocket connections end when the hub shuts down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
