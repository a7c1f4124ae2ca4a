package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	gomongo "go.mongodb.org/mongo-driver/mongo"
)

// DependencyStatus is the last probe result for one backing service.
type DependencyStatus struct {
	OK        bool      `json:"ok"`
	LatencyMs float64   `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthStatus represents the system health. Only dependencies that have
// been probed and segments that have been reported take part in the verdict.
type HealthStatus struct {
	mu sync.RWMutex

	feeds        map[string]bool // segment -> connected
	deps         map[string]DependencyStatus
	lastTickTime time.Time
	startedAt    time.Time
	now          func() time.Time
}

// NewHealthStatus returns an empty health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		feeds:     make(map[string]bool),
		deps:      make(map[string]DependencyStatus),
		startedAt: time.Now(),
		now:       time.Now,
	}
}

func (h *HealthStatus) SetFeedConnected(segment string, v bool) {
	h.mu.Lock()
	h.feeds[segment] = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	if t.After(h.lastTickTime) {
		h.lastTickTime = t
	}
	h.mu.Unlock()
}

// Check runs probe and records its latency and outcome under name.
func (h *HealthStatus) Check(ctx context.Context, name string, probe func(context.Context) error) {
	start := time.Now()
	err := probe(ctx)
	latency := time.Since(start)

	st := DependencyStatus{
		OK:        err == nil,
		LatencyMs: float64(latency.Microseconds()) / 1000.0,
		CheckedAt: h.now(),
	}
	if err != nil {
		st.Error = err.Error()
	}
	h.mu.Lock()
	h.deps[name] = st
	h.mu.Unlock()
}

// CheckRedis pings Redis.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	h.Check(ctx, "redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
}

// CheckSQLite pings the journal database.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	h.Check(ctx, "sqlite", db.PingContext)
}

// CheckMongo pings the primary.
func (h *HealthStatus) CheckMongo(ctx context.Context, client *gomongo.Client) {
	h.Check(ctx, "mongo", func(ctx context.Context) error { return client.Ping(ctx, nil) })
}

// Probes are the handles the liveness checker pings. Nil handles are skipped.
type Probes struct {
	Redis  *goredis.Client
	SQLite *sql.DB
	Mongo  *gomongo.Client
}

func (h *HealthStatus) probe(ctx context.Context, p Probes) {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if p.Redis != nil {
		h.CheckRedis(probeCtx, p.Redis)
	}
	if p.SQLite != nil {
		h.CheckSQLite(probeCtx, p.SQLite)
	}
	if p.Mongo != nil {
		h.CheckMongo(probeCtx, p.Mongo)
	}
}

// StartLivenessChecker probes once immediately, then every interval (15s when unset).
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, p Probes, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		h.probe(ctx, p)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.probe(ctx, p)
			}
		}
	}()
}

// Report is the /healthz body.
type Report struct {
	Status       string                      `json:"status"`
	Uptime       string                      `json:"uptime"`
	Feeds        map[string]bool             `json:"feeds,omitempty"`
	LastTickTime string                      `json:"last_tick_time,omitempty"`
	TickAge      string                      `json:"tick_age,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// Report evaluates the current state.
//
//	healthy:   every reported feed connected and every probed dependency ok
//	degraded:  anything else while at least one feed is connected (or none are reported)
//	unhealthy: feeds are reported and none is connected
func (h *HealthStatus) Report() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := Report{
		Status: "healthy",
		Uptime: h.now().Sub(h.startedAt).Round(time.Second).String(),
	}
	if len(h.feeds) > 0 {
		r.Feeds = make(map[string]bool, len(h.feeds))
	}
	connected := 0
	for seg, ok := range h.feeds {
		r.Feeds[seg] = ok
		if ok {
			connected++
		} else {
			r.Status = "degraded"
		}
	}
	if len(h.deps) > 0 {
		r.Dependencies = make(map[string]DependencyStatus, len(h.deps))
	}
	for name, st := range h.deps {
		r.Dependencies[name] = st
		if !st.OK {
			r.Status = "degraded"
		}
	}
	if len(h.feeds) > 0 && connected == 0 {
		r.Status = "unhealthy"
	}

	if !h.lastTickTime.IsZero() {
		r.LastTickTime = h.lastTickTime.Format(time.RFC3339)
		r.TickAge = h.now().Sub(h.lastTickTime).Round(time.Millisecond).String()
	}
	return r
}

// FailingDependencies lists probed dependencies whose last check failed.
func (h *HealthStatus) FailingDependencies() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for name, st := range h.deps {
		if !st.OK {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if rep.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(rep)
}
