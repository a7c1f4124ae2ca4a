package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the radar and automation processes.
type Metrics struct {
	// Feed connector, labelled by segment (spot, futures)
	FeedState          *prometheus.GaugeVec // 0=disconnected, 1=connecting, 2=connected, 3=reconnecting
	FeedReconnects     *prometheus.CounterVec
	FeedProtocolErrors *prometheus.CounterVec
	FeedTickers        *prometheus.CounterVec
	FeedFatal          *prometheus.CounterVec
	FeedRejected       *prometheus.CounterVec

	// Ticker store
	TickersStale prometheus.Counter

	// Detector
	DetectorEmits    *prometheus.CounterVec // labels: type
	DetectorCriteria prometheus.Gauge

	// Broadcast hub
	HubSubscribers prometheus.Gauge
	HubDrops       prometheus.Counter
	HubLatency     prometheus.Histogram // exchange time to hub publish

	// Automation scheduler
	SchedRuns         *prometheus.CounterVec // labels: feature, status
	SchedSkips        *prometheus.CounterVec // labels: feature
	SchedInFlight     prometheus.Gauge
	SchedTickDuration prometheus.Histogram
	JournalWriteDur   prometheus.Histogram

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
	RedisFlushedWrites       prometheus.Counter
}

// NewMetrics registers all metrics with reg, or the default registerer when
// reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		FeedState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "radar_feed_state",
			Help: "Feed session state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
		}, []string{"segment"}),
		FeedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_feed_reconnects_total",
			Help: "Feed reconnection attempts",
		}, []string{"segment"}),
		FeedProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_feed_protocol_errors_total",
			Help: "Malformed or error frames received from the exchange",
		}, []string{"segment"}),
		FeedTickers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_feed_tickers_total",
			Help: "Ticker frames decoded",
		}, []string{"segment"}),
		FeedFatal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_feed_fatal_total",
			Help: "Times a connector gave up after the reconnect ceiling",
		}, []string{"segment"}),
		FeedRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_feed_rejected_symbols_total",
			Help: "Symbols the exchange refused to subscribe",
		}, []string{"segment"}),

		TickersStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_tickers_stale_total",
			Help: "Ticker updates rejected because a newer value was stored",
		}),

		DetectorEmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_detector_emits_total",
			Help: "Opportunity messages emitted by the detector",
		}, []string{"type"}),
		DetectorCriteria: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radar_detector_criteria",
			Help: "Active watch criteria held by the detector",
		}),

		HubSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radar_hub_subscribers",
			Help: "Connected opportunity stream subscribers",
		}),
		HubDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_hub_drops_total",
			Help: "Messages evicted from full subscriber queues",
		}),
		HubLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "radar_hub_latency_seconds",
			Help:    "Latency from exchange ticker time to hub publish",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),

		SchedRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_scheduler_runs_total",
			Help: "Automation job runs by outcome",
		}, []string{"feature", "status"}),
		SchedSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_scheduler_skips_total",
			Help: "Due jobs skipped because the previous run was still in flight",
		}, []string{"feature"}),
		SchedInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radar_scheduler_in_flight",
			Help: "Automation jobs currently running",
		}),
		SchedTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "radar_scheduler_tick_duration_seconds",
			Help:    "Wall time of one scheduler tick including the jobs it started",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		JournalWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "radar_journal_write_duration_seconds",
			Help:    "SQLite run journal insert latency",
			Buckets: prometheus.DefBuckets,
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radar_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_redis_buffered_writes_total",
			Help: "Ticker writes buffered locally while Redis was unavailable",
		}),
		RedisFlushedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_redis_flushed_writes_total",
			Help: "Buffered ticker writes replayed after Redis recovered",
		}),
	}

	reg.MustRegister(
		m.FeedState,
		m.FeedReconnects,
		m.FeedProtocolErrors,
		m.FeedTickers,
		m.FeedFatal,
		m.FeedRejected,
		m.TickersStale,
		m.DetectorEmits,
		m.DetectorCriteria,
		m.HubSubscribers,
		m.HubDrops,
		m.HubLatency,
		m.SchedRuns,
		m.SchedSkips,
		m.SchedInFlight,
		m.SchedTickDuration,
		m.JournalWriteDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.RedisFlushedWrites,
	)

	return m
}
