package config

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"trading-radar/internal/logger"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// KuCoin REST hosts for bullet tokens
	KucoinSpotAPI    string
	KucoinFuturesAPI string

	// Feed
	SpotSymbols           string
	FuturesSymbols        string
	FeedMaxRetries        int
	FeedBackoffBase       time.Duration
	FeedBackoffMax        time.Duration
	FeedTokenTimeout      time.Duration
	FeedHandshakeTimeout  time.Duration
	FeedSubscribeTimeout  time.Duration
	FeedHeartbeatFactor   float64
	FeedMaxProtocolErrors int

	// Detector / hub
	DetectorEpsilonPct   float64
	DetectorBatchWindow  time.Duration
	CriteriaRefresh      time.Duration // periodic resync from the persistent store
	HubQueueSize         int
	HubHeartbeatInterval time.Duration

	// Scheduler
	SchedTick           time.Duration
	SchedWorkers        int
	SchedHandlerTimeout time.Duration
	SchedPersistRetries int
	SchedRetryDelay     time.Duration
	JobsBaseURL         string
	JournalRetention    time.Duration

	// Infrastructure
	MongoURI      string
	MongoDB       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	HTTPAddr      string
	MetricsAddr   string
	JWTSecret     string

	RedisLatestTTL       time.Duration
	RedisBreakerFailures int
	RedisBreakerReset    time.Duration
	HealthCheckInterval  time.Duration

	// Operator alerts
	NotifyWebhookURL string
	TelegramBotToken string
	TelegramChatID   string

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env not loaded: %v", err)
	}

	return &Config{
		KucoinSpotAPI:    getEnv("KUCOIN_SPOT_API", "https://api.kucoin.com"),
		KucoinFuturesAPI: getEnv("KUCOIN_FUTURES_API", "https://api-futures.kucoin.com"),

		SpotSymbols:           getEnv("FEED_SPOT_SYMBOLS", "BTC-USDT,ETH-USDT"),
		FuturesSymbols:        getEnv("FEED_FUTURES_SYMBOLS", ""),
		FeedMaxRetries:        getInt("FEED_MAX_RETRIES", 10),
		FeedBackoffBase:       getDuration("FEED_BACKOFF_BASE", time.Second),
		FeedBackoffMax:        getDuration("FEED_BACKOFF_MAX", 60*time.Second),
		FeedTokenTimeout:      getDuration("FEED_TOKEN_TIMEOUT", 10*time.Second),
		FeedHandshakeTimeout:  getDuration("FEED_HANDSHAKE_TIMEOUT", 10*time.Second),
		FeedSubscribeTimeout:  getDuration("FEED_SUBSCRIBE_TIMEOUT", 10*time.Second),
		FeedHeartbeatFactor:   getFloat("FEED_HEARTBEAT_FACTOR", 2),
		FeedMaxProtocolErrors: getInt("FEED_MAX_PROTOCOL_ERRORS", 20),

		DetectorEpsilonPct:   getFloat("DETECTOR_EPSILON_PCT", 0.5),
		DetectorBatchWindow:  getDuration("DETECTOR_BATCH_WINDOW", 100*time.Millisecond),
		CriteriaRefresh:      getDuration("CRITERIA_REFRESH", time.Minute),
		HubQueueSize:         getInt("HUB_QUEUE_SIZE", 256),
		HubHeartbeatInterval: getDuration("HUB_HEARTBEAT_INTERVAL", 15*time.Second),

		SchedTick:           getDuration("SCHED_TICK", 15*time.Minute),
		SchedWorkers:        getInt("SCHED_WORKERS", 8),
		SchedHandlerTimeout: getDuration("SCHED_HANDLER_TIMEOUT", 2*time.Minute),
		SchedPersistRetries: getInt("SCHED_PERSIST_RETRIES", 3),
		SchedRetryDelay:     getDuration("SCHED_RETRY_DELAY", 200*time.Millisecond),
		JobsBaseURL:         getEnv("JOBS_BASE_URL", "http://localhost:8081"),
		JournalRetention:    getDuration("JOURNAL_RETENTION", 30*24*time.Hour),

		MongoURI:      getEnv("MONGO_URI", ""),
		MongoDB:       getEnv("MONGO_DB", "radar"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		SQLitePath:    getEnv("SQLITE_PATH", "data/automation.db"),
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		JWTSecret:     getEnv("JWT_SECRET", ""),

		RedisLatestTTL:       getDuration("REDIS_LATEST_TTL", 30*time.Minute),
		RedisBreakerFailures: getInt("REDIS_BREAKER_FAILURES", 5),
		RedisBreakerReset:    getDuration("REDIS_BREAKER_RESET", 10*time.Second),
		HealthCheckInterval:  getDuration("HEALTH_CHECK_INTERVAL", 15*time.Second),

		NotifyWebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// Symbols splits a comma-separated symbol list, dropping blanks and duplicates.
func Symbols(list string) []string {
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	return logger.ParseLevel(c.LogLevel)
}

// RequireJWTSecret exits if the API is served without a signing secret.
func (c *Config) RequireJWTSecret() string {
	return mustEnv("JWT_SECRET")
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid float %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid duration %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
