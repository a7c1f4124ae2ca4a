// Package redis mirrors radar state into Redis for out-of-process readers:
// the latest ticker per symbol as a key, ticker updates and opportunity
// messages on Pub/Sub channels. Every call goes through a CircuitBreaker so
// a Redis outage never slows the feed.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"trading-radar/internal/logger"
	"trading-radar/internal/model"
)

const (
	LatestKeyPrefix     = "ticker:latest:"
	TickerChannelPrefix = "pub:ticker:"
	OpportunityChannel  = "pub:opportunity"

	defaultLatestTTL = 30 * time.Minute
)

// Config configures the Redis connection.
type Config struct {
	Addr      string // e.g. "localhost:6379"
	Password  string
	DB        int
	LatestTTL time.Duration
}

// Connect creates a client and pings the server.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// MessageSource yields hub messages; *hub.Subscription satisfies it.
type MessageSource interface {
	Next(ctx context.Context) (model.OpportunityMessage, error)
}

// relayEnvelope carries the user scope that the wire message omits.
type relayEnvelope struct {
	UserID  string          `json:"userId,omitempty"`
	Message json.RawMessage `json:"message"`
}

// Mirror writes tickers and opportunity messages to Redis.
type Mirror struct {
	client *goredis.Client
	cb     *CircuitBreaker
	ttl    time.Duration
	log    *slog.Logger

	// pending holds the latest ticker per symbol not yet mirrored.
	mu      sync.Mutex
	pending map[string]model.Ticker

	OnBuffer func()          // a ticker was buffered
	OnFlush  func(count int) // buffered tickers were written
}

// NewMirror wraps client. The breaker's OnStateChange is chained so the
// buffer is flushed when the circuit closes.
func NewMirror(client *goredis.Client, cb *CircuitBreaker, ttl time.Duration) *Mirror {
	if ttl <= 0 {
		ttl = defaultLatestTTL
	}
	m := &Mirror{
		client:  client,
		cb:      cb,
		ttl:     ttl,
		log:     logger.Component("redis"),
		pending: make(map[string]model.Ticker),
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		m.log.Info("circuit state change", "from", from.String(), "to", to.String())
		if to == StateClosed {
			go m.flush(context.Background())
		}
	}
	return m
}

// WriteTicker sets ticker:latest:<symbol> and publishes on pub:ticker:<symbol>.
// A failed or rejected write is kept (latest per symbol) for the next flush.
func (m *Mirror) WriteTicker(ctx context.Context, t model.Ticker) error {
	err := m.cb.Execute(func() error { return m.writeTicker(ctx, t) })
	if err != nil {
		m.buffer(t)
		if errors.Is(err, ErrCircuitOpen) {
			return nil
		}
	}
	return err
}

// RunTickers mirrors tickers from ch until ctx is done or ch is closed.
func (m *Mirror) RunTickers(ctx context.Context, ch <-chan model.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ch:
			if !ok {
				return
			}
			if err := m.WriteTicker(ctx, t); err != nil {
				m.log.Debug("ticker mirror write failed", "symbol", t.Symbol, "error", err)
			}
		}
	}
}

// PublishMessage relays one opportunity message on pub:opportunity.
func (m *Mirror) PublishMessage(ctx context.Context, msg model.OpportunityMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis relay marshal: %w", err)
	}
	env, err := json.Marshal(relayEnvelope{UserID: msg.UserID, Message: raw})
	if err != nil {
		return fmt.Errorf("redis relay marshal: %w", err)
	}
	return m.cb.Execute(func() error {
		return m.client.Publish(ctx, OpportunityChannel, env).Err()
	})
}

// RunMessages relays messages from src until ctx is done or src closes.
// Heartbeats are not relayed; messages rejected by an open circuit are dropped.
func (m *Mirror) RunMessages(ctx context.Context, src MessageSource) {
	for {
		msg, err := src.Next(ctx)
		if err != nil {
			return
		}
		if msg.Type == model.MsgHeartbeat {
			continue
		}
		if err := m.PublishMessage(ctx, msg); err != nil && !errors.Is(err, ErrCircuitOpen) {
			m.log.Warn("opportunity relay failed", "type", msg.Type, "error", err)
		}
	}
}

// Latest reads the mirrored ticker for symbol.
func (m *Mirror) Latest(ctx context.Context, symbol string) (model.Ticker, error) {
	var t model.Ticker
	err := m.cb.Execute(func() error {
		data, err := m.client.Get(ctx, LatestKeyPrefix+symbol).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return model.Ticker{}, err
	}
	if t.Symbol == "" {
		return model.Ticker{}, fmt.Errorf("ticker %s: %w", symbol, model.ErrNotFound)
	}
	return t, nil
}

// PendingCount returns the number of symbols waiting to be flushed.
func (m *Mirror) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Mirror) writeTicker(ctx context.Context, t model.Ticker) error {
	data := t.JSON()
	pipe := m.client.Pipeline()
	pipe.Set(ctx, LatestKeyPrefix+t.Symbol, data, m.ttl)
	pipe.Publish(ctx, TickerChannelPrefix+t.Symbol, data)
	_, err := pipe.Exec(ctx)
	return err
}

func (m *Mirror) buffer(t model.Ticker) {
	m.mu.Lock()
	if prev, ok := m.pending[t.Symbol]; !ok || !t.OlderThan(prev) {
		m.pending[t.Symbol] = t
	}
	m.mu.Unlock()
	if m.OnBuffer != nil {
		m.OnBuffer()
	}
}

// flush writes every buffered ticker; failures go back into the buffer.
func (m *Mirror) flush(ctx context.Context) {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	batch := m.pending
	m.pending = make(map[string]model.Ticker, len(batch))
	m.mu.Unlock()

	flushed := 0
	for _, t := range batch {
		if err := m.cb.Execute(func() error { return m.writeTicker(ctx, t) }); err != nil {
			m.buffer(t)
			continue
		}
		flushed++
	}
	m.log.Info("flushed buffered tickers", "count", flushed, "pending", m.PendingCount())
	if m.OnFlush != nil {
		m.OnFlush(flushed)
	}
}
