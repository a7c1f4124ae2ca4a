// Package feed maintains the exchange WebSocket session for one market segment
// and turns its ticker frames into model.Ticker upserts.
//
// A Connector cycles Disconnected → Connecting → Connected → Reconnecting.
// Every connection attempt fetches a fresh token, dials, waits for the welcome
// frame, completes one ping/pong, and re-subscribes every desired symbol before
// the session is declared Connected. Tickers that arrive while subscriptions
// are still being acknowledged are held and flushed in order afterwards.
//
// A symbol the exchange refuses is removed from the desired set and reported
// through OnRejected, so one unlisted symbol never blocks the rest of the
// segment from connecting.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"trading-radar/internal/logger"
	"trading-radar/internal/model"
	"trading-radar/pkg/kucoin"
)

var (
	ErrMaxRetries       = errors.New("feed: max reconnect attempts exceeded")
	ErrNotConnected     = errors.New("feed: not connected")
	ErrSessionClosed    = errors.New("feed: session closed")
	ErrHandshake        = errors.New("feed: handshake failed")
	ErrAckTimeout       = errors.New("feed: ack timeout")
	ErrHeartbeatTimeout = errors.New("feed: heartbeat timeout")
	ErrProtocol         = errors.New("feed: too many protocol errors")
	ErrRejected         = errors.New("feed: request rejected")
	ErrWrongSegment     = errors.New("feed: symbol belongs to another segment")
)

// TokenProvider issues one connection token per attempt.
type TokenProvider interface {
	BulletPublic(ctx context.Context) (model.Token, error)
}

// TickerSink receives decoded tickers. It must not block.
type TickerSink interface {
	Upsert(t model.Ticker) bool
}

// Config controls a Connector. Zero values take the defaults noted per field.
type Config struct {
	Segment model.Segment
	Symbols []string // initial desired set

	MaxRetries        int           // 10
	BackoffBase       time.Duration // 1s
	BackoffMax        time.Duration // 60s
	TokenTimeout      time.Duration // 10s
	HandshakeTimeout  time.Duration // 10s
	SubscribeTimeout  time.Duration // 10s
	HeartbeatFactor   float64       // 2
	MaxProtocolErrors int           // 20

	// KuCoin allows 100 client messages per 10 seconds per connection.
	WriteRate  rate.Limit // 10/s
	WriteBurst int        // 10

	Dialer *websocket.Dialer
}

func (c *Config) defaults() {
	if c.Segment == "" {
		c.Segment = model.SegmentSpot
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.TokenTimeout <= 0 {
		c.TokenTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 10 * time.Second
	}
	if c.HeartbeatFactor <= 0 {
		c.HeartbeatFactor = 2
	}
	if c.MaxProtocolErrors <= 0 {
		c.MaxProtocolErrors = 20
	}
	if c.WriteRate <= 0 {
		c.WriteRate = rate.Every(100 * time.Millisecond)
	}
	if c.WriteBurst <= 0 {
		c.WriteBurst = 10
	}
	if c.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = c.HandshakeTimeout
		c.Dialer = &d
	}
}

// Connector owns the feed session for one segment.
type Connector struct {
	cfg    Config
	tokens TokenProvider
	sink   TickerSink
	log    *slog.Logger

	mu             sync.Mutex
	state          State
	desired        map[string]bool
	rejected       map[string]bool
	sess           *session // non-nil only while Connected
	failures       int
	lastErr        error
	connectedSince time.Time

	// latest ticker and 24h stats per symbol, merged on emit
	smu   sync.Mutex
	last  map[string]model.Ticker
	stats map[string]kucoin.Stats

	protoErrs atomic.Uint64
	tickers   atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once

	// Optional hooks. They run on connector goroutines and must not block.
	OnStateChange   func(State)
	OnReconnect     func()
	OnProtocolError func(error)
	// OnRejected reports symbols the exchange refused to subscribe. They have
	// already been dropped from the desired set.
	OnRejected func(symbols []string)
	// OnFatal is called once when the retry ceiling is reached, before Run
	// returns ErrMaxRetries.
	OnFatal func(error)
}

// New creates a Connector. Symbols in cfg that belong to another segment are dropped.
func New(cfg Config, tokens TokenProvider, sink TickerSink) *Connector {
	cfg.defaults()
	c := &Connector{
		cfg:     cfg,
		tokens:  tokens,
		sink:    sink,
		log:     logger.Component("feed").With("segment", string(cfg.Segment)),
		desired:  make(map[string]bool),
		rejected: make(map[string]bool),
		last:     make(map[string]model.Ticker),
		stats:    make(map[string]kucoin.Stats),
		stop:     make(chan struct{}),
	}
	for _, s := range cfg.Symbols {
		if model.SegmentForSymbol(s) == cfg.Segment {
			c.desired[s] = true
		} else {
			c.log.Warn("dropping symbol from another segment", "symbol", s)
		}
	}
	return c
}

// Segment returns the market segment this connector serves.
func (c *Connector) Segment() model.Segment { return c.cfg.Segment }

// State returns the current lifecycle state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot for health reporting.
func (c *Connector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Segment:        c.cfg.Segment,
		State:          c.state,
		Symbols:        c.symbolsLocked(),
		Rejected:       sortedKeys(c.rejected),
		Failures:       c.failures,
		ProtocolErrors: c.protoErrs.Load(),
		Tickers:        c.tickers.Load(),
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if c.state == StateConnected {
		since := c.connectedSince
		st.ConnectedSince = &since
	}
	return st
}

// Run drives the session lifecycle until ctx is cancelled, Disconnect is
// called, or MaxRetries consecutive attempts fail (ErrMaxRetries).
func (c *Connector) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.log.Info("feed connector starting", "symbols", len(c.Symbols()))
	for {
		c.setState(StateConnecting)
		sess, err := c.connect(ctx)
		if err == nil {
			err = c.serve(ctx, sess)
		} else {
			c.mu.Lock()
			c.failures++
			c.mu.Unlock()
		}

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			c.log.Info("feed connector stopped")
			return nil
		}

		c.mu.Lock()
		c.lastErr = err
		failures := c.failures
		c.mu.Unlock()

		if failures >= c.cfg.MaxRetries {
			fatal := fmt.Errorf("%w: %d consecutive failures, last: %v", ErrMaxRetries, failures, err)
			c.setState(StateDisconnected)
			c.log.Error("feed giving up", "failures", failures, "error", err)
			if c.OnFatal != nil {
				c.OnFatal(fatal)
			}
			return fatal
		}

		c.setState(StateReconnecting)
		if c.OnReconnect != nil {
			c.OnReconnect()
		}
		delay := Backoff(failures, c.cfg.BackoffBase, c.cfg.BackoffMax)
		c.log.Warn("feed disconnected, reconnecting", "error", err, "failures", failures, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateDisconnected)
			return nil
		case <-timer.C:
		}
	}
}

// Disconnect ends Run. Safe to call more than once.
func (c *Connector) Disconnect() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// connect performs one full attempt and returns a session that has
// acknowledged every desired symbol.
func (c *Connector) connect(ctx context.Context) (*session, error) {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.TokenTimeout)
	tok, err := c.tokens.BulletPublic(tctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("feed: token: %w", err)
	}

	url, err := kucoin.ConnectURL(tok, uuid.NewString())
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	conn, _, err := c.cfg.Dialer.DialContext(dctx, url, nil)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("feed: dial: %w", err)
	}

	sess := newSession(c, conn, tok)
	go sess.readLoop()

	fail := func(err error) (*session, error) {
		sess.close(err)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-sess.welcome:
	case <-timer.C:
		return fail(fmt.Errorf("%w: no welcome within %s", ErrHandshake, c.cfg.HandshakeTimeout))
	case <-sess.done:
		return nil, fmt.Errorf("%w: %v", ErrHandshake, sess.Err())
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	if err := sess.request(ctx, kucoin.PingRequest(uuid.NewString()), c.cfg.HandshakeTimeout); err != nil {
		return fail(fmt.Errorf("%w: first heartbeat: %v", ErrHandshake, err))
	}

	// Subscribe until nothing is missing; Subscribe calls racing with this
	// loop only touch the desired set, which is re-read under the lock.
	for {
		c.mu.Lock()
		var missing []string
		for _, s := range c.symbolsLocked() {
			if !sess.subscribed[s] {
				missing = append(missing, s)
			}
		}
		if len(missing) == 0 {
			c.sess = sess
			c.mu.Unlock()
			return sess, nil
		}
		c.mu.Unlock()

		rejected, err := sess.subscribe(ctx, missing, true)
		if err != nil {
			return fail(err)
		}
		c.markSubscribed(sess, missing, rejected)
	}
}

// markSubscribed records the outcome of a subscribe request: accepted symbols
// join the session, rejected ones leave the desired set.
func (c *Connector) markSubscribed(sess *session, sent, rejected []string) {
	refused := make(map[string]bool, len(rejected))
	for _, s := range rejected {
		refused[s] = true
	}
	c.mu.Lock()
	for _, s := range sent {
		if refused[s] {
			delete(c.desired, s)
			c.rejected[s] = true
		} else {
			sess.subscribed[s] = true
			delete(c.rejected, s)
		}
	}
	c.mu.Unlock()

	if len(rejected) == 0 {
		return
	}
	c.log.Warn("exchange rejected symbols", "symbols", rejected)
	if c.OnRejected != nil {
		c.OnRejected(rejected)
	}
}

// serve runs a connected session until it fails or ctx ends.
func (c *Connector) serve(ctx context.Context, sess *session) error {
	flushed := sess.goLive()

	c.mu.Lock()
	c.failures = 0
	c.lastErr = nil
	c.connectedSince = time.Now()
	subscribed := len(sess.subscribed)
	c.mu.Unlock()
	c.setState(StateConnected)
	c.log.Info("feed connected", "symbols", subscribed, "flushed", flushed)

	go sess.keepalive()

	select {
	case <-sess.done:
	case <-ctx.Done():
		sess.close(ctx.Err())
	}

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()
	return sess.Err()
}

// Subscribe adds symbols to the desired set. While connected it also sends the
// subscribe request and waits for the ack; symbols the exchange refuses are
// dropped again and reported in an ErrRejected error. When no session is up it
// returns ErrNotConnected; the symbols are still subscribed on the next connect.
func (c *Connector) Subscribe(ctx context.Context, symbols ...string) error {
	for _, s := range symbols {
		if model.SegmentForSymbol(s) != c.cfg.Segment {
			return fmt.Errorf("%w: %s", ErrWrongSegment, s)
		}
	}

	c.mu.Lock()
	var fresh []string
	for _, s := range symbols {
		c.desired[s] = true
		if c.sess == nil || !c.sess.subscribed[s] {
			fresh = append(fresh, s)
		}
	}
	sess := c.sess
	c.mu.Unlock()

	if sess == nil {
		return ErrNotConnected
	}
	if len(fresh) == 0 {
		return nil
	}
	rejected, err := sess.subscribe(ctx, fresh, true)
	if err != nil {
		return err
	}
	c.markSubscribed(sess, fresh, rejected)
	if len(rejected) > 0 {
		return fmt.Errorf("%w: %s", ErrRejected, strings.Join(rejected, ","))
	}
	return nil
}

// Unsubscribe removes symbols from the desired set and, while connected,
// unsubscribes them on the live session.
func (c *Connector) Unsubscribe(ctx context.Context, symbols ...string) error {
	c.mu.Lock()
	var live []string
	for _, s := range symbols {
		delete(c.desired, s)
		delete(c.rejected, s)
		if c.sess != nil && c.sess.subscribed[s] {
			live = append(live, s)
		}
	}
	sess := c.sess
	c.mu.Unlock()

	if sess == nil {
		return ErrNotConnected
	}
	if len(live) == 0 {
		return nil
	}
	if _, err := sess.subscribe(ctx, live, false); err != nil {
		return err
	}
	c.mu.Lock()
	for _, s := range live {
		delete(sess.subscribed, s)
	}
	c.mu.Unlock()
	return nil
}

// Symbols returns the desired symbol set, sorted.
func (c *Connector) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.symbolsLocked()
}

func (c *Connector) symbolsLocked() []string { return sortedKeys(c.desired) }

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s && c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}

func (c *Connector) emit(t model.Ticker) {
	c.smu.Lock()
	if st, ok := c.stats[t.Symbol]; ok {
		t.ChangeRate, t.Volume = st.ChangeRate, st.Volume
	}
	if prev, ok := c.last[t.Symbol]; !ok || !t.OlderThan(prev) {
		c.last[t.Symbol] = t
	}
	c.smu.Unlock()
	c.tickers.Add(1)
	c.sink.Upsert(t)
}

// applyStats stores st unless older than what is held, and returns the
// symbol's last ticker with the new figures merged in, if there is one.
func (c *Connector) applyStats(st kucoin.Stats) (model.Ticker, bool) {
	c.smu.Lock()
	defer c.smu.Unlock()
	if prev, ok := c.stats[st.Symbol]; ok && st.Time.Before(prev.Time) {
		return model.Ticker{}, false
	}
	c.stats[st.Symbol] = st
	t, ok := c.last[st.Symbol]
	if !ok {
		return model.Ticker{}, false
	}
	t.ChangeRate, t.Volume = st.ChangeRate, st.Volume
	c.last[st.Symbol] = t
	return t, true
}

func (c *Connector) protocolError(err error) {
	c.protoErrs.Add(1)
	c.log.Warn("protocol error", "error", err)
	if c.OnProtocolError != nil {
		c.OnProtocolError(err)
	}
}
