package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"trading-radar/internal/model"
	"trading-radar/pkg/kucoin"
)

const (
	writeWait = 5 * time.Second

	// pendingLimit bounds tickers held while a session is still resubscribing.
	pendingLimit = 4096
)

// session is one WebSocket connection. It is discarded on any failure; the
// connector builds a fresh one for every attempt.
type session struct {
	c           *Connector
	conn        *websocket.Conn
	tok         model.Token
	readTimeout time.Duration
	limiter     *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	wmu sync.Mutex

	mu      sync.Mutex
	waiters map[string]chan error
	live    bool
	pending []model.Ticker

	// guarded by Connector.mu
	subscribed map[string]bool

	welcome     chan struct{}
	welcomeOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newSession(c *Connector, conn *websocket.Conn, tok model.Token) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		c:           c,
		conn:        conn,
		tok:         tok,
		readTimeout: heartbeatTimeout(tok, c.cfg.HeartbeatFactor),
		limiter:     rate.NewLimiter(c.cfg.WriteRate, c.cfg.WriteBurst),
		ctx:         ctx,
		cancel:      cancel,
		waiters:     make(map[string]chan error),
		subscribed:  make(map[string]bool),
		welcome:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// heartbeatTimeout is how long the session may stay silent before it is
// considered dead: factor × pingInterval, never below pingInterval+pingTimeout.
func heartbeatTimeout(tok model.Token, factor float64) time.Duration {
	interval, timeout := tok.PingInterval, tok.PingTimeout
	if interval <= 0 {
		interval = 18 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if factor <= 0 {
		factor = 2
	}
	d := time.Duration(float64(interval) * factor)
	if floor := interval + timeout; d < floor {
		d = floor
	}
	return d
}

func (s *session) pingInterval() time.Duration {
	if s.tok.PingInterval > 0 {
		return s.tok.PingInterval
	}
	return 18 * time.Second
}

// readLoop owns the connection's read side until the session closes.
func (s *session) readLoop() {
	consecutive := 0
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				err = fmt.Errorf("%w: silent for %s", ErrHeartbeatTimeout, s.readTimeout)
			} else {
				err = fmt.Errorf("feed: read: %w", err)
			}
			s.close(err)
			return
		}

		if err := s.handle(raw); err != nil {
			consecutive++
			s.c.protocolError(err)
			if consecutive >= s.c.cfg.MaxProtocolErrors {
				s.close(fmt.Errorf("%w: %d in a row, last: %v", ErrProtocol, consecutive, err))
				return
			}
			continue
		}
		consecutive = 0
	}
}

func (s *session) handle(raw []byte) error {
	f, err := kucoin.ParseFrame(raw)
	if err != nil {
		return err
	}

	switch f.Type {
	case kucoin.TypeWelcome:
		s.welcomeOnce.Do(func() { close(s.welcome) })
	case kucoin.TypePong, kucoin.TypeAck:
		s.resolve(f.ID, nil)
	case kucoin.TypeError:
		rejected := fmt.Errorf("%w: code %d: %s", ErrRejected, f.Code, f.Data.String())
		if s.resolve(f.ID, rejected) {
			return nil
		}
		return rejected
	case kucoin.TypeMessage:
		if kucoin.IsSnapshot(f.Subject) {
			st, err := kucoin.DecodeStats(f)
			if err != nil {
				return err
			}
			s.deliverStats(st)
			return nil
		}
		t, err := kucoin.DecodeTicker(f, s.c.cfg.Segment)
		if errors.Is(err, kucoin.ErrUnsupportedSubject) {
			return nil
		}
		if err != nil {
			return err
		}
		s.deliver(t)
	default:
		s.c.log.Debug("ignoring frame", "type", f.Type)
	}
	return nil
}

// deliver hands a ticker to the sink, or holds it until goLive.
func (s *session) deliver(t model.Ticker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live {
		if len(s.pending) >= pendingLimit {
			s.pending = s.pending[1:]
		}
		s.pending = append(s.pending, t)
		return
	}
	s.c.emit(t)
}

// deliverStats records 24h figures for the symbol. Once live, the symbol's last
// ticker is re-emitted carrying them; before that, held tickers pick them up
// when flushed.
func (s *session) deliverStats(st kucoin.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.c.applyStats(st)
	if ok && s.live {
		s.c.sink.Upsert(t)
	}
}

// goLive flushes held tickers in arrival order and switches to direct delivery.
func (s *session) goLive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	for _, t := range s.pending {
		s.c.emit(t)
	}
	s.pending = nil
	s.live = true
	return n
}

func (s *session) resolve(id string, err error) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	ch, ok := s.waiters[id]
	s.mu.Unlock()
	if ok {
		select {
		case ch <- err:
		default:
		}
	}
	return ok
}

// request writes req and waits for the matching pong/ack.
func (s *session) request(ctx context.Context, req kucoin.Request, timeout time.Duration) error {
	ch := make(chan error, 1)
	s.mu.Lock()
	s.waiters[req.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, req.ID)
		s.mu.Unlock()
	}()

	if err := s.write(ctx, req); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-timer.C:
		return fmt.Errorf("%w: %s %s", ErrAckTimeout, req.Type, req.Topic)
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subscribe sends subscribe/unsubscribe requests for symbols in batches. When
// the exchange rejects a batch it is retried one symbol at a time, and the
// symbols rejected on their own are returned instead of failing the call.
// Any other failure aborts.
func (s *session) subscribe(ctx context.Context, symbols []string, subscribe bool) ([]string, error) {
	var rejected []string
	for _, batch := range kucoin.BatchSymbols(symbols, kucoin.MaxTopicSymbols) {
		err := s.subscribeBatch(ctx, batch, subscribe)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrRejected) {
			return rejected, err
		}
		if len(batch) == 1 {
			rejected = append(rejected, batch[0])
			continue
		}
		for _, sym := range batch {
			if err := s.subscribeBatch(ctx, []string{sym}, subscribe); err != nil {
				if !errors.Is(err, ErrRejected) {
					return rejected, err
				}
				rejected = append(rejected, sym)
			}
		}
	}
	return rejected, nil
}

func (s *session) subscribeBatch(ctx context.Context, batch []string, subscribe bool) error {
	for _, prefix := range kucoin.Topics(s.c.cfg.Segment) {
		topic := kucoin.Topic(prefix, batch)
		req := kucoin.SubscribeRequest(uuid.NewString(), topic)
		if !subscribe {
			req = kucoin.UnsubscribeRequest(uuid.NewString(), topic)
		}
		if err := s.request(ctx, req, s.c.cfg.SubscribeTimeout); err != nil {
			return fmt.Errorf("feed: %s %s: %w", req.Type, topic, err)
		}
	}
	return nil
}

// write serialises outbound frames under the per-connection rate limit.
func (s *session) write(ctx context.Context, req kucoin.Request) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("feed: rate limit: %w", err)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, req.Encode()); err != nil {
		s.close(fmt.Errorf("feed: write: %w", err))
		return err
	}
	return nil
}

// keepalive pings at the server-advertised interval. Liveness is judged by the
// read deadline, so pongs are not awaited here.
func (s *session) keepalive() {
	t := time.NewTicker(s.pingInterval())
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if err := s.write(s.ctx, kucoin.PingRequest(uuid.NewString())); err != nil {
				return
			}
		}
	}
}

func (s *session) close(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		s.cancel()
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.conn.Close()
	})
}

// Err returns why the session closed; valid after done is closed.
func (s *session) Err() error {
	<-s.done
	return s.err
}
