// Package kucoinsim is an in-process stand-in for the KuCoin public market-data
// endpoints: the bullet-token REST call and the ticker and 24h snapshot
// WebSocket topics. It backs the feed tests and cmd/tickserver.
package kucoinsim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"trading-radar/internal/logger"
	"trading-radar/internal/model"
	"trading-radar/pkg/kucoin"
)

const WSPath = "/endpoint"

// Options tune simulator behaviour. Zero values are sensible defaults.
type Options struct {
	PingInterval time.Duration // advertised in the token; 18s
	PingTimeout  time.Duration // 10s
	TickInterval time.Duration // random-walk interval for Run; 100ms

	// TickerBeforeAck makes subscribe send the symbol's current ticker before
	// the ack, as the real exchange sometimes does.
	TickerBeforeAck bool
	// AckDelay delays subscribe acks.
	AckDelay time.Duration
	// SkipWelcome suppresses the welcome frame.
	SkipWelcome bool
	// Unlisted symbols are answered with a 404 error, failing the whole
	// topic they appear in.
	Unlisted []string
	// SnapshotEvery is how many Run ticks pass between 24h snapshot frames; 10.
	SnapshotEvery int
}

// Server simulates KuCoin. It implements http.Handler.
type Server struct {
	opts Options
	mux  *http.ServeMux
	log  *slog.Logger

	mu         sync.Mutex
	conns      map[*conn]bool
	prices     map[string]decimal.Decimal
	open       map[string]decimal.Decimal // 24h reference price
	volume     map[string]decimal.Decimal
	unlisted   map[string]bool
	tokens     map[string]bool
	failTokens int
	mute       bool

	seq        atomic.Int64
	issued     atomic.Int64
	subscribes atomic.Int64
}

type conn struct {
	ws    *websocket.Conn
	wmu   sync.Mutex
	subs  map[string]bool // ticker topic; guarded by Server.mu
	snaps map[string]bool // snapshot topic; guarded by Server.mu
}

func (c *conn) send(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// New creates a simulator with the given starting prices.
func New(opts Options, prices map[string]decimal.Decimal) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 18 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 10 * time.Second
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 100 * time.Millisecond
	}
	if opts.SnapshotEvery <= 0 {
		opts.SnapshotEvery = 10
	}
	s := &Server{
		opts:   opts,
		mux:    http.NewServeMux(),
		log:    logger.Component("kucoinsim"),
		conns:  make(map[*conn]bool),
		prices:   make(map[string]decimal.Decimal, len(prices)),
		open:     make(map[string]decimal.Decimal, len(prices)),
		volume:   make(map[string]decimal.Decimal, len(prices)),
		unlisted: make(map[string]bool, len(opts.Unlisted)),
		tokens:   make(map[string]bool),
	}
	for sym, p := range prices {
		s.prices[sym] = p
		s.open[sym] = p
	}
	for _, sym := range opts.Unlisted {
		s.unlisted[sym] = true
	}
	s.mux.HandleFunc(kucoin.BulletPublicPath, s.handleBullet)
	s.mux.HandleFunc(WSPath, s.handleWS)
	s.mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// FailTokens makes the next n bullet requests fail with a non-success code.
func (s *Server) FailTokens(n int) {
	s.mu.Lock()
	s.failTokens = n
	s.mu.Unlock()
}

// Mute stops the simulator from answering pings or sending tickers, which
// looks like a silently dead connection to the client.
func (s *Server) Mute(on bool) {
	s.mu.Lock()
	s.mute = on
	s.mu.Unlock()
}

// DropConnections closes every live WebSocket and returns how many were closed.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
	return len(conns)
}

// Connections returns the number of live WebSockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Subscribed reports whether any live connection is subscribed to symbol's
// ticker topic.
func (s *Server) Subscribed(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if c.subs[symbol] {
			return true
		}
	}
	return false
}

// TokensIssued returns how many bullet tokens were handed out.
func (s *Server) TokensIssued() int { return int(s.issued.Load()) }

// SubscribeRequests returns how many subscribe frames were received.
func (s *Server) SubscribeRequests() int { return int(s.subscribes.Load()) }

// SnapshotSubscribed reports whether any live connection is subscribed to
// symbol's 24h snapshot topic.
func (s *Server) SnapshotSubscribed(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if c.snaps[symbol] {
			return true
		}
	}
	return false
}

// SetPrice updates a symbol's price and pushes a ticker, then a 24h snapshot,
// to its subscribers.
func (s *Server) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	s.setPriceLocked(symbol, price)
	s.mu.Unlock()
	s.publish(symbol, price)
	s.publishSnapshot(symbol)
}

// setPriceLocked moves the price and books a notional trade against the
// symbol's 24h volume.
func (s *Server) setPriceLocked(symbol string, price decimal.Decimal) {
	if _, ok := s.open[symbol]; !ok {
		s.open[symbol] = price
	}
	s.prices[symbol] = price
	s.volume[symbol] = s.volume[symbol].Add(decimal.RequireFromString("0.01"))
}

// Broadcast sends a raw frame to every live connection.
func (s *Server) Broadcast(raw []byte) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.send(raw)
	}
}

// Run random-walks every price each TickInterval until ctx is done.
func (s *Server) Run(ctx context.Context) {
	t := time.NewTicker(s.opts.TickInterval)
	defer t.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.mu.Lock()
		updates := make(map[string]decimal.Decimal, len(s.prices))
		for sym, p := range s.prices {
			p = walkPrice(p)
			s.setPriceLocked(sym, p)
			updates[sym] = p
		}
		s.mu.Unlock()
		for sym, p := range updates {
			s.publish(sym, p)
			if n%s.opts.SnapshotEvery == 0 {
				s.publishSnapshot(sym)
			}
		}
	}
}

// walkPrice applies a random walk of up to ±0.1%.
func walkPrice(p decimal.Decimal) decimal.Decimal {
	pct := decimal.NewFromFloat((rand.Float64()*0.2 - 0.1) / 100.0)
	next := p.Add(p.Mul(pct)).Round(8)
	if !next.IsPositive() {
		return p
	}
	return next
}

func (s *Server) handleBullet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	fail := s.failTokens > 0
	if fail {
		s.failTokens--
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		json.NewEncoder(w).Encode(map[string]string{"code": "500000", "msg": "simulated failure"})
		return
	}

	tok := uuid.NewString()
	s.mu.Lock()
	s.tokens[tok] = true
	s.mu.Unlock()
	s.issued.Add(1)

	var resp kucoin.BulletResponse
	resp.Code = kucoin.SuccessCode
	resp.Data.Token = tok
	resp.Data.InstanceServers = []kucoin.InstanceServer{{
		Endpoint:     "ws://" + r.Host + WSPath,
		Protocol:     "websocket",
		PingInterval: s.opts.PingInterval.Milliseconds(),
		PingTimeout:  s.opts.PingTimeout.Milliseconds(),
	}}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	s.mu.Lock()
	valid := s.tokens[tok]
	delete(s.tokens, tok) // single use
	s.mu.Unlock()
	if !valid {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade error", "error", err)
		return
	}
	c := &conn{ws: ws, subs: make(map[string]bool), snaps: make(map[string]bool)}
	s.mu.Lock()
	s.conns[c] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		ws.Close()
	}()

	if !s.opts.SkipWelcome {
		c.send(frame(r.URL.Query().Get("connectId"), kucoin.TypeWelcome))
	}

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		mute := s.mute
		s.mu.Unlock()
		if mute {
			continue
		}

		res := gjson.GetManyBytes(raw, "id", "type", "topic", "response")
		id, typ, topic := res[0].String(), res[1].String(), res[2].String()
		switch typ {
		case kucoin.TypePing:
			c.send(frame(id, kucoin.TypePong))
		case kucoin.TypeSubscribe:
			s.subscribes.Add(1)
			s.subscribe(c, id, topic, res[3].Bool())
		case kucoin.TypeUnsubscribe:
			subs := c.subs
			if isSnapshotTopic(topic) {
				subs = c.snaps
			}
			s.mu.Lock()
			for _, sym := range kucoin.TopicSymbols(topic) {
				delete(subs, sym)
			}
			s.mu.Unlock()
			if res[3].Bool() {
				c.send(frame(id, kucoin.TypeAck))
			}
		default:
			c.send([]byte(fmt.Sprintf(`{"id":%q,"type":"error","code":400,"data":"unknown type"}`, id)))
		}
	}
}

func isSnapshotTopic(topic string) bool {
	return strings.HasPrefix(topic, kucoin.SpotSnapshotTopic+":") ||
		strings.HasPrefix(topic, kucoin.FuturesSnapshotTopic+":")
}

func (s *Server) subscribe(c *conn, id, topic string, wantAck bool) {
	syms := kucoin.TopicSymbols(topic)
	if len(syms) == 0 || len(syms) > kucoin.MaxTopicSymbols {
		c.send([]byte(fmt.Sprintf(`{"id":%q,"type":"error","code":400,"data":"invalid topic %s"}`, id, topic)))
		return
	}
	snapshot := isSnapshotTopic(topic)

	s.mu.Lock()
	for _, sym := range syms {
		if s.unlisted[sym] {
			s.mu.Unlock()
			c.send([]byte(fmt.Sprintf(`{"id":%q,"type":"error","code":404,"data":"topic %s is not found"}`, id, topic)))
			return
		}
	}
	subs := c.subs
	if snapshot {
		subs = c.snaps
	}
	var current []string
	prices := make(map[string]decimal.Decimal)
	for _, sym := range syms {
		subs[sym] = true
		if p, ok := s.prices[sym]; ok {
			current = append(current, sym)
			prices[sym] = p
		}
	}
	s.mu.Unlock()

	send := func() {
		for _, sym := range current {
			if snapshot {
				c.send(s.snapshotFrame(sym))
			} else {
				c.send(s.tickerFrame(sym, prices[sym]))
			}
		}
	}
	if s.opts.TickerBeforeAck {
		send()
	}
	if s.opts.AckDelay > 0 {
		time.Sleep(s.opts.AckDelay)
	}
	if wantAck {
		c.send(frame(id, kucoin.TypeAck))
	}
	if !s.opts.TickerBeforeAck {
		send()
	}
}

func (s *Server) publish(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	if s.mute {
		s.mu.Unlock()
		return
	}
	var targets []*conn
	for c := range s.conns {
		if c.subs[symbol] {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	b := s.tickerFrame(symbol, price)
	for _, c := range targets {
		c.send(b)
	}
}

func (s *Server) publishSnapshot(symbol string) {
	s.mu.Lock()
	if s.mute {
		s.mu.Unlock()
		return
	}
	var targets []*conn
	for c := range s.conns {
		if c.snaps[symbol] {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	b := s.snapshotFrame(symbol)
	for _, c := range targets {
		c.send(b)
	}
}

// snapshotFrame renders the symbol's 24h statistics in the segment's wire
// format. The change rate is measured against the symbol's first price.
func (s *Server) snapshotFrame(symbol string) []byte {
	s.mu.Lock()
	price, open, vol := s.prices[symbol], s.open[symbol], s.volume[symbol]
	s.mu.Unlock()
	change := decimal.Zero
	if open.IsPositive() {
		change = price.Sub(open).Div(open).Round(4)
	}
	seq := s.seq.Add(1)
	now := time.Now()

	var msg any
	if model.SegmentForSymbol(symbol) == model.SegmentSpot {
		msg = map[string]any{
			"type":    kucoin.TypeMessage,
			"topic":   kucoin.Topic(kucoin.SpotSnapshotTopic, []string{symbol}),
			"subject": kucoin.SubjectSpotSnapshot,
			"data": map[string]any{
				"sequence": fmt.Sprint(seq),
				"data": map[string]any{
					"symbol":          symbol,
					"lastTradedPrice": price.String(),
					"changeRate":      change.String(),
					"vol":             vol.String(),
					"datetime":        now.UnixMilli(),
				},
			},
		}
	} else {
		msg = map[string]any{
			"type":    kucoin.TypeMessage,
			"topic":   kucoin.Topic(kucoin.FuturesSnapshotTopic, []string{symbol}),
			"subject": kucoin.SubjectFuturesSnapshot,
			"data": map[string]any{
				"symbol":      symbol,
				"lastPrice":   price.String(),
				"priceChgPct": change.String(),
				"volume":      vol.String(),
				"ts":          now.UnixNano(),
			},
		}
	}
	b, _ := json.Marshal(msg)
	return b
}

// tickerFrame renders a ticker in the segment's wire format.
func (s *Server) tickerFrame(symbol string, price decimal.Decimal) []byte {
	seq := s.seq.Add(1)
	now := time.Now()
	spread := price.Mul(decimal.RequireFromString("0.0001")).Round(8)
	bid, ask := price.Sub(spread).String(), price.Add(spread).String()

	var msg any
	if model.SegmentForSymbol(symbol) == model.SegmentSpot {
		msg = map[string]any{
			"type":    kucoin.TypeMessage,
			"topic":   kucoin.Topic(kucoin.SpotTickerTopic, []string{symbol}),
			"subject": kucoin.SubjectSpotTicker,
			"data": map[string]any{
				"sequence": fmt.Sprint(seq),
				"price":    price.String(),
				"size":     "0.01",
				"bestBid":  bid,
				"bestAsk":  ask,
				"Time":     now.UnixMilli(),
			},
		}
	} else {
		msg = map[string]any{
			"type":    kucoin.TypeMessage,
			"topic":   kucoin.Topic(kucoin.FuturesTickerTopic, []string{symbol}),
			"subject": kucoin.SubjectFuturesTicker,
			"data": map[string]any{
				"symbol":       symbol,
				"sequence":     seq,
				"price":        price.String(),
				"size":         1,
				"bestBidPrice": bid,
				"bestAskPrice": ask,
				"ts":           now.UnixNano(),
			},
		}
	}
	b, _ := json.Marshal(msg)
	return b
}

func frame(id, typ string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q}`, id, typ))
}

// ParsePrices parses "SYM:PRICE,SYM:PRICE" into starting prices; entries
// without a price start at 100.
func ParsePrices(list string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sym, priceStr, _ := strings.Cut(part, ":")
		price, err := decimal.NewFromString(strings.TrimSpace(priceStr))
		if err != nil || !price.IsPositive() {
			price = decimal.NewFromInt(100)
		}
		out[strings.ToUpper(strings.TrimSpace(sym))] = price
	}
	return out
}
