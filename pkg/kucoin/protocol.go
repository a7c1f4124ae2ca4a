package kucoin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"trading-radar/internal/model"
)

// Frame types on the WebSocket.
const (
	TypeWelcome     = "welcome"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeAck         = "ack"
	TypeMessage     = "message"
	TypeError       = "error"
)

// Topics per segment. The ticker topic carries price and top of book; the
// snapshot topic carries the rolling 24h change rate and volume. KuCoin accepts
// up to MaxTopicSymbols symbols per topic request.
const (
	SpotTickerTopic      = "/market/ticker"
	SpotSnapshotTopic    = "/market/snapshot"
	FuturesTickerTopic   = "/contractMarket/ticker"
	FuturesSnapshotTopic = "/contractMarket/snapshot"

	MaxTopicSymbols = 100
)

// Message subjects.
const (
	SubjectSpotTicker      = "trade.ticker"
	SubjectSpotSnapshot    = "trade.snapshot"
	SubjectFuturesTicker   = "ticker"
	SubjectFuturesSnapshot = "snapshot.24h"
)

var (
	ErrMalformedFrame     = errors.New("kucoin: malformed frame")
	ErrUnsupportedSubject = errors.New("kucoin: unsupported subject")
)

// Request is an outbound control frame.
type Request struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic,omitempty"`
	PrivateChannel bool   `json:"privateChannel,omitempty"`
	Response       bool   `json:"response,omitempty"`
}

func PingRequest(id string) Request { return Request{ID: id, Type: TypePing} }

func SubscribeRequest(id, topic string) Request {
	return Request{ID: id, Type: TypeSubscribe, Topic: topic, Response: true}
}

func UnsubscribeRequest(id, topic string) Request {
	return Request{ID: id, Type: TypeUnsubscribe, Topic: topic, Response: true}
}

// Frame is a parsed inbound frame. Data stays lazily parsed.
type Frame struct {
	ID      string
	Type    string
	Topic   string
	Subject string
	Code    int64
	Data    gjson.Result
	Raw     []byte
}

// ParseFrame discriminates an inbound frame by its "type" field.
func ParseFrame(raw []byte) (Frame, error) {
	if !gjson.ValidBytes(raw) {
		return Frame{}, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}
	res := gjson.GetManyBytes(raw, "type", "id", "topic", "subject", "code", "data")
	if res[0].String() == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return Frame{
		Type:    res[0].String(),
		ID:      res[1].String(),
		Topic:   res[2].String(),
		Subject: res[3].String(),
		Code:    res[4].Int(),
		Data:    res[5],
		Raw:     raw,
	}, nil
}

// ConnectURL builds the WebSocket URL for a token.
func ConnectURL(tok model.Token, connectID string) (string, error) {
	u, err := url.Parse(tok.Endpoint)
	if err != nil {
		return "", fmt.Errorf("kucoin: endpoint %q: %w", tok.Endpoint, err)
	}
	q := u.Query()
	q.Set("token", tok.Value)
	q.Set("connectId", connectID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// TickerTopic returns the ticker topic prefix for a segment.
func TickerTopic(seg model.Segment) string {
	if seg == model.SegmentFutures {
		return FuturesTickerTopic
	}
	return SpotTickerTopic
}

// SnapshotTopic returns the 24h statistics topic prefix for a segment.
func SnapshotTopic(seg model.Segment) string {
	if seg == model.SegmentFutures {
		return FuturesSnapshotTopic
	}
	return SpotSnapshotTopic
}

// Topics returns every topic prefix a watched symbol is subscribed to.
func Topics(seg model.Segment) []string {
	return []string{TickerTopic(seg), SnapshotTopic(seg)}
}

// Topic joins symbols onto a topic prefix: "/market/ticker:BTC-USDT,ETH-USDT".
func Topic(prefix string, symbols []string) string {
	return prefix + ":" + strings.Join(symbols, ",")
}

// TopicSymbols splits a topic back into its symbols.
func TopicSymbols(topic string) []string {
	i := strings.IndexByte(topic, ':')
	if i < 0 || i == len(topic)-1 {
		return nil
	}
	return strings.Split(topic[i+1:], ",")
}

// BatchSymbols splits symbols into chunks of at most n.
func BatchSymbols(symbols []string, n int) [][]string {
	if n <= 0 {
		n = MaxTopicSymbols
	}
	var out [][]string
	for len(symbols) > n {
		out = append(out, symbols[:n])
		symbols = symbols[n:]
	}
	if len(symbols) > 0 {
		out = append(out, symbols)
	}
	return out
}

// DecodeTicker normalizes a ticker "message" frame into a model.Ticker.
// ChangeRate and Volume are left zero; they arrive on the snapshot topic.
func DecodeTicker(f Frame, seg model.Segment) (model.Ticker, error) {
	switch f.Subject {
	case SubjectSpotTicker:
		syms := TopicSymbols(f.Topic)
		if len(syms) != 1 {
			return model.Ticker{}, fmt.Errorf("%w: ticker topic %q", ErrMalformedFrame, f.Topic)
		}
		d := f.Data
		ts := d.Get("Time")
		if !ts.Exists() {
			ts = d.Get("time")
		}
		return buildTicker(syms[0], seg, d.Get("sequence").Int(),
			d.Get("price"), d.Get("bestBid"), d.Get("bestAsk"), time.UnixMilli(ts.Int()))

	case SubjectFuturesTicker:
		d := f.Data
		return buildTicker(d.Get("symbol").String(), seg, d.Get("sequence").Int(),
			d.Get("price"), d.Get("bestBidPrice"), d.Get("bestAskPrice"), time.Unix(0, d.Get("ts").Int()))
	}
	return model.Ticker{}, fmt.Errorf("%w: %q", ErrUnsupportedSubject, f.Subject)
}

// Stats is the rolling 24h window for one symbol.
type Stats struct {
	Symbol     string
	ChangeRate decimal.Decimal // fraction, 0.05 = 5%
	Volume     decimal.Decimal
	Time       time.Time
}

// IsSnapshot reports whether a message subject carries 24h statistics.
func IsSnapshot(subject string) bool {
	return subject == SubjectSpotSnapshot || subject == SubjectFuturesSnapshot
}

// DecodeStats normalizes a snapshot "message" frame.
func DecodeStats(f Frame) (Stats, error) {
	var sym string
	var change, vol gjson.Result
	var ts time.Time
	switch f.Subject {
	case SubjectSpotSnapshot:
		d := f.Data.Get("data")
		sym, change, vol = d.Get("symbol").String(), d.Get("changeRate"), d.Get("vol")
		ts = time.UnixMilli(d.Get("datetime").Int())
	case SubjectFuturesSnapshot:
		d := f.Data
		sym, change, vol = d.Get("symbol").String(), d.Get("priceChgPct"), d.Get("volume")
		ts = time.Unix(0, d.Get("ts").Int())
	default:
		return Stats{}, fmt.Errorf("%w: %q", ErrUnsupportedSubject, f.Subject)
	}
	if sym == "" {
		return Stats{}, fmt.Errorf("%w: snapshot missing symbol", ErrMalformedFrame)
	}
	st := Stats{Symbol: sym, Time: ts.UTC()}
	var err error
	if st.ChangeRate, err = num(change); err != nil {
		return Stats{}, fmt.Errorf("%w: %s changeRate %q", ErrMalformedFrame, sym, change.String())
	}
	if st.Volume, err = num(vol); err != nil {
		return Stats{}, fmt.Errorf("%w: %s volume %q", ErrMalformedFrame, sym, vol.String())
	}
	return st, nil
}

func buildTicker(symbol string, seg model.Segment, seq int64, price, bid, ask gjson.Result, ts time.Time) (model.Ticker, error) {
	if symbol == "" {
		return model.Ticker{}, fmt.Errorf("%w: missing symbol", ErrMalformedFrame)
	}
	p, err := num(price)
	if err != nil || !p.IsPositive() {
		return model.Ticker{}, fmt.Errorf("%w: %s price %q", ErrMalformedFrame, symbol, price.String())
	}
	t := model.Ticker{
		Symbol:   symbol,
		Segment:  seg,
		Sequence: seq,
		Price:    p,
		Time:     ts.UTC(),
	}
	// optional fields: absent or unparsable values stay zero
	t.BestBid, _ = num(bid)
	t.BestAsk, _ = num(ask)
	return t, nil
}

func num(r gjson.Result) (decimal.Decimal, error) {
	if !r.Exists() || r.Type == gjson.Null {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(r.String())
}

// Encode marshals an outbound request.
func (r Request) Encode() []byte {
	b, _ := json.Marshal(r)
	return b
}
