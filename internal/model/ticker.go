package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Segment identifies a market segment served by its own feed session.
type Segment string

const (
	SegmentSpot    Segment = "spot"
	SegmentFutures Segment = "futures"
)

// SegmentForSymbol maps an exchange symbol to its segment.
// Spot pairs are dash-separated ("BTC-USDT"); futures contracts are not ("XBTUSDTM").
func SegmentForSymbol(symbol string) Segment {
	if strings.Contains(symbol, "-") {
		return SegmentSpot
	}
	return SegmentFutures
}

// Ticker is the latest known price/volume snapshot for one exchange symbol.
// Values are immutable once stored; the feed replaces whole tickers.
type Ticker struct {
	Symbol     string          `json:"symbol"`
	Segment    Segment         `json:"segment"`
	Sequence   int64           `json:"sequence"`
	Price      decimal.Decimal `json:"price"`
	BestBid    decimal.Decimal `json:"bestBid"`
	BestAsk    decimal.Decimal `json:"bestAsk"`
	ChangeRate decimal.Decimal `json:"changeRate"` // 24h, fraction (0.05 = 5%)
	Volume     decimal.Decimal `json:"volume"`     // 24h base volume
	Time       time.Time       `json:"time"`       // exchange-reported
}

// OlderThan reports whether t was produced before other. Sequence numbers win
// when both sides carry one; otherwise exchange time decides.
func (t Ticker) OlderThan(other Ticker) bool {
	if t.Sequence > 0 && other.Sequence > 0 && t.Sequence != other.Sequence {
		return t.Sequence < other.Sequence
	}
	return t.Time.Before(other.Time)
}

// JSON returns the JSON-encoded ticker (ignoring errors for hot-path usage).
func (t Ticker) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}
