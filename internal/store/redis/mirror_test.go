package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"trading-radar/internal/model"
)

// deadClient points at a port nothing listens on.
func deadClient(t *testing.T) *goredis.Client {
	t.Helper()
	c := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func tick(sym string, seq int64, price string) model.Ticker {
	return model.Ticker{Symbol: sym, Sequence: seq, Price: decimal.RequireFromString(price)}
}

func TestMirror_BuffersLatestPerSymbolWhileDown(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)
	m := NewMirror(deadClient(t), cb, time.Minute)
	ctx := context.Background()

	if err := m.WriteTicker(ctx, tick("BTC-USDT", 1, "100")); err == nil {
		t.Fatal("write to unreachable redis should fail")
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("breaker: got %v, want open", cb.CurrentState())
	}

	// rejected by the open circuit: buffered, not an error
	if err := m.WriteTicker(ctx, tick("BTC-USDT", 3, "102")); err != nil {
		t.Errorf("open circuit write: got %v", err)
	}
	m.WriteTicker(ctx, tick("BTC-USDT", 2, "101")) // older, must not replace
	m.WriteTicker(ctx, tick("ETH-USDT", 1, "10"))

	if n := m.PendingCount(); n != 2 {
		t.Errorf("pending: got %d, want 2", n)
	}
	m.mu.Lock()
	got := m.pending["BTC-USDT"]
	m.mu.Unlock()
	if got.Sequence != 3 {
		t.Errorf("buffered BTC-USDT sequence: got %d, want 3", got.Sequence)
	}
}

func TestMirror_RelayRejectedWhenOpen(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)
	m := NewMirror(deadClient(t), cb, 0)
	ctx := context.Background()

	p := model.OpportunityPayload{ID: "c1", Symbol: "BTC-USDT"}
	if err := m.PublishMessage(ctx, model.NewOpportunity("u1", p)); err == nil {
		t.Fatal("expected connection error")
	}
	err := m.PublishMessage(ctx, model.NewOpportunity("u1", p))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("got %v, want ErrCircuitOpen", err)
	}
}

func TestMirror_ChainsStateCallback(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)
	var seen []State
	cb.OnStateChange = func(_, to State) { seen = append(seen, to) }
	m := NewMirror(deadClient(t), cb, 0)

	m.WriteTicker(context.Background(), tick("BTC-USDT", 1, "1"))
	if len(seen) != 1 || seen[0] != StateOpen {
		t.Errorf("previous callback not chained: %v", seen)
	}
}
