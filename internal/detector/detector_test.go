package detector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trading-radar/internal/model"
	"trading-radar/internal/tickerstore"
)

type capture struct {
	mu   sync.Mutex
	msgs []model.OpportunityMessage
}

func (c *capture) Publish(m model.OpportunityMessage) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *capture) types() []model.MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.MessageType, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Type
	}
	return out
}

func (c *capture) last() model.OpportunityMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[len(c.msgs)-1]
}

func criterion(id, sym, entry string) model.WatchCriterion {
	return model.WatchCriterion{
		ID:         id,
		UserID:     "u1",
		Symbol:     sym,
		EntryPrice: decimal.RequireFromString(entry),
		Active:     true,
	}
}

type env struct {
	store *tickerstore.Store
	det   *Detector
	out   *capture
	seq   int64
}

func newEnv(eps float64) *env {
	e := &env{store: tickerstore.New(), out: &capture{}}
	e.det = New(Config{EpsilonPct: eps}, NewRegistry(), e.store, e.out)
	e.store.OnUpdate(func(t model.Ticker) { e.det.Notify(t.Symbol) })
	return e
}

func (e *env) price(sym, p string) {
	e.seq++
	e.store.Upsert(model.Ticker{Symbol: sym, Sequence: e.seq, Price: decimal.RequireFromString(p), Time: time.Now()})
	e.det.Flush()
}

func equalTypes(a, b []model.MessageType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDetector_FirstEvaluationEmitsNew(t *testing.T) {
	e := newEnv(0.5)
	if err := e.det.Add(criterion("c1", "BTC-USDT", "100")); err != nil {
		t.Fatal(err)
	}
	e.price("BTC-USDT", "110")

	if got := e.out.types(); !equalTypes(got, []model.MessageType{model.MsgNewOpportunity}) {
		t.Fatalf("got %v", got)
	}
	m := e.out.last()
	if m.Opportunity.PercentChange != 10 || m.UserID != "u1" || m.Opportunity.ID != "c1" {
		t.Errorf("payload: got %+v", m.Opportunity)
	}
}

func TestDetector_MaterialityEpsilon(t *testing.T) {
	e := newEnv(5)
	e.det.Add(criterion("c1", "BTC-USDT", "100"))

	e.price("BTC-USDT", "100") // new at 0%
	e.price("BTC-USDT", "101") // 1pp: below epsilon
	if got := e.out.types(); len(got) != 1 {
		t.Fatalf("101 should not re-emit at epsilon 5, got %v", got)
	}

	e.price("BTC-USDT", "110") // 10pp
	want := []model.MessageType{model.MsgNewOpportunity, model.MsgOpportunityUpdate}
	if got := e.out.types(); !equalTypes(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if pct := e.out.last().Opportunity.PercentChange; pct != 10 {
		t.Errorf("update pct: got %v, want 10", pct)
	}

	// epsilon is measured from the last emitted value, not the entry
	e.price("BTC-USDT", "113")
	if got := e.out.types(); len(got) != 2 {
		t.Errorf("3pp from last emission should not emit, got %v", got)
	}
	e.price("BTC-USDT", "104")
	if got := e.out.types(); len(got) != 3 {
		t.Errorf("6pp drop should emit, got %v", got)
	}
}

func TestDetector_NoDuplicateNewAcrossReevaluation(t *testing.T) {
	e := newEnv(0.5)
	e.det.Add(criterion("c1", "ETH-USDT", "10"))
	e.price("ETH-USDT", "12")

	// a feed reconnect replays the same price; state lives in the detector
	for i := 0; i < 3; i++ {
		e.price("ETH-USDT", "12")
	}
	if got := e.out.types(); len(got) != 1 {
		t.Errorf("re-evaluation produced %v", got)
	}
}

func TestDetector_RemoveRetractsOnlyEmitted(t *testing.T) {
	e := newEnv(0.5)
	e.det.Add(criterion("shown", "BTC-USDT", "100"))
	e.det.Add(criterion("hidden", "SOL-USDT", "100"))
	e.price("BTC-USDT", "105")

	if !e.det.Remove("hidden") {
		t.Fatal("hidden should be removable")
	}
	if got := e.out.types(); len(got) != 1 {
		t.Fatalf("never-shown criterion must not emit remove, got %v", got)
	}

	e.det.Remove("shown")
	m := e.out.last()
	if m.Type != model.MsgRemoveOpportunity || m.ID != "shown" || m.UserID != "u1" {
		t.Errorf("got %+v", m)
	}
	if e.det.Remove("shown") {
		t.Error("second remove should report false")
	}

	e.price("BTC-USDT", "120")
	if got := e.out.types(); len(got) != 2 {
		t.Errorf("removed criterion still evaluated: %v", got)
	}
}

func TestDetector_OnceCriterionConsumedAtTarget(t *testing.T) {
	e := newEnv(50) // large epsilon: the target hit must still emit
	var consumed []string
	e.det.OnConsumed = func(c model.WatchCriterion) { consumed = append(consumed, c.ID) }

	c := criterion("c1", "BTC-USDT", "100")
	c.Once = true
	c.TargetPct = 5
	e.det.Add(c)

	e.price("BTC-USDT", "102")
	e.price("BTC-USDT", "105")

	want := []model.MessageType{model.MsgNewOpportunity, model.MsgOpportunityUpdate, model.MsgRemoveOpportunity}
	if got := e.out.types(); !equalTypes(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if len(consumed) != 1 || consumed[0] != "c1" {
		t.Errorf("consumed: got %v", consumed)
	}
	if e.det.Registry().Len() != 0 {
		t.Error("consumed criterion still registered")
	}

	e.price("BTC-USDT", "110")
	if got := e.out.types(); len(got) != 3 {
		t.Errorf("consumed criterion re-emitted: %v", got)
	}
}

func TestDetector_StaleSyncKeepsConsumedOut(t *testing.T) {
	e := newEnv(0.5)
	var consumed int
	e.det.OnConsumed = func(model.WatchCriterion) { consumed++ }

	c := criterion("c1", "BTC-USDT", "100")
	c.Once = true
	c.TargetPct = 5
	e.det.Add(c)
	e.price("BTC-USDT", "101")
	e.price("BTC-USDT", "106")

	want := []model.MessageType{model.MsgNewOpportunity, model.MsgOpportunityUpdate, model.MsgRemoveOpportunity}
	if got := e.out.types(); !equalTypes(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	// the store has not recorded the consumption yet
	for i := 0; i < 2; i++ {
		e.det.Sync([]model.WatchCriterion{c})
		e.det.Flush()
	}
	if got := e.out.types(); !equalTypes(got, want) {
		t.Errorf("stale sync re-announced consumed criterion: %v", got)
	}
	if consumed != 1 {
		t.Errorf("OnConsumed calls: got %d, want 1", consumed)
	}
	if e.det.Registry().Len() != 0 || !e.det.Consumed("c1") {
		t.Errorf("registry len %d, consumed %v", e.det.Registry().Len(), e.det.Consumed("c1"))
	}

	// once the store lists it inactive the id is forgotten
	inactive := c
	inactive.Active = false
	e.det.Sync([]model.WatchCriterion{inactive})
	if e.det.Consumed("c1") {
		t.Error("confirmed criterion still held as consumed")
	}
}

func TestDetector_SyncRetractsDeleted(t *testing.T) {
	e := newEnv(0.5)
	a := criterion("a", "BTC-USDT", "100")
	b := criterion("b", "BTC-USDT", "50")
	e.det.Sync([]model.WatchCriterion{a, b})
	e.price("BTC-USDT", "100")
	if got := e.out.types(); len(got) != 2 {
		t.Fatalf("expected two new_opportunity, got %v", got)
	}

	e.det.Sync([]model.WatchCriterion{a})
	m := e.out.last()
	if m.Type != model.MsgRemoveOpportunity || m.ID != "b" {
		t.Errorf("got %+v", m)
	}

	// unchanged criteria are not re-announced
	e.det.Sync([]model.WatchCriterion{a})
	e.det.Flush()
	if got := e.out.types(); len(got) != 3 {
		t.Errorf("resync re-announced: %v", got)
	}
}

func TestDetector_InvalidEntryRejected(t *testing.T) {
	e := newEnv(0.5)
	err := e.det.Add(criterion("z", "BTC-USDT", "0"))
	if !errors.Is(err, model.ErrInvalidEntryPrice) {
		t.Errorf("expected ErrInvalidEntryPrice, got %v", err)
	}
}

func TestDetector_BatchCoalescesBursts(t *testing.T) {
	e := newEnv(0)
	e.det.Add(criterion("c1", "BTC-USDT", "100"))
	e.det.Flush() // no ticker yet

	for i := 1; i <= 100; i++ {
		e.seq++
		e.store.Upsert(model.Ticker{Symbol: "BTC-USDT", Sequence: e.seq, Price: decimal.NewFromInt(int64(100 + i))})
	}
	if n := e.det.Flush(); n != 1 {
		t.Errorf("evaluated %d symbols, want 1", n)
	}
	if got := e.out.types(); len(got) != 1 {
		t.Errorf("burst produced %d messages, want 1", len(got))
	}
	if pct := e.out.last().Opportunity.PercentChange; pct != 100 {
		t.Errorf("evaluation should see the latest price, got %v%%", pct)
	}
}

func TestDetector_RunFlushesPeriodically(t *testing.T) {
	store := tickerstore.New()
	out := &capture{}
	d := New(Config{BatchWindow: 5 * time.Millisecond}, NewRegistry(), store, out)
	store.OnUpdate(func(t model.Ticker) { d.Notify(t.Symbol) })
	d.Add(criterion("c1", "BTC-USDT", "100"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	store.Upsert(model.Ticker{Symbol: "BTC-USDT", Sequence: 1, Price: decimal.NewFromInt(101)})
	deadline := time.Now().Add(2 * time.Second)
	for len(out.types()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if len(out.types()) != 1 {
		t.Fatalf("Run did not evaluate: %v", out.types())
	}
}

func TestRegistry_ReplaceSkipsInactiveAndInvalid(t *testing.T) {
	r := NewRegistry()
	inactive := criterion("x", "A-USDT", "1")
	inactive.Active = false
	invalid := criterion("y", "A-USDT", "0")
	ok := criterion("z", "A-USDT", "1")

	removed, changed := r.Replace([]model.WatchCriterion{inactive, invalid, ok})
	if len(removed) != 0 || len(changed) != 1 || changed[0].ID != "z" {
		t.Errorf("got removed=%v changed=%v", removed, changed)
	}
	if syms := r.Symbols(); len(syms) != 1 || syms[0] != "A-USDT" {
		t.Errorf("symbols: got %v", syms)
	}

	moved := ok
	moved.Symbol = "B-USDT"
	r.Add(moved)
	if len(r.ForSymbol("A-USDT")) != 0 || len(r.ForSymbol("B-USDT")) != 1 {
		t.Error("symbol change should re-index the criterion")
	}
}
