// Package detector turns ticker updates into opportunity messages for the
// criteria users are watching.
//
// The feed only marks symbols dirty; evaluation happens on the detector's own
// goroutine once per batch window and reads prices from the ticker store, so a
// burst of ticks for one symbol costs one evaluation.
package detector

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"trading-radar/internal/logger"
	"trading-radar/internal/model"
)

// Publisher receives emitted messages. It must not block.
type Publisher interface {
	Publish(msg model.OpportunityMessage)
}

// Config controls emission policy.
type Config struct {
	// EpsilonPct is the minimum move, in percentage points, since the last
	// emitted value before an opportunity_update is sent.
	EpsilonPct  float64
	BatchWindow time.Duration
}

// Detector evaluates watch criteria against the ticker store.
type Detector struct {
	cfg     Config
	reg     *Registry
	tickers model.TickerReader
	pub     Publisher
	log     *slog.Logger

	dmu   sync.Mutex
	dirty map[string]struct{}

	// emitted holds the last percent change sent per criterion id. It outlives
	// feed reconnects, so a reconnect never re-announces a known opportunity.
	emu     sync.Mutex
	emitted map[string]float64

	// consumed holds one-shot criteria that reached their target. Sync keeps
	// them out of the registry until the store stops listing them as active.
	smu      sync.Mutex
	consumed map[string]struct{}

	// OnConsumed is called after a one-shot criterion reached its target and
	// was removed. It must not block.
	OnConsumed func(c model.WatchCriterion)
	// OnEmit observes every emitted message type (metrics).
	OnEmit func(t model.MessageType)
}

// New creates a Detector.
func New(cfg Config, reg *Registry, tickers model.TickerReader, pub Publisher) *Detector {
	if cfg.EpsilonPct < 0 {
		cfg.EpsilonPct = 0
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 100 * time.Millisecond
	}
	return &Detector{
		cfg:     cfg,
		reg:     reg,
		tickers: tickers,
		pub:     pub,
		log:     logger.Component("detector"),
		dirty:   make(map[string]struct{}),
		emitted:  make(map[string]float64),
		consumed: make(map[string]struct{}),
	}
}

// Registry returns the criteria registry.
func (d *Detector) Registry() *Registry { return d.reg }

// Notify marks symbol for evaluation in the next batch. Never blocks.
func (d *Detector) Notify(symbol string) {
	d.dmu.Lock()
	d.dirty[symbol] = struct{}{}
	d.dmu.Unlock()
}

// Run evaluates dirty symbols every batch window until ctx is done.
func (d *Detector) Run(ctx context.Context) {
	t := time.NewTicker(d.cfg.BatchWindow)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.Flush()
		}
	}
}

// Flush evaluates every dirty symbol now and returns how many were evaluated.
func (d *Detector) Flush() int {
	d.dmu.Lock()
	if len(d.dirty) == 0 {
		d.dmu.Unlock()
		return 0
	}
	batch := d.dirty
	d.dirty = make(map[string]struct{}, len(batch))
	d.dmu.Unlock()

	for sym := range batch {
		d.Evaluate(sym)
	}
	return len(batch)
}

// Evaluate applies the emission policy to every criterion on symbol.
func (d *Detector) Evaluate(symbol string) {
	t, ok := d.tickers.Get(symbol)
	if !ok {
		return
	}
	for _, c := range d.reg.ForSymbol(symbol) {
		p := model.NewPayload(c, t)
		reached := c.Once && c.TargetReached(p.PercentChange)

		// Decide and publish under emu so a concurrent Remove cannot slip a
		// remove_opportunity in ahead of this message.
		d.emu.Lock()
		if _, live := d.reg.Get(c.ID); !live {
			d.emu.Unlock()
			continue
		}
		last, seen := d.emitted[c.ID]
		switch {
		case !seen:
			d.emitted[c.ID] = p.PercentChange
			d.publish(model.NewOpportunity(c.UserID, p))
		case reached || math.Abs(p.PercentChange-last) >= d.cfg.EpsilonPct:
			d.emitted[c.ID] = p.PercentChange
			d.publish(model.UpdateOpportunity(c.UserID, p))
		}
		d.emu.Unlock()

		if reached {
			d.consume(c)
		}
	}
}

// Add registers a criterion and schedules its symbol for evaluation. Adding an
// id again after it was consumed re-arms it.
func (d *Detector) Add(c model.WatchCriterion) error {
	d.smu.Lock()
	err := d.reg.Add(c)
	if err == nil {
		delete(d.consumed, c.ID)
	}
	d.smu.Unlock()
	if err != nil {
		return err
	}
	d.Notify(c.Symbol)
	return nil
}

// Remove unregisters a criterion, retracting it from subscribers if it was shown.
func (d *Detector) Remove(id string) bool {
	c, ok := d.reg.Remove(id)
	if !ok {
		return false
	}
	d.retract(c.UserID, id)
	return true
}

// Sync replaces the registry contents with the persisted active criteria.
// Consumed criteria the store still lists as active are left out.
func (d *Detector) Sync(all []model.WatchCriterion) {
	prev := make(map[string]string, d.reg.Len())
	for _, sym := range d.reg.Symbols() {
		for _, c := range d.reg.ForSymbol(sym) {
			prev[c.ID] = c.UserID
		}
	}

	d.smu.Lock()
	active := make(map[string]bool, len(all))
	kept := make([]model.WatchCriterion, 0, len(all))
	for _, c := range all {
		active[c.ID] = active[c.ID] || c.Active
		if _, gone := d.consumed[c.ID]; gone {
			continue
		}
		kept = append(kept, c)
	}
	for id := range d.consumed {
		if !active[id] {
			delete(d.consumed, id)
		}
	}
	removed, changed := d.reg.Replace(kept)
	d.smu.Unlock()

	for _, id := range removed {
		d.retract(prev[id], id)
	}
	for _, c := range changed {
		d.Notify(c.Symbol)
	}
	if len(removed) > 0 || len(changed) > 0 {
		d.log.Info("criteria synced", "removed", len(removed), "changed", len(changed), "active", d.reg.Len())
	}
}

// Consumed reports whether id was consumed and the store has not yet
// confirmed it inactive.
func (d *Detector) Consumed(id string) bool {
	d.smu.Lock()
	defer d.smu.Unlock()
	_, ok := d.consumed[id]
	return ok
}

func (d *Detector) consume(c model.WatchCriterion) {
	d.smu.Lock()
	_, ok := d.reg.Remove(c.ID)
	if ok {
		d.consumed[c.ID] = struct{}{}
	}
	d.smu.Unlock()
	if !ok {
		return
	}
	d.retract(c.UserID, c.ID)
	d.log.Info("criterion consumed", "id", c.ID, "user", c.UserID, "symbol", c.Symbol, "target_pct", c.TargetPct)
	if d.OnConsumed != nil {
		d.OnConsumed(c)
	}
}

// retract sends remove_opportunity only for criteria that were emitted.
func (d *Detector) retract(userID, id string) {
	d.emu.Lock()
	defer d.emu.Unlock()
	if _, seen := d.emitted[id]; seen {
		delete(d.emitted, id)
		d.publish(model.RemoveOpportunity(userID, id))
	}
}

func (d *Detector) publish(msg model.OpportunityMessage) {
	d.pub.Publish(msg)
	if d.OnEmit != nil {
		d.OnEmit(msg.Type)
	}
}
