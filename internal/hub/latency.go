package hub

import (
	"slices"
	"time"

	"trading-radar/internal/ringbuf"
)

// Lag summarises how far recent opportunity messages trailed the exchange
// tick that produced them, in milliseconds. Quantiles use nearest rank.
type Lag struct {
	Samples int     `json:"samples"`
	P50Ms   float64 `json:"p50Ms"`
	P95Ms   float64 `json:"p95Ms"`
	P99Ms   float64 `json:"p99Ms"`
	MaxMs   float64 `json:"maxMs"`
}

// lagWindow holds the most recent publish delays. The Prometheus histogram
// keeps the long view; this answers the status endpoint.
type lagWindow struct {
	samples *ringbuf.Ring[time.Duration]
}

func newLagWindow(size int) *lagWindow {
	return &lagWindow{samples: ringbuf.New[time.Duration](size)}
}

// observe records now-exchange. Messages without an exchange time are skipped
// and clock skew never yields a negative sample.
func (w *lagWindow) observe(exchange, now time.Time) {
	if exchange.IsZero() {
		return
	}
	w.samples.PushEvict(max(now.Sub(exchange), 0), nil)
}

func (w *lagWindow) summary() Lag {
	ds := w.samples.Snapshot()
	if len(ds) == 0 {
		return Lag{}
	}
	slices.Sort(ds)
	return Lag{
		Samples: len(ds),
		P50Ms:   millis(nearestRank(ds, 50)),
		P95Ms:   millis(nearestRank(ds, 95)),
		P99Ms:   millis(nearestRank(ds, 99)),
		MaxMs:   millis(ds[len(ds)-1]),
	}
}

// nearestRank returns the smallest sample with at least q% of samples at or
// below it. sorted must be non-empty.
func nearestRank(sorted []time.Duration, q int) time.Duration {
	i := (q*len(sorted)+99)/100 - 1
	return sorted[min(max(i, 0), len(sorted)-1)]
}

func millis(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
