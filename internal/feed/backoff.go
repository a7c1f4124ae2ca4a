package feed

import (
	"math/rand"
	"time"
)

// Backoff returns the delay before reconnect attempt number retry (0-based):
// base * 2^retry capped at max, with up to 20% subtracted as jitter so that
// many connectors restarting together do not reconnect in lockstep.
func Backoff(retry int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	d := max
	if retry < 0 {
		retry = 0
	}
	if retry <= 30 {
		if b := base * time.Duration(1<<retry); b > 0 && b < max {
			d = b
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d - jitter
}
