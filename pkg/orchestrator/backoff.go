package orchestrator

import (
	"math/rand"
	"time"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
)

// backoffDelay returns the exponential delay for a retry attempt (0-based)
// with half-range jitter, so concurrent runs against the same source don't
// retry in lockstep.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	if max <= 0 {
		max = defaultMaxBackoff
	}

	d := initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}

	jitter := 0.5 + rand.Float64()/2
	return time.Duration(float64(d) * jitter)
}
