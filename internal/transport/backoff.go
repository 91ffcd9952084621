package transport

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect waits: Min * 2^attempt, randomized by
// ±Jitter and capped at Max.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Jitter float64 // 0 disables randomization, clamped to [0, 1]
}

// Duration returns the wait before the given attempt (0-based).
func (b Backoff) Duration(attempt int) time.Duration {
	base := float64(b.Min)
	if base <= 0 {
		base = float64(time.Second)
	}
	limit := float64(b.Max)
	if limit <= 0 {
		limit = float64(time.Duration(1 << 62))
	}

	wait := base * math.Pow(2, float64(attempt))

	jitter := math.Min(math.Max(b.Jitter, 0), 1)
	if jitter > 0 {
		r := rand.Float64()
		deviation := r * jitter * wait
		if r < 0.5 {
			wait -= deviation
		} else {
			wait += deviation
		}
	}

	if wait > limit || math.IsInf(wait, 0) || math.IsNaN(wait) {
		wait = limit
	}
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait)
}
