package router

import (
	"math/rand"
	"time"
)

// backoff implements truncated exponential backoff with jitter:
// base, 2*base, 4*base, ... capped at max, each with ±25% jitter.
type backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
	jitter  func(time.Duration) time.Duration
}

func newBackoff(base, max time.Duration, jitter func(time.Duration) time.Duration) *backoff {
	return &backoff{base: base, max: max, current: base, jitter: jitter}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current + b.jitter(b.current)
	if d < 0 {
		d = 0
	}

	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// quarterJitter returns a random offset in [-d/4, +d/4).
func quarterJitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
}
