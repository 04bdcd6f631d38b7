package outbox

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays. Max caps the delay before
// jitter; Jitter is the largest fraction of it added or removed at random.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay returns the wait before retry number attempt, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	return b.delay(attempt, rand.Float64())
}

func (b Backoff) delay(attempt int, sample float64) time.Duration {
	defaults := DefaultBackoff()
	initial := b.Initial
	if initial <= 0 {
		initial = defaults.Initial
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = defaults.Max
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = defaults.Multiplier
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	if jitter > 0 {
		delay += delay * jitter * (2*sample - 1)
		if delay < float64(initial) {
			delay = float64(initial)
		}
	}
	return time.Duration(delay)
}
