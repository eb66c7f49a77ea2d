package executor

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffFunc returns how long to wait after the given failed attempt
// (1-based) before the next one.
type BackoffFunc func(attempt int) time.Duration

// NoBackoff retries immediately.
func NoBackoff(int) time.Duration { return 0 }

// ConstantBackoff waits d between attempts.
func ConstantBackoff(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

// ExponentialBackoff waits initial*factor^(attempt-1), capped at max, with up
// to ±jitter (a fraction in [0,1]) of random spread to avoid synchronized
// retries from many processes. A non-positive max means no cap.
//
// Each call steps a fresh backoff.ExponentialBackOff, so the returned func is
// safe for concurrent executors.
func ExponentialBackoff(initial, max time.Duration, factor, jitter float64) BackoffFunc {
	if factor < 1 {
		factor = 1
	}
	if max <= 0 {
		max = time.Duration(math.MaxInt64)
	}
	if initial > max {
		initial = max
	}
	return func(attempt int) time.Duration {
		b := &backoff.ExponentialBackOff{
			InitialInterval:     initial,
			RandomizationFactor: jitter,
			Multiplier:          factor,
			MaxInterval:         max,
		}
		b.Reset()
		d := b.NextBackOff()
		for i := 1; i < attempt; i++ {
			d = b.NextBackOff()
		}
		return d
	}
}

// Jitter returns a random duration between 0 and max.
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	// Full randomization around max/2 spans [0, max].
	b := &backoff.ExponentialBackOff{
		InitialInterval:     max / 2,
		RandomizationFactor: 1,
		Multiplier:          1,
		MaxInterval:         max,
	}
	b.Reset()
	return min(b.NextBackOff(), max)
}
