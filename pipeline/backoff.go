// ABOUTME: Exponential backoff delay calculation for destination retries.
// ABOUTME: delay = base * 2^attempt capped at max, jittered ±25%.
package pipeline

import (
	"math"
	"math/rand"
	"time"
)

// Backoff controls delay timing between retry attempts.
type Backoff struct {
	Base time.Duration // default 2s
	Max  time.Duration // default 5m
}

// DefaultBackoff returns the standard retry timing.
func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Max: 5 * time.Minute}
}

// DelayForAttempt calculates the delay before a given attempt (0-indexed):
// Base * 2^attempt capped at Max, then jittered by ±25% so synchronized
// failures don't retry in lockstep.
func (b Backoff) DelayForAttempt(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 2 * time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 5 * time.Minute
	}

	delayNanos := float64(base.Nanoseconds()) * math.Pow(2, float64(attempt))
	delayNanos = math.Min(delayNanos, float64(max.Nanoseconds()))

	jitter := 1 + (rand.Float64()*0.5 - 0.25)
	return time.Duration(int64(delayNanos * jitter))
}
