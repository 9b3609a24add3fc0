package poller

import (
	"math"
	"math/rand/v2"
	"time"

	"feedrelay/internal/model"
)

// BackoffConfig shapes the delay after consecutive non-success outcomes:
//
//	delay(n) = min(interval * Multiplier^n, MaxDelay)
//
// where n is the number of consecutive failures; n = 0 is the normal cadence.
type BackoffConfig struct {
	Multiplier float64
	MaxDelay   time.Duration
	// Jitter adds up to this fraction of the delay (0.1 = +10%). It only
	// lengthens delays, so a failing feed is never polled faster than its
	// cadence.
	Jitter float64
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 6 * time.Hour
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// Delay returns delay(n) for the given base interval.
func (c BackoffConfig) Delay(interval time.Duration, n int) time.Duration {
	c = c.withDefaults()
	if interval <= 0 {
		interval = time.Minute
	}
	if n < 0 {
		n = 0
	}
	d := float64(interval) * math.Pow(c.Multiplier, float64(n))
	ceiling := math.Max(float64(c.MaxDelay), float64(interval))
	if d > ceiling || math.IsInf(d, 0) || math.IsNaN(d) {
		d = ceiling
	}
	if c.Jitter > 0 {
		d += d * c.Jitter * rand.Float64()
	}
	return time.Duration(d)
}

// Next computes the backoff state after a poll that ended with status.
// INTERNAL_ERROR is not passed here; it leaves the state untouched.
func (c BackoffConfig) Next(prev model.BackoffState, status model.RequestStatus, interval time.Duration, now time.Time) model.BackoffState {
	next := model.BackoffState{LastStatus: status}
	if !status.Success() {
		next.Failures = prev.Failures + 1
	}
	next.NextPollAt = now.Add(c.Delay(interval, next.Failures))
	return next
}
