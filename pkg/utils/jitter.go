package utils

import (
	"math/rand/v2"
	"time"
)

// Jitter adds random jitter to a duration to prevent thundering herd.
// The jitter is applied as a percentage of the base duration.
//
// Example: Jitter(time.Minute, 0.1) returns 54s-66s (±10%)
func Jitter(base time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return base
	}
	if fraction > 1 {
		fraction = 1
	}
	jitterRange := float64(base) * fraction
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return base + time.Duration(jitter)
}

// JitterUp adds random jitter that only increases the duration.
func JitterUp(base time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return base
	}
	jitter := rand.Float64() * float64(base) * fraction
	return base + time.Duration(jitter)
}

// Backoff returns the exponential delay for a zero based attempt, capped at
// max and jittered upward by 20%.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return JitterUp(d, 0.2)
}

// JitteredTicker returns a channel that sends at jittered intervals.
// The returned stop function must be called to clean up resources.
func JitteredTicker(base time.Duration, fraction float64) (<-chan time.Time, func()) {
	ch := make(chan time.Time, 1)
	done := make(chan struct{})

	go func() {
		for {
			timer := time.NewTimer(Jitter(base, fraction))
			select {
			case t := <-timer.C:
				select {
				case ch <- t:
				default:
				}
			case <-done:
				timer.Stop()
				close(ch)
				return
			}
		}
	}()

	return ch, func() { close(done) }
}
