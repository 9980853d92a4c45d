package pipeline

import "time"

// Backoff returns the pause before the next attempt after n failures:
// 2^n seconds, capped at limit. The count is clamped so the shift cannot
// overflow on envelopes with absurd retry counts.
func Backoff(n int, limit time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 30 {
		n = 30
	}
	d := time.Duration(1<<uint(n)) * time.Second
	if d > limit {
		return limit
	}
	return d
}
