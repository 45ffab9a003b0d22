package queue

import "time"

// backoffDelay computes the retry delay after the given attempt count.
//
// Doubling per attempt, capped at max. No jitter: the retry schedule must be
// monotonically non-decreasing in attempts.
func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	if attempts < 1 {
		attempts = 1
	}

	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}
