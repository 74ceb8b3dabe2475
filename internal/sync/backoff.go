package sync

import "time"

// retryDelay computes the delay before the next attempt after the given
// number of completed attempts: base doubled per prior failure, capped.
func retryDelay(base, max time.Duration, attempts int) time.Duration {
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
		return max
	}
	return d
}
