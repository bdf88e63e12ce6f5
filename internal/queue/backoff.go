package queue

import (
	"math"
	"time"
)

// Backoff returns the delay before the next attempt after attempt failures.
// Exponential is delay * 2^(attempt-1); both strategies are capped at
// maxDelay when it is positive.
func Backoff(strategy BackoffStrategy, delay time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := delay
	if strategy != BackoffFixed {
		for i := 1; i < attempt; i++ {
			next := d * 2
			if next <= d {
				// overflow
				d = time.Duration(math.MaxInt64)
				break
			}
			d = next
			if maxDelay > 0 && d >= maxDelay {
				break
			}
		}
	}

	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
