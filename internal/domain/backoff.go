package domain

import (
	"math/rand/v2"
	"time"
)

// BackoffDelay returns a full-jitter exponential delay for the given attempt
// count: a random duration in [0, min(cap, base*2^(attempt-1))]. Full jitter
// spreads retry storms instead of synchronizing them.
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 60 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	ceiling := base
	for i := 1; i < attempt; i++ {
		ceiling *= 2
		if ceiling >= max {
			ceiling = max
			break
		}
	}
	if ceiling > max {
		ceiling = max
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}
