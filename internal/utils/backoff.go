package utils

import (
	"math/rand/v2"
	"time"
)

// Backoff doubles step up to maximum. It returns the new step and the delay to
// wait before the next attempt. With jitter the delay is drawn from (0, step].
func Backoff(step time.Duration, maximum time.Duration, jitter bool) (time.Duration, time.Duration) {
	exponential := min(step*2, maximum)
	if exponential <= 0 {
		return 0, 0
	}

	// Full jitter
	if jitter {
		rnd := rand.Int64N(int64(exponential))
		return exponential, exponential - time.Duration(rnd)
	}

	return exponential, exponential
}
