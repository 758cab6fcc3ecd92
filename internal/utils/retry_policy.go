package utils

import "time"

const (
	DefaultRetryBackoffBase = 50 * time.Millisecond
	DefaultRetryBackoffMax  = 2 * time.Second
)

// RetryDelay is the deterministic delay before retry number attempt.
func RetryDelay(attempt int, base time.Duration, maximum time.Duration) time.Duration {
	step := base
	delay := step

	for range max(1, attempt) {
		step, delay = Backoff(step, maximum, false)
	}

	return delay
}
