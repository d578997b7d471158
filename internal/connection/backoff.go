package connection

import "time"

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultMaxAttempts = 5
)

// Backoff returns base * 2^attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return max
	}

	delay := time.Duration(1<<uint(attempt)) * base
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}
