// Package reconnect holds the client's bounded-retry backoff calculator,
// kept pure so it is testable without a live socket.
package reconnect

import "time"

// Policy computes linear backoff delays for relay reconnects.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Default matches the production tuning: five attempts, 2s base.
func Default() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second}
}

// Delay returns the wait before the given attempt. Attempts count from 1;
// anything below yields no wait.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return p.BaseDelay * time.Duration(attempt)
}

// Exhausted reports whether the attempt number is past the cap.
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}
