// Package backoff provides the reconnection delay policy shared by the
// transport client and the connection manager.
package backoff

import (
	"math"
	"time"
)

// Policy maps a reconnect attempt number to the wait delay before the
// next attempt. The delay grows exponentially and is capped.
type Policy struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int
}

// Default returns the policy used when no overrides are configured:
// 1s base, doubling, capped at 30s, 10 attempts.
func Default() Policy {
	return Policy{
		Base:        time.Second,
		Multiplier:  2.0,
		Cap:         30 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before the given attempt. Attempts are
// numbered from 1; attempt 1 waits the base delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.Cap) || math.IsInf(delay, 1) {
		return p.Cap
	}

	return time.Duration(delay)
}

// Exhausted reports whether the given attempt number exceeds the
// configured maximum. A MaxAttempts of zero never exhausts.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
