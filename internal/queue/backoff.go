package queue

import "time"

// BackoffPolicy decides how long an entry waits after a failed attempt.
type BackoffPolicy interface {
	Delay(retryCount int) time.Duration
}

// FixedBackoff waits the same interval after every failure.
type FixedBackoff struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (b FixedBackoff) Delay(int) time.Duration {
	return b.Interval
}

// ExponentialBackoff doubles the wait after each failure, capped at Max.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base * 2^(retryCount-1), capped at Max.
func (b ExponentialBackoff) Delay(retryCount int) time.Duration {
	if retryCount <= 1 {
		return b.Base
	}
	d := b.Base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	return d
}

// DefaultBackoff is the 5 second fixed window.
func DefaultBackoff() BackoffPolicy {
	return FixedBackoff{Interval: 5 * time.Second}
}
