// Retry and dead-letter entities for dispatch resilience.
package domain

import (
	"time"
)

// RetryPolicy is the dispatcher-owned redelivery schedule: exponential
// backoff Base × 2^attempt, capped at MaxDelay, at most MaxRetries attempts
// before an item is dead-lettered.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy matches the platform defaults (60 s base, 3 retries).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Base: 60 * time.Second, MaxDelay: 15 * time.Minute}
}

// Delay returns the redelivery delay after the given completed attempts.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := p.Base
	for i := 0; i < attempts; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether another retry would cross the budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxRetries
}

// DeadLetter is a work item parked after its retry budget was spent, kept
// for operator inspection.
type DeadLetter struct {
	Item     WorkItem  `json:"item"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}
