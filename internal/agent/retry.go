package agent

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ShayCichocki/diligence/pkg/models"
)

// DefaultInitialBackoff is used when a retry policy leaves InitialBackoff unset.
const DefaultInitialBackoff = 500 * time.Millisecond

// NewBackoff builds the exponential schedule for a retry policy. The schedule
// yields backoff.Stop once MaxAttempts-1 delays have been handed out.
// Jitter is disabled so the worst-case job budget stays predictable.
func NewBackoff(p models.RetryPolicy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultInitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.Attempts()-1))
}

// ShouldRetry decides whether another attempt is allowed after a failure of the
// given kind. Non-idempotent agents are never retried automatically.
func ShouldRetry(d models.Descriptor, kind models.FailureKind, attempt int) bool {
	if !d.Idempotent || !kind.Retryable() {
		return false
	}
	return attempt < d.Retry.Attempts()
}
