package fetch

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy holds the retry constants for the primary transport.
type RetryPolicy struct {
	// MaxAttempts is the number of primary attempts before the fallback transport is tried.
	MaxAttempts int
	// BaseDelay is the wait between attempts in fixed mode and the base of the
	// exponential series otherwise.
	BaseDelay time.Duration
	// Jitter adds a uniformly random [0, Jitter) duration to each wait.
	Jitter time.Duration
	// Exponential switches from a fixed delay to BaseDelay·2^attempt.
	Exponential bool
	// Timeout bounds a single primary attempt, body included. Zero means no timeout.
	Timeout time.Duration
}

// DefaultRetryPolicy returns three fixed-delay attempts with a five minute request timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Timeout:     300 * time.Second,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}

	return p.MaxAttempts
}

// BackOff returns a backoff.BackOff producing this policy's delays.
func (p RetryPolicy) BackOff() backoff.BackOff {
	return &policyBackOff{policy: p}
}

type policyBackOff struct {
	policy  RetryPolicy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	delay := b.policy.BaseDelay
	if b.policy.Exponential {
		delay = b.policy.BaseDelay * time.Duration(int64(1)<<min(b.attempt, 30))
	}

	b.attempt++

	if b.policy.Jitter > 0 {
		delay += rand.N(b.policy.Jitter)
	}

	return delay
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}
