// Package retry holds the step and dispatch retry policy.
package retry

import (
	"context"
	"time"

	"github.com/rendis/outreach/pkg/schema"
)

// Defaults. Both are configuration, not constants of the algorithm.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
)

// Policy decides whether a failed attempt is retried and how long to wait.
// The zero value uses the defaults.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps the linear backoff when positive.
	MaxDelay time.Duration
}

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// NewPolicy returns a policy with the given cap and base delay, substituting
// defaults for non-positive values.
func NewPolicy(maxAttempts int, baseDelay time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}.normalized()
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	return p
}

// Attempts returns the effective attempt cap.
func (p Policy) Attempts() int {
	return p.normalized().MaxAttempts
}

// Decide is a pure function of the attempt that just failed (1-based) and its error kind.
// Transient and quality failures are retried until MaxAttempts attempts have been made;
// configuration failures never are. Backoff is linear: attempt * BaseDelay.
func (p Policy) Decide(attempt int, kind schema.ErrorKind) Decision {
	p = p.normalized()
	if kind == schema.ErrorKindConfiguration || attempt >= p.MaxAttempts {
		return Decision{}
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(attempt) * p.BaseDelay
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return Decision{Retry: true, Delay: delay}
}

// Wait sleeps for delay or returns early with the context's error.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
