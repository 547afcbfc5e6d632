package transfer

import (
	"context"
	"time"
)

// RetryPolicy re-runs an operation on transient failures with exponential
// backoff. Non-retryable errors and the final attempt's error propagate
// unchanged.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Backoff      float64
	// Retryable decides whether an error is worth another attempt.
	// Defaults to IsRetryable.
	Retryable func(error) bool

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy builds a policy with the given parameters, substituting
// defaults (3 attempts, 500ms, x2) for zero values.
func NewRetryPolicy(maxAttempts int, initialDelay time.Duration, backoff float64) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if initialDelay <= 0 {
		initialDelay = 500 * time.Millisecond
	}
	if backoff <= 0 {
		backoff = 2
	}
	return &RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initialDelay,
		Backoff:      backoff,
		Retryable:    IsRetryable,
		sleep:        sleepCtx,
	}
}

// Execute runs op up to MaxAttempts times.
func (p *RetryPolicy) Execute(ctx context.Context, op func(context.Context) error) error {
	delay := p.InitialDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.MaxAttempts || !p.Retryable(err) {
			return err
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return err
		}
		delay = time.Duration(float64(delay) * p.Backoff)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
