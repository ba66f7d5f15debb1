package subscription

import (
	"context"
	"time"
)

// RetryPolicy is a small reusable retry value: bounded attempts, linear
// backoff (base delay times the attempt number), and a predicate deciding
// which errors are worth another attempt. The validation pipeline and the
// renewal sweep share one policy instead of ad hoc loops.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Retryable   func(error) bool
}

// Do runs fn up to MaxAttempts times. Non-retryable errors surface
// immediately; context cancellation aborts between attempts.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := p.BaseDelay * time.Duration(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
