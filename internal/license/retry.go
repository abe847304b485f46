package license

import (
	"context"
	"math"
	"time"
)

// RetryPolicy is a bounded exponential backoff combinator. Only errors for
// which Retryable returns true are retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	Retryable   func(error) bool
	// Sleep waits between attempts; tests replace it to avoid real delays
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is invoked before each wait
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy is base 1s, factor 2, three attempts, transient errors only
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Factor:      2,
		MaxDelay:    10 * time.Second,
		Retryable:   IsTransient,
	}
}

// Delay returns the wait after the given failed attempt (1-based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. It returns the number of attempts made and the
// last error.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = op(ctx, attempt); err == nil {
			return attempt, nil
		}
		if attempt == maxAttempts || !retryable(err) {
			return attempt, err
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return attempt, err
		}
	}
	return maxAttempts, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
