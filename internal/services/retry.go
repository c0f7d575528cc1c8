// internal/services/retry.go
package services

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds how often a ledger step is attempted. Only errors wrapping
// ErrLedgerTransient are retried; anything else returns immediately.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Sleep waits between attempts. Nil means a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Backoff returns the wait before the given retry (1 for the first retry).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.InitialBackoff <= 0 {
		return 0
	}
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, fails with a non-transient error, or the ceiling
// is reached. fn receives the 1-based attempt number. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}

	var err error
	for attempt := 1; attempt <= limit; attempt++ {
		if attempt > 1 {
			if serr := p.sleep(ctx, p.Backoff(attempt-1)); serr != nil {
				return err
			}
		}
		err = fn(ctx, attempt)
		if err == nil || !errors.Is(err, ErrLedgerTransient) {
			return err
		}
	}
	return err
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
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

// NoSleep is a Sleep that returns immediately. Used by tests.
func NoSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}
