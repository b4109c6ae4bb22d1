package provider

import (
	"context"
	"math"
	"time"

	"github.com/JetSquirrel/cloudbridge/internal/model"
)

// RetryPolicy is exponential backoff over a bounded number of attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64

	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns three attempts starting at one second, capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempts run out. Only transport and rate limit errors are retried.
func Retry(ctx context.Context, p RetryPolicy, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if !model.Retryable(err) || attempt == attempts || ctx.Err() != nil {
			return err
		}

		delay := p.Delay(attempt, model.RetryAfterHint(err))
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return err
}

// Delay is the wait after the given failed attempt. A provider hint longer
// than the computed backoff wins; MaxDelay caps both.
func (p RetryPolicy) Delay(attempt int, hint time.Duration) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1)))
	if hint > d {
		d = hint
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
