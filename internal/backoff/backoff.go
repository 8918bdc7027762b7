// Package backoff retries an operation with bounded exponential delays
package backoff

import (
	"context"
	"time"
)

// Policy bounds a retry loop. Attempts includes the first try.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// Delay returns the wait before retry number n (n starts at 1)
func (p Policy) Delay(n int) time.Duration {
	d := p.Initial
	for i := 1; i < n; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Retry calls fn until it succeeds, the attempts run out or ctx ends.
// onRetry is called before each wait with the attempt number and its error.
// The last error from fn is returned.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if !Sleep(ctx, p.Delay(attempt)) {
			return err
		}
	}
	return err
}

// Sleep waits for d or until ctx ends, reporting whether the full wait elapsed
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
