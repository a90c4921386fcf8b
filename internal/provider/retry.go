package provider

import (
	"context"
	"time"
)

// Backoff is the exponential retry schedule of the API providers: one
// initial attempt, then up to Retries more, waiting Base, 2*Base, 4*Base...
type Backoff struct {
	Base    time.Duration
	Retries int
}

// DefaultBackoff retries three times starting at one second.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Retries: 3}
}

// Delay returns the wait before retry number n, counted from zero.
func (b Backoff) Delay(n int) time.Duration {
	return b.Base << n
}

// Wait sleeps for d or until ctx is done, returning ctx.Err in that case.
func Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
