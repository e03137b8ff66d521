package retry

import (
	"context"
	"errors"
	"time"
)

// ErrRetry tells Blocking that the call should be tried again.
var ErrRetry = errors.New("retry")

// Backoff is a (blocking) function returns when to retry.
//
// If context is canceled, Backoff should return ctx.Err().
type Backoff func(context.Context) error

// StaticBackoff waits for a fixed interval for each call.
func StaticBackoff(interval time.Duration) Backoff {
	return ExponentialBackoff(interval, 1)
}

// ExponentialBackoff waits `initialInterval * r^N` at the N-th call.
func ExponentialBackoff(initialInterval time.Duration, r float64) Backoff {
	interval := initialInterval
	return func(ctx context.Context) error {
		if err := sleep(ctx, interval); err != nil {
			return err
		}
		interval = time.Duration(float64(interval) * r)
		return nil
	}
}

// CappedExponentialBackoff waits CappedDelay(base, limit, N) at the N-th call
// (N starts from 0).
func CappedExponentialBackoff(base, limit time.Duration) Backoff {
	n := 0
	return func(ctx context.Context) error {
		d := CappedDelay(base, limit, n)
		n += 1
		return sleep(ctx, d)
	}
}

// CappedDelay returns min(base * 2^n, limit).
//
// Negative n is treated as 0.
func CappedDelay(base, limit time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		if limit/2 < d {
			return limit
		}
		d *= 2
	}
	if limit < d {
		return limit
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
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

// Blocking calls f until it returns nil or an error other than ErrRetry.
//
// The first call is made immediately; backoff is awaited before each retry.
//
// # Returns
//
// - T: last return value of f
//
// - error: error returned by f, or by backoff.
func Blocking[T any](ctx context.Context, b Backoff, f func() (T, error)) (T, error) {
	for {
		last, err := f()
		if err == nil {
			return last, nil
		}
		if !errors.Is(err, ErrRetry) {
			return last, err
		}
		if err := b(ctx); err != nil {
			return last, err
		}
	}
}
