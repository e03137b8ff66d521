package context

import (
	"context"
	"testing"
	"time"
)

// WithTest bounds ctx by the deadline of the test.
//
// The deadline is 1 second before the test's one, to leave time to clean up.
func WithTest(ctx context.Context, t *testing.T) (context.Context, func()) {
	if deadline, ok := t.Deadline(); ok {
		return context.WithDeadline(ctx, deadline.Add(-time.Second))
	}
	return context.WithCancel(ctx)
}

// Bounded returns a context which is done after d, at the end of the test
// or slightly before the test's deadline, whichever comes first.
func Bounded(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := WithTest(context.Background(), t)
	ctx, cancelTimeout := context.WithTimeout(ctx, d)
	t.Cleanup(func() {
		cancelTimeout()
		cancel()
	})
	return ctx
}
