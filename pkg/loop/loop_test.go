package loop_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opst/chiltepin/pkg/loop"
	"github.com/opst/chiltepin/pkg/utils/try"
)

func TestStart(t *testing.T) {
	t.Run("it repeats task until it breaks", func(t *testing.T) {
		actual := try.To(loop.Start(
			context.Background(), 1,
			func(_ context.Context, v int) (int, loop.Next) {
				if 10 <= v {
					return v, loop.Break(nil)
				}
				return v + 1, loop.Continue(0)
			},
		)).OrFatal(t)

		if actual != 10 {
			t.Errorf("actual = %d", actual)
		}
	})

	t.Run("it returns the error passed to Break with the last value", func(t *testing.T) {
		expectedErr := errors.New("fake")
		actual, err := loop.Start(
			context.Background(), 1,
			func(_ context.Context, v int) (int, loop.Next) {
				return v + 1, loop.Break(expectedErr)
			},
		)
		if !errors.Is(err, expectedErr) {
			t.Errorf("err = %v", err)
		}
		if actual != 2 {
			t.Errorf("actual = %d", actual)
		}
	})

	t.Run("when context has been done before starting, it does nothing", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		actual, err := loop.Start(ctx, 1, func(_ context.Context, v int) (int, loop.Next) {
			return v + 1, loop.Continue(0)
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatal(err)
		}
		if actual != 1 {
			t.Errorf("loop does not honour context")
		}
	})

	t.Run("it stops waiting an interval when context is done", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		before := time.Now()
		_, err := loop.Start(ctx, 0, func(_ context.Context, v int) (int, loop.Next) {
			return v + 1, loop.Continue(time.Hour)
		})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v", err)
		}
		if time.Hour/2 < time.Since(before) {
			t.Errorf("loop waited the whole interval")
		}
	})

	t.Run("it passes deadlined context when WithTimeout is passed", func(t *testing.T) {
		timeout := 100 * time.Millisecond
		try.To(loop.Start(
			context.Background(), 1,
			func(ctx context.Context, v int) (int, loop.Next) {
				deadline, ok := ctx.Deadline()
				if !ok {
					t.Errorf("deadline is not set")
				} else if timeout < time.Until(deadline) {
					t.Errorf("unexpected deadline: %s", deadline)
				}
				if 3 <= v {
					return v, loop.Break(nil)
				}
				return v + 1, loop.Continue(time.Millisecond)
			},
			loop.WithTimeout(timeout),
		)).OrFatal(t)
	})

	t.Run("a kick cuts the interval short", func(t *testing.T) {
		kicker := loop.NewKicker()
		runs := new(atomic.Int32)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			loop.Start(ctx, 0, func(_ context.Context, v int) (int, loop.Next) {
				if runs.Add(1) == 2 {
					return v, loop.Break(nil)
				}
				return v, loop.Continue(time.Hour)
			}, loop.WithWakeup(kicker.C()))
		}()

		kicker.Kick()
		kicker.Kick() // coalesced

		select {
		case <-done:
		case <-ctx.Done():
			t.Fatal("loop is not woken up")
		}
		if runs.Load() != 2 {
			t.Errorf("runs = %d", runs.Load())
		}
	})
}
