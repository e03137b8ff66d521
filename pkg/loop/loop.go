// Package loop runs a task repeatedly until it breaks, the context is done,
// or forever.
//
// Recurring work of the orchestrator (scaling evaluation of a provisioner,
// status polling of remote tasks and transfers) is written as a loop.Task.
package loop

import (
	"context"
	"fmt"
	"time"
)

type Next struct {
	// if not nil, breaks with error
	err error

	// if quit == true and err == nil, breaks without error
	quit bool

	// otherwise, continue loop after interval (or a wake-up).
	interval time.Duration
}

func (n Next) String() string {
	if n.err != nil {
		return fmt.Sprintf("[break] with error: %v", n.err)
	}
	if n.quit {
		return "[break] without error"
	}
	return fmt.Sprintf("[continue] interval: %s", n.interval)
}

// Continue the loop after interval.
func Continue(interval time.Duration) Next {
	return Next{interval: interval}
}

// Break the loop. Pass a non-nil error to break with it.
func Break(err error) Next {
	return Next{quit: true, err: err}
}

// Task receives the value returned by the previous run (or the initial value)
// and returns the next one together with Continue or Break.
//
// The zero Next is Continue(0).
type Task[T any] func(context.Context, T) (T, Next)

// Start runs task in loop.
//
// Example: count 1 to 10.
//
//	Start(ctx, 1, func(_ context.Context, value int) (int, Next) {
//		value += 1
//		if 10 <= value {
//			return value, Break(nil)
//		}
//		return value, Continue(0)
//	})
//
// # Args
//
// - ctx: when it is done, the loop breaks with ctx.Err().
//
// - init: the first value passed to task.
//
// - task: the task to be repeated.
//
// - options: options for each iteration.
//
// # Returns
//
// - T: the value task returned at last. It is returned even with an error.
//
// - error: the error passed to Break, or ctx.Err().
func Start[T any](ctx context.Context, init T, task Task[T], options ...LoopOption) (T, error) {
	select {
	case <-ctx.Done():
		return init, ctx.Err()
	default:
	}

	value := init
	for {
		lc := &loopConfig{ctx: ctx}
		for _, opt := range options {
			lc = opt(lc)
		}

		v, n := func() (T, Next) {
			if lc.deferred != nil {
				defer lc.deferred()
			}
			return task(lc.ctx, value)
		}()

		if n.err != nil {
			return v, n.err
		} else if n.quit {
			return v, nil
		}
		value = v

		timer := time.NewTimer(n.interval)
		select {
		case <-ctx.Done():
			// shutting down comes first.
			timer.Stop()
			return value, ctx.Err()
		case <-timer.C:
		case <-lc.wakeup:
			timer.Stop()
		}
	}
}

type loopConfig struct {
	ctx      context.Context
	deferred func()
	wakeup   <-chan struct{}
}

type LoopOption func(*loopConfig) *loopConfig

// WithTimeout sets a timeout on the context passed to each run of the task.
func WithTimeout(d time.Duration) LoopOption {
	return func(lc *loopConfig) *loopConfig {
		ctx, cancel := context.WithTimeout(lc.ctx, d)
		return &loopConfig{
			ctx:    ctx,
			wakeup: lc.wakeup,
			deferred: func() {
				if lc.deferred != nil {
					defer lc.deferred()
				}
				cancel()
			},
		}
	}
}

// WithWakeup lets a receive from ch cut the interval short,
// so the next run starts immediately.
func WithWakeup(ch <-chan struct{}) LoopOption {
	return func(lc *loopConfig) *loopConfig {
		return &loopConfig{ctx: lc.ctx, deferred: lc.deferred, wakeup: ch}
	}
}

// Kicker is a wake-up source for WithWakeup. Kicks coalesce: any number of
// Kick calls during one interval wake the loop once.
type Kicker struct {
	ch chan struct{}
}

func NewKicker() *Kicker {
	return &Kicker{ch: make(chan struct{}, 1)}
}

// Kick wakes the loop. It never blocks.
func (k *Kicker) Kick() {
	select {
	case k.ch <- struct{}{}:
	default:
	}
}

func (k *Kicker) C() <-chan struct{} {
	return k.ch
}
