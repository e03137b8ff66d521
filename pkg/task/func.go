package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	xe "github.com/opst/chiltepin/pkg/errors"
)

// RunFunc calls the function of an in-process task on the current goroutine
// and resolves the handle with its outcome.
//
// The context passed to the function is cancelled on Cancel, and has a
// deadline when the task has a walltime. The handle must be RUNNING already.
func RunFunc(ctx context.Context, h *Handle) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.SetInterrupt(cancel)

	if w := h.desc.Walltime; 0 < w {
		var c context.CancelFunc
		ctx, c = context.WithTimeout(ctx, w)
		defer c()
	}

	start := time.Now()
	value, err := callFunc(ctx, h)
	elapsed := time.Since(start)

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		h.Fail(&Failure{
			Kind: xe.ErrTimeout, Task: h.Name(), ExitCode: -1, Elapsed: elapsed,
			Cause: fmt.Errorf("walltime %s exceeded", h.desc.Walltime),
		})
	case h.CancelRequested() && (err == nil || errors.Is(err, context.Canceled)):
		h.Abort()
	case errors.Is(err, context.Canceled) && errors.Is(ctx.Err(), context.Canceled):
		// stopped by shutdown of the pool
		h.Abort()
	case err != nil:
		h.Fail(&Failure{Kind: xe.ErrTaskRaised, Task: h.Name(), ExitCode: -1, Cause: err})
	default:
		h.Succeed(value)
	}
}

func callFunc(ctx context.Context, h *Handle) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.desc.Fn(ctx, h.Args())
}
