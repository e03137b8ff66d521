package task

import (
	"context"
	"fmt"

	xe "github.com/opst/chiltepin/pkg/errors"
)

// Follow resolves outer as inner resolves: outer takes inner's terminal
// state and value. Nested handles are followed until a non-handle value.
func Follow(outer, inner *Handle) {
	outer.SetInterrupt(inner.Cancel)
	inner.OnResolve(func(inner *Handle) {
		if inner.State() == Done {
			if next, ok := inner.Value().(*Handle); ok && next != nil {
				Follow(outer, next)
				return
			}
		}
		outer.Adopt(inner)
	})
}

// RunJoin calls the function of a join task on the current goroutine.
//
// The handle is left RUNNING when the function returns a handle; it is
// resolved later by Follow. The handle must be RUNNING already.
func RunJoin(ctx context.Context, h *Handle) {
	inner, err := callJoin(ctx, h)
	if err != nil {
		h.Fail(&Failure{Kind: xe.ErrTaskRaised, Task: h.Name(), ExitCode: -1, Cause: err})
		return
	}
	if inner == nil {
		h.Fail(&Failure{
			Kind: xe.ErrTaskRaised, Task: h.Name(), ExitCode: -1,
			Cause: fmt.Errorf("join function returned no handle"),
		})
		return
	}
	Follow(h, inner)
}

func callJoin(ctx context.Context, h *Handle) (inner *Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.desc.JoinFn(ctx, h.Args())
}
