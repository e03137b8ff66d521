package task_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	xe "github.com/opst/chiltepin/pkg/errors"
	"github.com/opst/chiltepin/pkg/task"
	"github.com/opst/chiltepin/pkg/utils/try"
)

// router runs tasks on goroutines right away.
//
// A shell task "runs" by exiting with Args["exit"] (default 0).
type router struct {
	admit func(*task.Descriptor) error
	hold  chan struct{} // if not nil, in-process tasks wait for it before running

	mu         sync.Mutex
	dispatched []string
}

func (r *router) Admit(d *task.Descriptor) error {
	if r.admit == nil {
		return nil
	}
	return r.admit(d)
}

func (r *router) Dispatch(h *task.Handle) {
	r.mu.Lock()
	r.dispatched = append(r.dispatched, h.Name())
	r.mu.Unlock()

	go func() {
		if !h.MarkRunning(nil) {
			return
		}
		switch h.Descriptor().Kind {
		case task.KindInProcess:
			if r.hold != nil {
				<-r.hold
			}
			task.RunFunc(context.Background(), h)
		case task.KindJoin:
			task.RunJoin(context.Background(), h)
		case task.KindShell:
			code, _ := h.Args()["exit"].(int)
			if code == 0 {
				h.Exit(0, nil)
				return
			}
			h.Exit(code, &task.Failure{
				Kind: xe.ErrShellNonzeroExit, Task: h.Name(), ExitCode: code,
				Stdout: "/tmp/" + h.Name() + ".out", Stderr: "/tmp/" + h.Name() + ".err",
				Cause: fmt.Errorf("exit code %d", code),
			})
		}
	}()
}

func (r *router) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.dispatched...)
}

func await(t *testing.T, h *task.Handle) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := h.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatalf("task %s is not resolved (state = %s)", h.Name(), h.State())
	}
	return v, err
}

func constant(v any) task.Fn {
	return func(context.Context, task.Args) (any, error) { return v, nil }
}

func TestGraph_Submit(t *testing.T) {
	t.Run("a task without predecessors is dispatched and resolves DONE", func(t *testing.T) {
		g := task.NewGraph(&router{})
		h := g.Submit(task.Func(constant(42), task.Named("answer")))

		v, err := await(t, h)
		if err != nil {
			t.Fatal(err)
		}
		if v != 42 || h.State() != task.Done {
			t.Errorf("(v, state) = (%v, %s)", v, h.State())
		}
	})

	t.Run("predecessor results are passed as arguments", func(t *testing.T) {
		g := task.NewGraph(&router{})
		a := g.Submit(task.Func(constant(20)))
		b := g.Submit(task.Func(constant(22)))
		sum := g.Submit(task.Func(
			func(_ context.Context, args task.Args) (any, error) {
				return args["a"].(int) + args["b"].(int) + args["c"].(int), nil
			},
			task.WithArgs(task.Args{"a": a, "b": b, "c": 0}),
		))

		v := try.To(await(t, sum)).OrFatal(t)
		if v != 42 {
			t.Errorf("sum = %v", v)
		}
	})

	t.Run("a dependent starts only after its predecessor is DONE", func(t *testing.T) {
		g := task.NewGraph(&router{})
		a := g.Submit(task.Func(func(context.Context, task.Args) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		}))
		b := g.Submit(task.Func(constant(nil), task.After(a)))

		try.To(await(t, b)).OrFatal(t)
		_, aFinished := a.Times()
		bStarted, _ := b.Times()
		if bStarted.Before(aFinished) {
			t.Errorf("b started (%s) before a finished (%s)", bStarted, aFinished)
		}
	})

	t.Run("failure cascades to dependents as dependency-failed", func(t *testing.T) {
		g := task.NewGraph(&router{})
		a := g.Submit(task.Shell("exit 1", task.Named("A"), task.WithArg("exit", 1)))
		b := g.Submit(task.Shell("true", task.Named("B"), task.After(a)))
		c := g.Submit(task.Func(constant(nil), task.Named("C"), task.After(b)))

		_, errA := await(t, a)
		_, errB := await(t, b)
		_, errC := await(t, c)

		if a.State() != task.Failed || !errors.Is(errA, xe.ErrShellNonzeroExit) {
			t.Errorf("A: %s %v", a.State(), errA)
		}
		if b.State() != task.Failed || !errors.Is(errB, xe.ErrDependencyFailed) {
			t.Errorf("B: %s %v", b.State(), errB)
		}
		if c.State() != task.Failed || !errors.Is(errC, xe.ErrDependencyFailed) {
			t.Errorf("C: %s %v", c.State(), errC)
		}

		f, ok := task.AsFailure(errC)
		if !ok {
			t.Fatalf("not a failure: %v", errC)
		}
		chain := f.Chain()
		names := []string{}
		for _, c := range chain {
			names = append(names, c.Task)
		}
		if strings.Join(names, ",") != "C,B,A" {
			t.Errorf("chain = %v", names)
		}
		if chain[2].Stdout != "/tmp/A.out" || !strings.Contains(errC.Error(), "/tmp/A.err") {
			t.Errorf("stdout/stderr paths are lost: %v", errC)
		}
		if !errors.Is(errC, xe.ErrShellNonzeroExit) {
			t.Errorf("root cause is lost: %v", errC)
		}
	})

	t.Run("a task submitted after its predecessor failed is FAILED at once", func(t *testing.T) {
		r := &router{}
		g := task.NewGraph(r)
		a := g.Submit(task.Func(func(context.Context, task.Args) (any, error) {
			return nil, errors.New("boom")
		}, task.Named("A")))
		_, err := await(t, a)
		if !errors.Is(err, xe.ErrTaskRaised) {
			t.Fatalf("A: %v", err)
		}

		b := g.Submit(task.Func(constant(nil), task.Named("B"), task.After(a)))
		if b.State() != task.Failed || !errors.Is(b.Err(), xe.ErrDependencyFailed) {
			t.Errorf("B: %s %v", b.State(), b.Err())
		}
		for _, n := range r.names() {
			if n == "B" {
				t.Errorf("B is dispatched")
			}
		}
	})

	t.Run("a tolerated failure lets the dependent run with the exit code", func(t *testing.T) {
		g := task.NewGraph(&router{})
		a := g.Submit(task.Shell("exit 3", task.WithArg("exit", 3)))
		b := g.Submit(task.Func(
			func(_ context.Context, args task.Args) (any, error) { return args["a"], nil },
			task.WithArg("a", a), task.AfterTolerating(a),
		))

		v := try.To(await(t, b)).OrFatal(t)
		if v != 3 {
			t.Errorf("b sees %v", v)
		}
	})

	t.Run("Admit error fails the handle at submit", func(t *testing.T) {
		r := &router{admit: func(d *task.Descriptor) error {
			return xe.Kinded(xe.ErrUnknownCapability, "no pool %v", d.Capability)
		}}
		g := task.NewGraph(r)
		h := g.Submit(task.Func(constant(nil), task.WithCapability("gpu")))

		if h.State() != task.Failed || !errors.Is(h.Err(), xe.ErrUnknownCapability) {
			t.Errorf("%s %v", h.State(), h.Err())
		}
		if len(r.names()) != 0 {
			t.Errorf("dispatched: %v", r.names())
		}
	})

	t.Run("invalid geometry fails the handle with unsatisfiable-geometry", func(t *testing.T) {
		g := task.NewGraph(&router{})
		h := g.Submit(task.Shell("true", task.WithMPI(2, 4, 9)))
		if !errors.Is(h.Err(), xe.ErrUnsatisfiableGeometry) {
			t.Errorf("%v", h.Err())
		}
	})

	t.Run("a panicking function is task-raised", func(t *testing.T) {
		g := task.NewGraph(&router{})
		h := g.Submit(task.Func(func(context.Context, task.Args) (any, error) { panic("oops") }))
		_, err := await(t, h)
		if !errors.Is(err, xe.ErrTaskRaised) || !strings.Contains(err.Error(), "oops") {
			t.Errorf("%v", err)
		}
	})

	t.Run("a function over its walltime is FAILED with timeout and elapsed time", func(t *testing.T) {
		g := task.NewGraph(&router{})
		h := g.Submit(task.Func(
			func(ctx context.Context, _ task.Args) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			task.WithWalltime(30*time.Millisecond),
		))
		_, err := await(t, h)
		if !errors.Is(err, xe.ErrTimeout) {
			t.Fatalf("%v", err)
		}
		f, _ := task.AsFailure(err)
		if f.Elapsed < 30*time.Millisecond {
			t.Errorf("elapsed = %s", f.Elapsed)
		}
	})
}

func TestGraph_Cancel(t *testing.T) {
	t.Run("cancelling a PENDING task makes it CANCELLED and fails dependents", func(t *testing.T) {
		hold := make(chan struct{})
		g := task.NewGraph(&router{hold: hold})

		blocker := g.Submit(task.Func(constant(nil)))
		a := g.Submit(task.Func(constant(nil), task.Named("A"), task.After(blocker)))
		b := g.Submit(task.Func(constant(nil), task.Named("B"), task.After(a)))
		c := g.Submit(task.Func(constant("ok"), task.Named("C"), task.AfterTolerating(a)))

		a.Cancel()
		if a.State() != task.Cancelled {
			t.Errorf("A: %s", a.State())
		}
		if !errors.Is(a.Err(), xe.ErrCancelled) {
			t.Errorf("A: %v", a.Err())
		}

		close(hold)
		_, errB := await(t, b)
		if b.State() != task.Failed || !errors.Is(errB, xe.ErrDependencyFailed) {
			t.Errorf("B: %s %v", b.State(), errB)
		}
		v := try.To(await(t, c)).OrFatal(t)
		if v != "ok" {
			t.Errorf("C: %v", v)
		}
	})

	t.Run("cancelling a RUNNING function which honours context makes it CANCELLED", func(t *testing.T) {
		g := task.NewGraph(&router{})
		started := make(chan struct{})
		h := g.Submit(task.Func(func(ctx context.Context, _ task.Args) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}))
		<-started
		h.Cancel()
		await(t, h)
		if h.State() != task.Cancelled {
			t.Errorf("state = %s, err = %v", h.State(), h.Err())
		}
	})

	t.Run("cancel on a terminal handle does nothing", func(t *testing.T) {
		g := task.NewGraph(&router{})
		h := g.Submit(task.Func(constant(1)))
		try.To(await(t, h)).OrFatal(t)
		h.Cancel()
		if h.State() != task.Done || h.Value() != 1 {
			t.Errorf("%s %v", h.State(), h.Value())
		}
	})
}

func TestGraph_Join(t *testing.T) {
	t.Run("a join task resolves with the value of the inner handle", func(t *testing.T) {
		g := task.NewGraph(&router{})
		parts := []*task.Handle{}
		for i := 1; i <= 8; i++ {
			parts = append(parts, g.Submit(task.Func(constant(i))))
		}
		args := task.Args{}
		for i, p := range parts {
			args[fmt.Sprintf("p%d", i)] = p
		}

		j := g.Submit(task.Join(func(ctx context.Context, args task.Args) (*task.Handle, error) {
			total := 0
			for _, v := range args {
				total += v.(int)
			}
			return g.Submit(task.Func(constant(total))), nil
		}, task.WithArgs(args)))

		v := try.To(await(t, j)).OrFatal(t)
		if v != 36 {
			t.Errorf("join = %v", v)
		}
	})

	t.Run("a predecessor returning a handle is flattened for dependents", func(t *testing.T) {
		g := task.NewGraph(&router{})
		inner := g.Submit(task.Func(constant("deep")))
		outer := g.Submit(task.Func(constant(inner)))
		user := g.Submit(task.Func(
			func(_ context.Context, args task.Args) (any, error) { return args["x"], nil },
			task.WithArg("x", outer),
		))
		v := try.To(await(t, user)).OrFatal(t)
		if v != "deep" {
			t.Errorf("user sees %v", v)
		}
	})

	t.Run("a failing inner handle fails the join task", func(t *testing.T) {
		g := task.NewGraph(&router{})
		j := g.Submit(task.Join(func(context.Context, task.Args) (*task.Handle, error) {
			return g.Submit(task.Shell("exit 2", task.WithArg("exit", 2))), nil
		}))
		_, err := await(t, j)
		if j.State() != task.Failed || !errors.Is(err, xe.ErrShellNonzeroExit) {
			t.Errorf("%s %v", j.State(), err)
		}
	})

	t.Run("a join function returning error is task-raised", func(t *testing.T) {
		g := task.NewGraph(&router{})
		j := g.Submit(task.Join(func(context.Context, task.Args) (*task.Handle, error) {
			return nil, errors.New("no luck")
		}))
		_, err := await(t, j)
		if !errors.Is(err, xe.ErrTaskRaised) {
			t.Errorf("%v", err)
		}
	})
}

func TestHandle_SingleResolution(t *testing.T) {
	t.Run("concurrent readers observe identical results", func(t *testing.T) {
		hold := make(chan struct{})
		g := task.NewGraph(&router{hold: hold})
		h := g.Submit(task.Func(constant("once")))

		results := make(chan any, 16)
		wg := new(sync.WaitGroup)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, _ := await(t, h)
				results <- v
			}()
		}
		close(hold)
		wg.Wait()
		close(results)
		for v := range results {
			if v != "once" {
				t.Errorf("reader saw %v", v)
			}
		}
	})

	t.Run("a terminal state is never overwritten", func(t *testing.T) {
		g := task.NewGraph(&router{})
		h := g.Submit(task.Func(constant(1)))
		try.To(await(t, h)).OrFatal(t)

		if h.Fail(errors.New("late")) || h.Succeed(2) || h.Abort() {
			t.Errorf("resolution is accepted twice")
		}
		if h.State() != task.Done || h.Value() != 1 {
			t.Errorf("%s %v", h.State(), h.Value())
		}
	})

	t.Run("live handles are forgotten once resolved", func(t *testing.T) {
		g := task.NewGraph(&router{})
		h := g.Submit(task.Func(constant(1)))
		try.To(await(t, h)).OrFatal(t)
		if n := len(g.Live()); n != 0 {
			t.Errorf("live = %d", n)
		}
	})
}
