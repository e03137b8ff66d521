package task

import (
	"errors"
	"io"
	"log"
	"sync"

	xe "github.com/opst/chiltepin/pkg/errors"
)

// Router places ready tasks onto workers.
type Router interface {
	// Admit checks that some pool can ever run the task.
	//
	// It is called at submit time; an error fails the handle at once.
	Admit(d *Descriptor) error

	// Dispatch hands a task whose predecessors are all resolved to a pool.
	Dispatch(h *Handle)
}

// Graph tracks submitted tasks and releases them as their
// predecessors resolve.
type Graph struct {
	router  Router
	logger  *log.Logger
	observe func(*Handle)

	mu   sync.Mutex
	live map[string]*Handle
}

type GraphOption func(*Graph)

func WithLogger(l *log.Logger) GraphOption {
	return func(g *Graph) { g.logger = l }
}

// WithObserver sets a function called on each state change of every handle.
func WithObserver(fn func(*Handle)) GraphOption {
	return func(g *Graph) { g.observe = fn }
}

func NewGraph(router Router, options ...GraphOption) *Graph {
	g := &Graph{
		router: router,
		logger: log.New(io.Discard, "", 0),
		live:   map[string]*Handle{},
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// Submit registers a task and returns its handle immediately.
//
// When a predecessor is already FAILED or CANCELLED (and its failure is not
// tolerated), the handle is FAILED with dependency-failed at once.
func (g *Graph) Submit(d Descriptor) *Handle {
	h := newHandle(d)
	h.observe = g.observe
	g.track(h)
	if g.observe != nil {
		g.observe(h)
	}

	if err := h.desc.validate(); err != nil {
		kind := xe.KindOf(err)
		if kind == nil {
			kind = xe.ErrTaskRaised
		}
		h.Fail(&Failure{Kind: kind, Task: h.Name(), ExitCode: -1, Cause: err})
		return h
	}
	if err := g.router.Admit(&h.desc); err != nil {
		kind := xe.KindOf(err)
		if kind == nil {
			kind = xe.ErrUnknownCapability
		}
		h.Fail(&Failure{Kind: kind, Task: h.Name(), ExitCode: -1, Cause: err})
		return h
	}

	deps := h.desc.Predecessors()
	causes := []error{}
	for _, dep := range deps {
		if dep.IgnoreFailure {
			continue
		}
		switch dep.Handle.State() {
		case Failed, Cancelled:
			causes = append(causes, dep.Handle.Err())
		}
	}
	if len(causes) != 0 {
		h.Fail(&Failure{
			Kind: xe.ErrDependencyFailed, Task: h.Name(), ExitCode: -1,
			Cause: errors.Join(causes...),
		})
		return h
	}

	w := &waiter{graph: g, handle: h, deps: deps, final: map[*Handle]*Handle{}, remaining: len(deps)}
	if len(deps) == 0 {
		g.release(w)
		return h
	}
	for _, dep := range deps {
		w.follow(dep.Handle, dep.Handle)
	}
	return h
}

// Live returns handles which are not terminal yet.
func (g *Graph) Live() []*Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	hs := make([]*Handle, 0, len(g.live))
	for _, h := range g.live {
		hs = append(hs, h)
	}
	return hs
}

// CancelAll cancels every live handle.
func (g *Graph) CancelAll() {
	for _, h := range g.Live() {
		h.Cancel()
	}
}

func (g *Graph) track(h *Handle) {
	g.mu.Lock()
	g.live[h.id] = h
	g.mu.Unlock()
	h.OnResolve(func(h *Handle) {
		g.mu.Lock()
		delete(g.live, h.id)
		g.mu.Unlock()
	})
}

// release is called when all predecessors of the task are terminal.
func (g *Graph) release(w *waiter) {
	h := w.handle
	if h.State() != Pending {
		return
	}

	causes := []error{}
	for _, dep := range w.deps {
		final := w.final[dep.Handle]
		if final == nil || dep.IgnoreFailure {
			continue
		}
		if s := final.State(); s == Failed || s == Cancelled {
			causes = append(causes, final.Err())
		}
	}
	if len(causes) != 0 {
		g.logger.Printf("task %s (%s): predecessor failed", h.Name(), h.ID())
		h.Fail(&Failure{
			Kind: xe.ErrDependencyFailed, Task: h.Name(), ExitCode: -1,
			Cause: errors.Join(causes...),
		})
		return
	}

	args := Args{}
	for k, v := range h.desc.Args {
		pred, ok := v.(*Handle)
		if !ok || pred == nil {
			args[k] = v
			continue
		}
		args[k] = resultOf(w.final[pred])
	}
	h.setArgs(args)
	g.router.Dispatch(h)
}

// resultOf is the value a dependent sees for a terminal predecessor.
//
// A tolerated failure is seen as the exit code for shell tasks, and as the
// cause for the others.
func resultOf(h *Handle) any {
	if h == nil {
		return nil
	}
	switch h.State() {
	case Done:
		return h.Value()
	default:
		if code := h.ExitCode(); 0 < code {
			return code
		}
		return h.Err()
	}
}

type waiter struct {
	graph  *Graph
	handle *Handle
	deps   []Dependency

	mu        sync.Mutex
	final     map[*Handle]*Handle
	remaining int
}

// follow waits for h, which stands for the predecessor origin.
//
// When h resolves to another handle, it follows that one instead.
func (w *waiter) follow(origin *Handle, h *Handle) {
	h.OnResolve(func(h *Handle) {
		if h.State() == Done {
			if inner, ok := h.Value().(*Handle); ok && inner != nil {
				w.follow(origin, inner)
				return
			}
		}
		w.mu.Lock()
		w.final[origin] = h
		w.remaining -= 1
		ready := w.remaining == 0
		w.mu.Unlock()
		if ready {
			w.graph.release(w)
		}
	})
}
