package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	xe "github.com/opst/chiltepin/pkg/errors"
)

type State int

const (
	Pending State = iota
	Running
	Done
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Running:
		return "RUNNING"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	case Cancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal states are absorbing.
func (s State) Terminal() bool {
	return s == Done || s == Failed || s == Cancelled
}

// Handle observes the eventual terminal state of one task.
//
// All methods are safe for concurrent use.
type Handle struct {
	id        string
	desc      Descriptor
	submitted time.Time

	mu              sync.Mutex
	state           State
	value           any
	exitCode        int
	err             error
	args            Args
	started         time.Time
	finished        time.Time
	interrupt       func()
	cancelRequested bool
	listeners       []func(*Handle)
	observe         func(*Handle)
	done            chan struct{}
}

func newHandle(d Descriptor) *Handle {
	h := &Handle{
		id:        uuid.NewString(),
		desc:      d,
		submitted: time.Now(),
		exitCode:  -1,
		done:      make(chan struct{}),
	}
	if h.desc.Name == "" {
		h.desc.Name = fmt.Sprintf("%s-%s", d.Kind, h.id[:8])
	}
	return h
}

func (h *Handle) ID() string {
	return h.id
}

func (h *Handle) Name() string {
	return h.desc.Name
}

// Descriptor returns the descriptor of the task. Do not modify it.
func (h *Handle) Descriptor() *Descriptor {
	return &h.desc
}

func (h *Handle) Submitted() time.Time {
	return h.submitted
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed when the handle reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Await blocks until the handle is resolved or ctx is done.
//
// It returns the result value for DONE handles, and the recorded cause
// for FAILED or CANCELLED ones.
func (h *Handle) Await(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Done {
		return h.value, nil
	}
	return nil, h.err
}

// Value is the result of a DONE handle. For shell tasks, it is the exit code.
func (h *Handle) Value() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value
}

// ExitCode of a shell task, or -1 if it has not exited (or is not a shell task).
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Args returns arguments with predecessor results in place of handles.
//
// It is nil until the task is dispatched.
func (h *Handle) Args() Args {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.args
}

// Times returns when the task started and finished running. Zero if not yet.
func (h *Handle) Times() (started time.Time, finished time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started, h.finished
}

// Cancel requests cooperative cancellation.
//
// A PENDING handle becomes CANCELLED at once. For a RUNNING handle the
// interrupt of its executor is called, and the terminal state depends on how
// the task ends. It does nothing on terminal handles.
func (h *Handle) Cancel() {
	h.mu.Lock()
	switch h.state {
	case Pending:
		ok := h.resolveLocked(Cancelled, nil, -1, &Failure{Kind: xe.ErrCancelled, Task: h.desc.Name, ExitCode: -1})
		h.mu.Unlock()
		if ok {
			h.notify()
		}
	case Running:
		h.cancelRequested = true
		interrupt := h.interrupt
		h.mu.Unlock()
		if interrupt != nil {
			interrupt()
		}
	default:
		h.mu.Unlock()
	}
}

// CancelRequested tells whether Cancel is called while the task runs.
func (h *Handle) CancelRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelRequested
}

// OnResolve registers fn to be called once the handle is terminal.
//
// If it already is, fn is called immediately.
func (h *Handle) OnResolve(fn func(*Handle)) {
	h.mu.Lock()
	if !h.state.Terminal() {
		h.listeners = append(h.listeners, fn)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	fn(h)
}

// Executors drive handles with the methods below.

// MarkRunning moves a PENDING handle to RUNNING.
//
// interrupt is called when the handle is cancelled while running.
// It returns false if the handle is no longer PENDING.
func (h *Handle) MarkRunning(interrupt func()) bool {
	h.mu.Lock()
	if h.state != Pending {
		h.mu.Unlock()
		return false
	}
	h.state = Running
	h.started = time.Now()
	h.interrupt = interrupt
	observe := h.observe
	h.mu.Unlock()
	if observe != nil {
		observe(h)
	}
	return true
}

// SetInterrupt replaces the interrupt of a RUNNING handle.
// If cancellation is already requested, interrupt is called immediately.
func (h *Handle) SetInterrupt(interrupt func()) {
	h.mu.Lock()
	h.interrupt = interrupt
	requested := h.cancelRequested && h.state == Running
	h.mu.Unlock()
	if requested && interrupt != nil {
		interrupt()
	}
}

// Succeed resolves the handle as DONE with value.
func (h *Handle) Succeed(value any) bool {
	return h.resolve(Done, value, -1, nil)
}

// Exit resolves a shell task by its exit code: DONE for 0, and FAILED with
// cause otherwise.
func (h *Handle) Exit(code int, cause error) bool {
	if code == 0 && cause == nil {
		return h.resolve(Done, 0, 0, nil)
	}
	return h.resolve(Failed, nil, code, cause)
}

// Fail resolves the handle as FAILED.
func (h *Handle) Fail(cause error) bool {
	return h.resolve(Failed, nil, -1, cause)
}

// Abort resolves the handle as CANCELLED.
func (h *Handle) Abort() bool {
	return h.resolve(Cancelled, nil, -1, &Failure{Kind: xe.ErrCancelled, Task: h.desc.Name, ExitCode: -1})
}

// Adopt resolves the handle with the terminal state of other.
func (h *Handle) Adopt(other *Handle) bool {
	other.mu.Lock()
	state, value, code, err := other.state, other.value, other.exitCode, other.err
	other.mu.Unlock()
	if !state.Terminal() {
		return false
	}
	return h.resolve(state, value, code, err)
}

func (h *Handle) setArgs(args Args) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.args = args
}

func (h *Handle) resolve(state State, value any, code int, err error) bool {
	h.mu.Lock()
	ok := h.resolveLocked(state, value, code, err)
	h.mu.Unlock()
	if ok {
		h.notify()
	}
	return ok
}

func (h *Handle) resolveLocked(state State, value any, code int, err error) bool {
	if h.state.Terminal() {
		return false
	}
	h.state = state
	h.value = value
	h.exitCode = code
	h.err = err
	h.finished = time.Now()
	h.interrupt = nil
	return true
}

func (h *Handle) notify() {
	h.mu.Lock()
	listeners := h.listeners
	h.listeners = nil
	observe := h.observe
	h.mu.Unlock()

	close(h.done)
	if observe != nil {
		observe(h)
	}
	for _, l := range listeners {
		l(h)
	}
}
