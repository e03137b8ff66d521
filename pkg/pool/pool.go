// Package pool runs dispatched tasks on the blocks of a provisioner.
//
// Two kinds of pools are here: Single runs many tasks side by side in slots
// of a block, and MPI places each task on a set of whole nodes of a block.
package pool

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/opst/chiltepin/pkg/batch"
	"github.com/opst/chiltepin/pkg/configs/platform"
	"github.com/opst/chiltepin/pkg/metrics"
	"github.com/opst/chiltepin/pkg/provision"
	"github.com/opst/chiltepin/pkg/task"
)

// Pool is where the dispatcher puts ready tasks.
type Pool interface {
	Name() string

	// Admit checks that the pool can ever run the task.
	//
	// Errors are errors.ErrUnsatisfiableGeometry.
	Admit(d *task.Descriptor) error

	// Offer enqueues a ready task. It returns false if the pool is closed.
	Offer(h *task.Handle) bool

	// Backlog is the number of tasks waiting for a worker.
	Backlog() int

	// Running is the number of tasks occupying workers.
	Running() int

	// Start runs the pool until ctx is done.
	Start(ctx context.Context) error

	// Close stops taking tasks. Waiting tasks get cancelled, and
	// running tasks are interrupted.
	Close()
}

// Provisioner supplies blocks to a pool.
//
// *provision.Provisioner implements this.
type Provisioner interface {
	Attach(demand provision.Demand, listener provision.Listener)
	Start(ctx context.Context) error
	Kick()

	// Occupy reserves the block for a task. It returns false when the block
	// is going away, and then the task must not start there.
	Occupy(blockID string) bool
	Vacate(blockID string)
}

type Option func(*base)

func WithLogger(l *log.Logger) Option {
	return func(b *base) { b.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *base) { b.metrics = m }
}

// WithDir sets the working directory of shell tasks.
func WithDir(dir string) Option {
	return func(b *base) { b.dir = dir }
}

// base is what Single and MPI have in common: the queue, running tasks and
// the lifecycle.
type base struct {
	name    string
	res     *platform.Resource
	prov    Provisioner
	adapter batch.Adapter
	logger  *log.Logger
	metrics *metrics.Metrics
	dir     string

	// schedule places waiting tasks onto free workers.
	schedule func()

	mu      sync.Mutex
	ctx     context.Context
	queue   queue
	running map[*task.Handle]struct{}
	closed  bool
}

func newBase(res *platform.Resource, prov Provisioner, adapter batch.Adapter, options []Option) *base {
	b := &base{
		name:    res.Name(),
		res:     res,
		prov:    prov,
		adapter: adapter,
		logger:  log.New(io.Discard, "", 0),
		ctx:     context.Background(),
		running: map[*task.Handle]struct{}{},
	}
	for _, opt := range options {
		opt(b)
	}
	if b.logger.Prefix() == "" {
		b.logger = log.New(b.logger.Writer(), fmt.Sprintf("[pool:%s] ", b.name), b.logger.Flags())
	}
	return b
}

func (p *base) Name() string {
	return p.name
}

func (p *base) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.len()
}

func (p *base) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

func (p *base) Offer(h *task.Handle) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.queue.push(h, time.Now())
	p.mu.Unlock()

	// a task cancelled while waiting leaves the queue.
	h.OnResolve(p.withdraw)

	p.schedule()
	p.prov.Kick()
	return true
}

func (p *base) withdraw(h *task.Handle) {
	p.mu.Lock()
	removed := p.queue.remove(h)
	queued := p.queue.len()
	p.mu.Unlock()
	if removed {
		p.metrics.SetQueued(p.name, queued)
		p.prov.Kick()
	}
}

// Start runs the provisioner of the pool until ctx is done, and then
// closes the pool.
func (p *base) Start(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	p.logger.Printf("started")
	err := p.prov.Start(ctx)
	p.Close()
	return err
}

func (p *base) Close() {
	p.mu.Lock()
	p.closed = true
	queued := p.queue.drain()
	running := make([]*task.Handle, 0, len(p.running))
	for h := range p.running {
		running = append(running, h)
	}
	p.mu.Unlock()

	p.metrics.SetQueued(p.name, 0)
	for _, e := range queued {
		e.h.Abort()
	}
	for _, h := range running {
		h.Cancel()
	}
}

// takeLocked moves a waiting task to the running set.
func (p *base) takeLocked(i int) *entry {
	e := p.queue.removeAt(i)
	p.running[e.h] = struct{}{}
	return e
}

// requeue puts back a task which has been taken but not started, keeping
// its place in the queue.
func (p *base) requeue(e *entry) {
	resolved := e.h.State().Terminal()
	p.mu.Lock()
	delete(p.running, e.h)
	if !p.closed && !resolved {
		p.queue.restore(e)
		p.mu.Unlock()
		return
	}
	closed := p.closed
	p.mu.Unlock()
	if closed {
		e.h.Abort()
	}
}

// begin marks h as RUNNING. It returns false if h has been resolved
// while it was being placed.
func (p *base) begin(h *task.Handle) bool {
	if !h.MarkRunning(nil) {
		return false
	}
	p.metrics.RecordTaskStart(p.name)
	started := time.Now()
	h.OnResolve(func(h *task.Handle) {
		p.metrics.RecordTaskComplete(p.name, h.State().String(), time.Since(started))
	})
	return true
}

// execute runs a RUNNING task and returns when its worker is free.
//
// A join task frees its worker once its function returns, while the
// handle resolves later with the inner handle.
func (p *base) execute(ctx context.Context, h *task.Handle, l launch) {
	switch h.Descriptor().Kind {
	case task.KindInProcess:
		task.RunFunc(ctx, h)
	case task.KindJoin:
		task.RunJoin(ctx, h)
	default:
		runShell(ctx, h, l)
	}
}

// done forgets a task which has left its worker.
func (p *base) done(h *task.Handle) {
	p.mu.Lock()
	delete(p.running, h)
	p.mu.Unlock()
}

func (p *base) reportQueued() {
	p.mu.Lock()
	n := p.queue.len()
	p.mu.Unlock()
	p.metrics.SetQueued(p.name, n)
}
