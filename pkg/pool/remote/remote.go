// Package remote is a pool which forwards shell tasks to a remote compute
// endpoint.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/opst/chiltepin/pkg/compute"
	"github.com/opst/chiltepin/pkg/configs/platform"
	xe "github.com/opst/chiltepin/pkg/errors"
	"github.com/opst/chiltepin/pkg/loop"
	"github.com/opst/chiltepin/pkg/metrics"
	"github.com/opst/chiltepin/pkg/pool"
	"github.com/opst/chiltepin/pkg/rest"
	"github.com/opst/chiltepin/pkg/task"
	"github.com/opst/chiltepin/pkg/utils/retry"
)

const (
	DefaultInterval = 5 * time.Second

	// submitTimeout bounds retries of one submission.
	submitTimeout = 60 * time.Second
)

// Pool runs tasks on a remote endpoint, and follows them by polling.
type Pool struct {
	name     string
	endpoint string
	client   compute.Client
	logger   *log.Logger
	metrics  *metrics.Metrics
	interval time.Duration
	backoff  retry.Backoff
	kicker   *loop.Kicker

	mu       sync.Mutex
	inbox    []*task.Handle
	inflight map[string]*remoteTask
	closed   bool
}

var _ pool.Pool = &Pool{}

type remoteTask struct {
	h *task.Handle
}

type Option func(*Pool)

func WithLogger(l *log.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithInterval sets the interval of polling statuses.
func WithInterval(d time.Duration) Option {
	return func(p *Pool) { p.interval = d }
}

// WithBackoff sets the backoff between retries of a failed submission.
func WithBackoff(b retry.Backoff) Option {
	return func(p *Pool) { p.backoff = b }
}

func New(res *platform.Resource, client compute.Client, options ...Option) *Pool {
	p := &Pool{
		name:     res.Name(),
		endpoint: res.Endpoint(),
		client:   client,
		logger:   log.New(io.Discard, "", 0),
		interval: DefaultInterval,
		backoff:  retry.CappedExponentialBackoff(time.Second, 30*time.Second),
		kicker:   loop.NewKicker(),
		inflight: map[string]*remoteTask{},
	}
	for _, opt := range options {
		opt(p)
	}
	if p.logger.Prefix() == "" {
		p.logger = log.New(p.logger.Writer(), fmt.Sprintf("[pool:%s] ", p.name), p.logger.Flags())
	}
	return p
}

func (p *Pool) Name() string {
	return p.name
}

func (p *Pool) Admit(d *task.Descriptor) error {
	if d.Kind != task.KindShell {
		return xe.Kinded(
			xe.ErrUnsatisfiableGeometry,
			"task %q is %s, but pool %q runs shell tasks only", d.Name, d.Kind, p.name,
		)
	}
	return nil
}

func (p *Pool) Offer(h *task.Handle) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	// stable in priority: FIFO for equal ones.
	prio := h.Descriptor().Priority
	i := slices.IndexFunc(p.inbox, func(q *task.Handle) bool { return prio < q.Descriptor().Priority })
	if i < 0 {
		i = len(p.inbox)
	}
	p.inbox = slices.Insert(p.inbox, i, h)
	queued := len(p.inbox)
	p.mu.Unlock()

	p.metrics.SetQueued(p.name, queued)
	h.OnResolve(p.withdraw)
	p.kicker.Kick()
	return true
}

func (p *Pool) withdraw(h *task.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbox = slices.DeleteFunc(p.inbox, func(q *task.Handle) bool { return q == h })
}

// Backlog is the number of tasks which are not running remotely yet.
func (p *Pool) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.inbox)
	for _, rt := range p.inflight {
		if rt.h.State() == task.Pending {
			n += 1
		}
	}
	return n
}

func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, rt := range p.inflight {
		if rt.h.State() == task.Running {
			n += 1
		}
	}
	return n
}

// Start submits and polls tasks until ctx is done, and then closes the pool.
func (p *Pool) Start(ctx context.Context) error {
	p.logger.Printf("forwarding to endpoint %s", p.endpoint)
	_, err := loop.Start(
		ctx, struct{}{},
		func(ctx context.Context, s struct{}) (struct{}, loop.Next) {
			p.submitAll(ctx)
			p.poll(ctx)
			return s, loop.Continue(p.interval)
		},
		loop.WithWakeup(p.kicker.C()),
	)
	p.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	inbox := p.inbox
	p.inbox = nil
	inflight := make([]*task.Handle, 0, len(p.inflight))
	for _, rt := range p.inflight {
		inflight = append(inflight, rt.h)
	}
	p.mu.Unlock()

	p.metrics.SetQueued(p.name, 0)
	for _, h := range inbox {
		h.Abort()
	}
	for _, h := range inflight {
		h.Cancel()
	}
}

func (p *Pool) submitAll(ctx context.Context) {
	p.mu.Lock()
	inbox := p.inbox
	p.inbox = nil
	p.mu.Unlock()
	p.metrics.SetQueued(p.name, 0)

	for _, h := range inbox {
		if h.State() != task.Pending {
			continue
		}
		id, err := p.submit(ctx, h)
		if err != nil {
			p.logger.Printf("task %s (%s): submission failed: %s", h.Name(), h.ID(), err)
			h.Fail(&task.Failure{Kind: xe.ErrAgent, Task: h.Name(), ExitCode: -1, Cause: err})
			continue
		}
		p.logger.Printf("task %s (%s) -> remote task %s", h.Name(), h.ID(), id)

		p.mu.Lock()
		p.inflight[id] = &remoteTask{h: h}
		p.mu.Unlock()

		// a task cancelled before it runs remotely is stopped there too.
		h.OnResolve(func(h *task.Handle) {
			if h.State() == task.Cancelled {
				p.cancelRemote(id)
			}
		})
	}
}

func (p *Pool) submit(ctx context.Context, h *task.Handle) (string, error) {
	d := h.Descriptor()
	command, err := d.Render(h.Args())
	if err != nil {
		return "", xe.WrapWithNote("rendering command", err)
	}
	t := compute.Task{
		Endpoint:        p.endpoint,
		Command:         command,
		WalltimeSeconds: int64(d.Walltime / time.Second),
	}
	if g := d.Geometry; g != nil {
		t.Geometry = &compute.Geometry{NumNodes: g.NumNodes, NumRanks: g.NumRanks, RanksPerNode: g.RanksPerNode}
	}
	if d.Stdout != nil {
		t.Stdout = d.Stdout.Path
	}
	if d.Stderr != nil {
		t.Stderr = d.Stderr.Path
	}

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	return retry.Blocking(ctx, p.backoff, func() (string, error) {
		id, err := p.client.Submit(ctx, t)
		if err != nil && retryable(err) {
			return "", fmt.Errorf("%w: %w", retry.ErrRetry, err)
		}
		return id, err
	})
}

// retryable tells whether a failed request may succeed later.
func retryable(err error) bool {
	e := new(rest.Error)
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusTooManyRequests || 500 <= e.StatusCode
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (p *Pool) poll(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.inflight))
	for id := range p.inflight {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		st, err := p.client.Status(ctx, id)
		if err != nil {
			p.logger.Printf("remote task %s: status unknown: %s", id, err)
			continue
		}
		p.mu.Lock()
		rt := p.inflight[id]
		if st.State.Terminal() {
			delete(p.inflight, id)
		}
		p.mu.Unlock()
		if rt == nil {
			continue
		}
		p.update(id, rt, st)
	}
}

func (p *Pool) update(id string, rt *remoteTask, st compute.Status) {
	h := rt.h
	if st.State == compute.Running || st.State.Terminal() {
		if h.MarkRunning(func() { p.cancelRemote(id) }) {
			p.metrics.RecordTaskStart(p.name)
			started := time.Now()
			h.OnResolve(func(h *task.Handle) {
				p.metrics.RecordTaskComplete(p.name, h.State().String(), time.Since(started))
			})
		}
	}

	d := h.Descriptor()
	paths := func(f *task.Failure) *task.Failure {
		if d.Stdout != nil {
			f.Stdout = d.Stdout.Path
		}
		if d.Stderr != nil {
			f.Stderr = d.Stderr.Path
		}
		return f
	}

	switch st.State {
	case compute.Succeeded:
		if h.CancelRequested() {
			h.Abort()
		} else {
			h.Exit(0, nil)
		}
	case compute.Cancelled:
		h.Abort()
	case compute.Failed:
		if st.Exception != "" {
			h.Fail(paths(&task.Failure{
				Kind: xe.ErrTaskRaised, Task: h.Name(), ExitCode: -1,
				Cause: fmt.Errorf("remote task %s: %s", id, st.Exception),
			}))
			return
		}
		h.Exit(st.ExitCode, paths(&task.Failure{
			Kind: xe.ErrShellNonzeroExit, Task: h.Name(), ExitCode: st.ExitCode,
		}))
	}
}

func (p *Pool) cancelRemote(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	if err := p.client.Cancel(ctx, id); err != nil {
		p.logger.Printf("remote task %s: cancel failed: %s", id, err)
	}
	p.kicker.Kick()
}
