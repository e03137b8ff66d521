// Package provision keeps the blocks of a pool between its lower and upper
// bounds, following the load of the pool.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opst/chiltepin/pkg/batch"
	"github.com/opst/chiltepin/pkg/loop"
	"github.com/opst/chiltepin/pkg/metrics"
	"github.com/opst/chiltepin/pkg/utils/retry"
)

// cancelTimeout bounds releasing a block at shutdown.
const cancelTimeout = 60 * time.Second

// Demand is the load of the pool served by a provisioner.
type Demand interface {
	// Backlog is the number of tasks waiting for a worker.
	Backlog() int

	// Running is the number of running tasks.
	Running() int
}

// Listener is told transitions of blocks.
//
// Calls are made one by one on a dedicated goroutine, in the order of the
// transitions, and never while the provisioner is locked.
type Listener interface {
	BlockRunning(b Block)
	BlockDraining(b Block)
	BlockReleased(b Block)
}

type Provisioner struct {
	name     string
	adapter  batch.Adapter
	policy   Policy
	template batch.JobSpec
	dir      string
	logger   *log.Logger
	metrics  *metrics.Metrics
	kicker   *loop.Kicker
	events   *notifier

	demand   Demand
	listener Listener
	observe  func(pool string, b Block)

	submits sync.WaitGroup

	mu        sync.Mutex
	ctx       context.Context
	blocks    map[string]*Block
	order     []string
	seq       int
	failures  int
	notBefore time.Time
	closed    bool
}

type Option func(*Provisioner)

func WithLogger(l *log.Logger) Option {
	return func(p *Provisioner) { p.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provisioner) { p.metrics = m }
}

// WithDir sets the directory for job scripts, job outputs and heartbeats.
func WithDir(dir string) Option {
	return func(p *Provisioner) { p.dir = dir }
}

// WithJob sets the template of allocation requests.
func WithJob(spec batch.JobSpec) Option {
	return func(p *Provisioner) { p.template = spec }
}

// WithObserver sets a function told every state change of blocks.
func WithObserver(fn func(pool string, b Block)) Option {
	return func(p *Provisioner) { p.observe = fn }
}

// New creates a provisioner of the pool name.
//
// Attach a Demand and a Listener before Start.
func New(name string, adapter batch.Adapter, policy Policy, options ...Option) *Provisioner {
	p := &Provisioner{
		name:    name,
		adapter: adapter,
		policy:  policy.withDefaults(),
		dir:     filepath.Join(os.TempDir(), "chiltepin-"+name),
		logger:  log.New(io.Discard, "", 0),
		kicker:  loop.NewKicker(),
		events:  newNotifier(),
		demand:  noDemand{},
		blocks:  map[string]*Block{},
		ctx:     context.Background(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

func (p *Provisioner) Name() string {
	return p.name
}

func (p *Provisioner) Policy() Policy {
	return p.policy
}

func (p *Provisioner) Attach(demand Demand, listener Listener) {
	p.demand = demand
	p.listener = listener
}

// Start runs the provisioner until ctx is done, and then releases all blocks.
//
// It returns nil when it is stopped by ctx.
func (p *Provisioner) Start(ctx context.Context) error {
	if err := os.MkdirAll(p.heartbeatDir(), os.FileMode(0o755)); err != nil {
		return err
	}
	if err := p.watch(ctx, p.heartbeatDir()); err != nil {
		p.logger.Printf("heartbeat files are not watched: %s", err)
	}
	go p.events.run()
	defer p.events.close()

	p.mu.Lock()
	p.ctx = ctx
	now := time.Now()
	for i := 0; i < min(p.policy.InitBlocks, p.policy.MaxBlocks); i++ {
		p.requestLocked(now)
	}
	p.mu.Unlock()

	_, err := loop.Start(
		ctx, struct{}{},
		func(ctx context.Context, s struct{}) (struct{}, loop.Next) {
			p.step(ctx)
			return s, loop.Continue(p.policy.Tick)
		},
		loop.WithWakeup(p.kicker.C()),
	)
	p.shutdown()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Kick makes the provisioner reevaluate the load soon.
func (p *Provisioner) Kick() {
	p.kicker.Kick()
}

// Heartbeat tells that a worker of the block is alive.
//
// A requested block becomes running on its first heartbeat.
func (p *Provisioner) Heartbeat(blockID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.blocks[blockID]; ok {
		p.runLocked(b, time.Now())
	}
}

// Occupy reserves the block for a task which is going to start.
//
// It returns false when the block is not running anymore. Then the task
// must not be started on the block. A block with reservations is not
// drained for idleness, and is not released until all of them are vacated.
func (p *Provisioner) Occupy(blockID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.blocks[blockID]
	if !ok || b.State != Running {
		return false
	}
	b.Tasks += 1
	return true
}

// Vacate tells that a task on the block has finished.
func (p *Provisioner) Vacate(blockID string) {
	p.mu.Lock()
	if b, ok := p.blocks[blockID]; ok && 0 < b.Tasks {
		b.Tasks -= 1
		if b.Tasks == 0 {
			b.IdleSince = time.Now()
		}
	}
	p.mu.Unlock()
	p.Kick()
}

// Blocks returns live blocks in the order of request.
func (p *Provisioner) Blocks() []Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	bs := make([]Block, 0, len(p.order))
	for _, id := range p.order {
		bs = append(bs, *p.blocks[id])
	}
	return bs
}

// step is one evaluation of the block table.
func (p *Provisioner) step(ctx context.Context) {
	p.poll(ctx)

	// sample the load before locking; the pool may call back into the
	// provisioner while it is locked itself.
	backlog, running := p.demand.Backlog(), p.demand.Running()

	now := time.Now()
	releasing := []Block{}
	p.mu.Lock()
	for _, id := range p.order {
		b := p.blocks[id]
		switch b.State {
		case Requested:
			if 0 < p.policy.StartTimeout && p.policy.StartTimeout < now.Sub(b.Requested) {
				p.logger.Printf("block %s has not started in %s", b.ID, p.policy.StartTimeout)
				p.releaseLocked(b)
				releasing = append(releasing, *b)
				continue
			}
		case Running:
			if 0 < p.policy.Walltime && !now.Before(b.Started.Add(p.policy.Walltime-p.policy.DrainMargin)) {
				p.logger.Printf("block %s is near its walltime", b.ID)
				p.drainLocked(b)
			} else if backlog == 0 && b.Tasks == 0 && p.policy.IdleTimeout < now.Sub(b.IdleSince) && p.policy.MinBlocks < p.activeLocked() {
				p.logger.Printf("block %s is idle for %s", b.ID, now.Sub(b.IdleSince).Round(time.Second))
				p.drainLocked(b)
			}
		}
		if b.State == Draining && b.Tasks == 0 {
			p.releaseLocked(b)
			releasing = append(releasing, *b)
		}
	}
	p.scaleLocked(now, backlog, running)
	p.compactLocked()
	p.recordLocked()
	p.mu.Unlock()

	for _, b := range releasing {
		p.cancel(ctx, b)
	}
}

// scaleLocked requests blocks up to the desired number.
func (p *Provisioner) scaleLocked(now time.Time, backlog, running int) {
	if p.closed {
		return
	}
	desired := p.policy.Desired(backlog, running)
	active := p.activeLocked()
	if desired <= active {
		return
	}
	if now.Before(p.notBefore) {
		return
	}
	n := min(desired-active, p.policy.MaxBlocks-p.liveLocked())
	for i := 0; i < n; i++ {
		p.requestLocked(now)
	}
}

// requestLocked records a new block and submits it in background.
func (p *Provisioner) requestLocked(now time.Time) {
	p.seq += 1
	b := &Block{
		ID:        fmt.Sprintf("%s-block-%d", p.name, p.seq),
		State:     Requested,
		Requested: now,
	}
	p.blocks[b.ID] = b
	p.order = append(p.order, b.ID)

	spec := p.jobSpec(b.ID)
	ctx := p.ctx
	p.submits.Add(1)
	go func() {
		defer p.submits.Done()
		p.submit(ctx, b.ID, spec)
	}()
}

func (p *Provisioner) submit(ctx context.Context, blockID string, spec batch.JobSpec) {
	jobID, err := p.adapter.Submit(ctx, spec)

	p.mu.Lock()
	b := p.blocks[blockID]
	if err != nil {
		p.failures += 1
		delay := retry.CappedDelay(p.policy.BackoffBase, p.policy.BackoffLimit, p.failures)
		p.notBefore = time.Now().Add(delay)
		if b != nil {
			p.releaseLocked(b)
		}
		failures := p.failures
		p.mu.Unlock()

		p.metrics.RecordSubmission(p.name, false)
		p.logger.Printf(
			"submission of block %s failed (%d in a row); next submission after %s: %s",
			blockID, failures, delay, err,
		)
		return
	}

	p.failures = 0
	p.notBefore = time.Time{}
	orphan := b == nil || b.State == Released
	if b != nil {
		b.JobID = jobID
		if !orphan {
			p.observeLocked(b)
		}
	}
	p.mu.Unlock()

	p.metrics.RecordSubmission(p.name, true)
	p.logger.Printf("block %s is submitted as job %s", blockID, jobID)
	if orphan {
		p.cancel(context.WithoutCancel(ctx), Block{ID: blockID, JobID: jobID})
		return
	}
	p.Kick()
}

// poll reflects states of jobs to blocks.
func (p *Provisioner) poll(ctx context.Context) {
	p.mu.Lock()
	byJob := map[string]string{}
	jobIDs := []string{}
	for _, id := range p.order {
		b := p.blocks[id]
		if b.JobID == "" || b.State == Released {
			continue
		}
		byJob[b.JobID] = b.ID
		jobIDs = append(jobIDs, b.JobID)
	}
	p.mu.Unlock()
	if len(jobIDs) == 0 {
		return
	}

	states, err := p.adapter.Status(ctx, jobIDs...)
	if err != nil {
		p.logger.Printf("failed to query jobs: %s", err)
		return
	}

	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for jobID, s := range states {
		b, ok := p.blocks[byJob[jobID]]
		if !ok || b.State == Released {
			continue
		}
		switch {
		case s == batch.Running:
			p.runLocked(b, now)
		case s.Terminal():
			p.logger.Printf("job %s of block %s has ended (%s)", jobID, b.ID, s)
			p.releaseLocked(b)
		}
	}
}

func (p *Provisioner) runLocked(b *Block, now time.Time) {
	if b.State != Requested {
		return
	}
	b.State = Running
	b.Started = now
	b.IdleSince = now
	p.logger.Printf("block %s is running", b.ID)
	p.observeLocked(b)
	p.emit(*b, Listener.BlockRunning)
}

func (p *Provisioner) drainLocked(b *Block) {
	if b.State != Running {
		return
	}
	b.State = Draining
	p.observeLocked(b)
	p.emit(*b, Listener.BlockDraining)
}

func (p *Provisioner) releaseLocked(b *Block) {
	prev := b.State
	if prev == Released {
		return
	}
	b.State = Released
	p.logger.Printf("block %s is released", b.ID)
	p.observeLocked(b)
	if prev == Running || prev == Draining {
		p.emit(*b, Listener.BlockReleased)
	}
}

func (p *Provisioner) observeLocked(b *Block) {
	if p.observe == nil {
		return
	}
	observe, name, snapshot := p.observe, p.name, *b
	p.events.push(func() { observe(name, snapshot) })
}

func (p *Provisioner) emit(b Block, f func(Listener, Block)) {
	if p.listener == nil {
		return
	}
	l := p.listener
	p.events.push(func() { f(l, b) })
}

// activeLocked counts requested and running blocks.
func (p *Provisioner) activeLocked() int {
	n := 0
	for _, b := range p.blocks {
		if b.State == Requested || b.State == Running {
			n += 1
		}
	}
	return n
}

// liveLocked counts blocks holding (or going to hold) an allocation.
func (p *Provisioner) liveLocked() int {
	n := 0
	for _, b := range p.blocks {
		if b.State != Released {
			n += 1
		}
	}
	return n
}

// compactLocked forgets released blocks.
//
// A submission still in flight for a forgotten block cancels its job.
func (p *Provisioner) compactLocked() {
	order := p.order[:0]
	for _, id := range p.order {
		if p.blocks[id].State == Released {
			delete(p.blocks, id)
			continue
		}
		order = append(order, id)
	}
	p.order = order
}

func (p *Provisioner) recordLocked() {
	if p.metrics == nil {
		return
	}
	counts := map[State]int{}
	for _, b := range p.blocks {
		counts[b.State] += 1
	}
	for _, s := range []State{Requested, Running, Draining} {
		p.metrics.SetBlocks(p.name, s.String(), counts[s])
	}
}

// cancel ends the allocation of a released block.
func (p *Provisioner) cancel(ctx context.Context, b Block) {
	if err := touch(p.heartbeatPath(b.ID) + stopSuffix); err != nil {
		p.logger.Printf("block %s: %s", b.ID, err)
	}
	if b.JobID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := p.adapter.Cancel(ctx, b.JobID); err != nil {
		p.logger.Printf("failed to cancel job %s of block %s: %s", b.JobID, b.ID, err)
	}
}

// shutdown releases all blocks, waiting submissions in flight.
func (p *Provisioner) shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.submits.Wait()

	p.mu.Lock()
	releasing := []Block{}
	for _, id := range p.order {
		b := p.blocks[id]
		if b.State == Released {
			continue
		}
		p.releaseLocked(b)
		releasing = append(releasing, *b)
	}
	p.compactLocked()
	p.recordLocked()
	p.mu.Unlock()

	for _, b := range releasing {
		p.cancel(context.Background(), b)
	}
}

func (p *Provisioner) jobSpec(blockID string) batch.JobSpec {
	spec := p.template
	spec.Name = blockID
	spec.Dir = p.dir
	if spec.Stdout == "" {
		spec.Stdout = filepath.Join(p.dir, blockID+".out")
	}
	if spec.Stderr == "" {
		spec.Stderr = filepath.Join(p.dir, blockID+".err")
	}
	spec.Script = HeartbeatScript(p.heartbeatPath(blockID), p.policy.HeartbeatInterval)
	return spec
}

type noDemand struct{}

func (noDemand) Backlog() int { return 0 }
func (noDemand) Running() int { return 0 }

// notifier calls queued functions one by one on its own goroutine.
type notifier struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newNotifier() *notifier {
	return &notifier{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

func (n *notifier) push(f func()) {
	n.mu.Lock()
	n.queue = append(n.queue, f)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		queue, closed := n.queue, n.closed
		n.queue = nil
		n.mu.Unlock()

		for _, f := range queue {
			f()
		}
		if len(queue) != 0 {
			continue
		}
		if closed {
			return
		}
		<-n.wake
	}
}

// close stops run after queued functions are called, and waits it.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
	<-n.done
}
