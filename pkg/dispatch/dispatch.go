// Package dispatch chooses a pool for each ready task.
package dispatch

import (
	"errors"
	"io"
	"log"
	"slices"
	"strings"
	"sync"

	xe "github.com/opst/chiltepin/pkg/errors"
	"github.com/opst/chiltepin/pkg/pool"
	"github.com/opst/chiltepin/pkg/task"
)

// Registry is the set of named pools, in the order of registration.
type Registry struct {
	mu    sync.RWMutex
	pools []pool.Pool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a pool. Names are unique.
func (r *Registry) Register(p pool.Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.ContainsFunc(r.pools, func(q pool.Pool) bool { return q.Name() == p.Name() }) {
		return xe.Kinded(xe.ErrConfigParse, "pool %q is registered twice", p.Name())
	}
	r.pools = append(r.pools, p)
	return nil
}

func (r *Registry) Lookup(name string) (pool.Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.pools {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// Pools returns all pools in the order of registration.
func (r *Registry) Pools() []pool.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.pools)
}

// Names returns names of all pools in the order of registration.
func (r *Registry) Names() []string {
	ps := r.Pools()
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.Name()
	}
	return names
}

// Resolve returns pools named by capability tags, in the order of registration.
//
// No tags, or the wildcard among them, means all pools.
func (r *Registry) Resolve(tags []string) ([]pool.Pool, error) {
	all := r.Pools()
	if len(tags) == 0 || slices.Contains(tags, task.Wildcard) {
		return all, nil
	}
	for _, tag := range tags {
		if _, ok := r.Lookup(tag); !ok {
			return nil, xe.Kinded(
				xe.ErrUnknownCapability,
				"no pool is named %q (known: %s)", tag, strings.Join(r.Names(), ", "),
			)
		}
	}
	return slices.DeleteFunc(all, func(p pool.Pool) bool {
		return !slices.Contains(tags, p.Name())
	}), nil
}

// Dispatcher routes tasks of a task.Graph onto pools of a Registry.
type Dispatcher struct {
	registry *Registry
	logger   *log.Logger
}

var _ task.Router = &Dispatcher{}

type Option func(*Dispatcher)

func WithLogger(l *log.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func New(registry *Registry, options ...Option) *Dispatcher {
	d := &Dispatcher{registry: registry, logger: log.New(io.Discard, "", 0)}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// eligible returns pools which can run the task.
//
// When the capability names pools which can never run the task, the error
// is errors.ErrUnsatisfiableGeometry.
func (d *Dispatcher) eligible(desc *task.Descriptor) ([]pool.Pool, error) {
	candidates, err := d.registry.Resolve(desc.Capability)
	if err != nil {
		return nil, err
	}
	eligible := make([]pool.Pool, 0, len(candidates))
	var refusals []error
	for _, p := range candidates {
		if err := p.Admit(desc); err != nil {
			refusals = append(refusals, err)
			continue
		}
		eligible = append(eligible, p)
	}
	if len(eligible) == 0 {
		if len(refusals) == 0 {
			return nil, xe.Kinded(xe.ErrUnknownCapability, "task %q: no pool is registered", desc.Name)
		}
		return nil, xe.WrapWithNote(
			"task "+desc.Name+": no pool can run it",
			errors.Join(append([]error{xe.ErrUnsatisfiableGeometry}, refusals...)...),
		)
	}
	return eligible, nil
}

func (d *Dispatcher) Admit(desc *task.Descriptor) error {
	_, err := d.eligible(desc)
	return err
}

// Dispatch offers the task to the eligible pool with the smallest backlog.
// Ties go to the pool registered first.
func (d *Dispatcher) Dispatch(h *task.Handle) {
	eligible, err := d.eligible(h.Descriptor())
	if err != nil {
		kind := xe.KindOf(err)
		h.Fail(&task.Failure{Kind: kind, Task: h.Name(), ExitCode: -1, Cause: err})
		return
	}

	chosen := eligible[0]
	least := chosen.Backlog()
	for _, p := range eligible[1:] {
		if b := p.Backlog(); b < least {
			chosen, least = p, b
		}
	}

	if !chosen.Offer(h) {
		d.logger.Printf("task %s (%s): pool %s is closed", h.Name(), h.ID(), chosen.Name())
		h.Abort()
		return
	}
	d.logger.Printf("task %s (%s) -> pool %s", h.Name(), h.ID(), chosen.Name())
}
