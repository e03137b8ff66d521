// Package task records deferred work: task descriptors, handles to their
// eventual results, and the graph of dependencies between them.
package task

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"text/template"
	"time"

	xe "github.com/opst/chiltepin/pkg/errors"
)

type Kind int

const (
	// KindInProcess tasks call a Go function on a worker.
	KindInProcess Kind = iota

	// KindShell tasks run a command line rendered from a template.
	KindShell

	// KindJoin tasks call a function returning another Handle,
	// and resolve as that handle resolves.
	KindJoin
)

func (k Kind) String() string {
	switch k {
	case KindInProcess:
		return "in-process"
	case KindShell:
		return "shell"
	case KindJoin:
		return "join"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Wildcard capability tag. A task with this tag (or no tag) can go to any pool.
const Wildcard = "all"

// Args are named arguments bound to a task.
//
// A value which is a *Handle is a predecessor of the task,
// and it is replaced with the result of the handle before execution.
type Args map[string]any

type Fn func(ctx context.Context, args Args) (any, error)

type JoinFn func(ctx context.Context, args Args) (*Handle, error)

type OpenMode int

const (
	Truncate OpenMode = iota
	Append
)

func (m OpenMode) String() string {
	if m == Append {
		return "a"
	}
	return "w"
}

// Redirect is where stdout or stderr of a task is written.
type Redirect struct {
	Path string
	Mode OpenMode
}

// Geometry is a resource request of an MPI task.
type Geometry struct {
	NumNodes     int
	NumRanks     int
	RanksPerNode int
}

func (g Geometry) String() string {
	return fmt.Sprintf("{nodes: %d, ranks: %d, ranks/node: %d}", g.NumNodes, g.NumRanks, g.RanksPerNode)
}

// Normalize fills omitted fields of g.
//
// NumNodes defaults to 1. A missing RanksPerNode is derived from NumRanks
// (or is 1), and a missing NumRanks is NumNodes * RanksPerNode.
func (g Geometry) Normalize() (Geometry, error) {
	if g.NumNodes < 0 || g.NumRanks < 0 || g.RanksPerNode < 0 {
		return g, xe.Kinded(xe.ErrUnsatisfiableGeometry, "negative geometry %s", g)
	}
	if g.NumNodes == 0 {
		g.NumNodes = 1
	}
	if g.RanksPerNode == 0 {
		if g.NumRanks == 0 {
			g.RanksPerNode = 1
		} else {
			g.RanksPerNode = (g.NumRanks + g.NumNodes - 1) / g.NumNodes
		}
	}
	if g.NumRanks == 0 {
		g.NumRanks = g.NumNodes * g.RanksPerNode
	}
	if g.NumNodes*g.RanksPerNode < g.NumRanks {
		return g, xe.Kinded(
			xe.ErrUnsatisfiableGeometry,
			"%d ranks do not fit in %d nodes x %d ranks", g.NumRanks, g.NumNodes, g.RanksPerNode,
		)
	}
	return g, nil
}

// Dependency is an edge from a predecessor.
type Dependency struct {
	Handle *Handle

	// If true, failure of the predecessor does not fail the dependent.
	IgnoreFailure bool
}

// Descriptor describes a unit of deferred work.
type Descriptor struct {
	Name string
	Kind Kind

	// Pools which may run this task. Empty or containing Wildcard means any.
	Capability []string

	Fn      Fn
	JoinFn  JoinFn
	Command string // text/template over Args, for shell tasks.
	Args    Args

	// nil unless the task is an MPI task.
	Geometry *Geometry

	Stdout *Redirect
	Stderr *Redirect

	Deps []Dependency

	// Lower runs sooner.
	Priority int

	// Zero means no limit.
	Walltime time.Duration
}

// Wildcard tells whether any pool may run the task.
func (d *Descriptor) Wildcard() bool {
	return len(d.Capability) == 0 || slices.Contains(d.Capability, Wildcard)
}

// Predecessors returns explicit dependencies followed by handles found in Args.
//
// Each handle appears once; an explicit dependency takes precedence.
func (d *Descriptor) Predecessors() []Dependency {
	seen := map[*Handle]struct{}{}
	deps := []Dependency{}
	for _, dep := range d.Deps {
		if dep.Handle == nil {
			continue
		}
		if _, ok := seen[dep.Handle]; ok {
			continue
		}
		seen[dep.Handle] = struct{}{}
		deps = append(deps, dep)
	}

	keys := make([]string, 0, len(d.Args))
	for k := range d.Args {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		h, ok := d.Args[k].(*Handle)
		if !ok || h == nil {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		deps = append(deps, Dependency{Handle: h})
	}
	return deps
}

// Render interpolates args into the command template of a shell task.
func (d *Descriptor) Render(args Args) (string, error) {
	tpl, err := template.New(d.Name).Option("missingkey=error").Parse(d.Command)
	if err != nil {
		return "", err
	}
	buf := new(bytes.Buffer)
	if err := tpl.Execute(buf, map[string]any(args)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (d *Descriptor) validate() error {
	switch d.Kind {
	case KindInProcess:
		if d.Fn == nil {
			return fmt.Errorf("in-process task %q has no function", d.Name)
		}
	case KindShell:
		if d.Command == "" {
			return fmt.Errorf("shell task %q has no command", d.Name)
		}
		if _, err := template.New(d.Name).Parse(d.Command); err != nil {
			return fmt.Errorf("shell task %q: %w", d.Name, err)
		}
	case KindJoin:
		if d.JoinFn == nil {
			return fmt.Errorf("join task %q has no function", d.Name)
		}
	default:
		return fmt.Errorf("task %q has unknown kind %s", d.Name, d.Kind)
	}
	if d.Geometry != nil {
		g, err := d.Geometry.Normalize()
		if err != nil {
			return err
		}
		d.Geometry = &g
	}
	return nil
}
