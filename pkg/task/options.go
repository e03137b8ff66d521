package task

import (
	"maps"
	"time"
)

type Option func(*Descriptor)

func Shell(command string, options ...Option) Descriptor {
	return build(Descriptor{Kind: KindShell, Command: command}, options)
}

func Func(fn Fn, options ...Option) Descriptor {
	return build(Descriptor{Kind: KindInProcess, Fn: fn}, options)
}

func Join(fn JoinFn, options ...Option) Descriptor {
	return build(Descriptor{Kind: KindJoin, JoinFn: fn}, options)
}

func build(d Descriptor, options []Option) Descriptor {
	for _, opt := range options {
		opt(&d)
	}
	return d
}

func Named(name string) Option {
	return func(d *Descriptor) { d.Name = name }
}

// WithArgs binds arguments. Later bindings win over earlier ones.
func WithArgs(args Args) Option {
	return func(d *Descriptor) {
		if d.Args == nil {
			d.Args = Args{}
		}
		maps.Copy(d.Args, args)
	}
}

func WithArg(key string, value any) Option {
	return WithArgs(Args{key: value})
}

func WithCapability(tags ...string) Option {
	return func(d *Descriptor) { d.Capability = append(d.Capability, tags...) }
}

// After adds predecessors whose failure fails the task.
func After(hs ...*Handle) Option {
	return func(d *Descriptor) {
		for _, h := range hs {
			d.Deps = append(d.Deps, Dependency{Handle: h})
		}
	}
}

// AfterTolerating adds predecessors whose failure is tolerated.
func AfterTolerating(hs ...*Handle) Option {
	return func(d *Descriptor) {
		for _, h := range hs {
			d.Deps = append(d.Deps, Dependency{Handle: h, IgnoreFailure: true})
		}
	}
}

// WithMPI makes the task an MPI task. Zero fields are derived, see Geometry.Normalize.
func WithMPI(numNodes, ranksPerNode, numRanks int) Option {
	return func(d *Descriptor) {
		d.Geometry = &Geometry{NumNodes: numNodes, RanksPerNode: ranksPerNode, NumRanks: numRanks}
	}
}

func WithStdout(path string, mode OpenMode) Option {
	return func(d *Descriptor) { d.Stdout = &Redirect{Path: path, Mode: mode} }
}

func WithStderr(path string, mode OpenMode) Option {
	return func(d *Descriptor) { d.Stderr = &Redirect{Path: path, Mode: mode} }
}

func WithPriority(p int) Option {
	return func(d *Descriptor) { d.Priority = p }
}

func WithWalltime(w time.Duration) Option {
	return func(d *Descriptor) { d.Walltime = w }
}
