package task_test

import (
	"context"
	"errors"
	"testing"

	xe "github.com/opst/chiltepin/pkg/errors"
	"github.com/opst/chiltepin/pkg/task"
	"github.com/opst/chiltepin/pkg/utils/try"
)

func TestGeometry_Normalize(t *testing.T) {
	theory := func(when task.Geometry, then task.Geometry) func(*testing.T) {
		return func(t *testing.T) {
			actual := try.To(when.Normalize()).OrFatal(t)
			if actual != then {
				t.Errorf("Normalize(%s) = %s, want %s", when, actual, then)
			}
		}
	}

	t.Run("all given", theory(
		task.Geometry{NumNodes: 2, RanksPerNode: 8, NumRanks: 16},
		task.Geometry{NumNodes: 2, RanksPerNode: 8, NumRanks: 16},
	))
	t.Run("ranks derived", theory(
		task.Geometry{NumNodes: 2, RanksPerNode: 8},
		task.Geometry{NumNodes: 2, RanksPerNode: 8, NumRanks: 16},
	))
	t.Run("ranks per node derived", theory(
		task.Geometry{NumNodes: 3, NumRanks: 7},
		task.Geometry{NumNodes: 3, RanksPerNode: 3, NumRanks: 7},
	))
	t.Run("empty is one rank on one node", theory(
		task.Geometry{},
		task.Geometry{NumNodes: 1, RanksPerNode: 1, NumRanks: 1},
	))

	t.Run("too many ranks is unsatisfiable", func(t *testing.T) {
		_, err := task.Geometry{NumNodes: 1, RanksPerNode: 2, NumRanks: 3}.Normalize()
		if !errors.Is(err, xe.ErrUnsatisfiableGeometry) {
			t.Errorf("%v", err)
		}
	})
}

func TestDescriptor(t *testing.T) {
	t.Run("Render interpolates arguments", func(t *testing.T) {
		d := task.Shell("echo {{.greeting}} > {{.path}}")
		actual := try.To(d.Render(task.Args{"greeting": "hi", "path": "/tmp/a"})).OrFatal(t)
		if actual != "echo hi > /tmp/a" {
			t.Errorf("%q", actual)
		}
	})

	t.Run("Render fails for a missing argument", func(t *testing.T) {
		d := task.Shell("echo {{.nothing}}")
		if _, err := d.Render(task.Args{}); err == nil {
			t.Errorf("no error")
		}
	})

	t.Run("Predecessors lists explicit dependencies first and dedupes handle arguments", func(t *testing.T) {
		g := task.NewGraph(&router{})
		a := g.Submit(task.Func(constant(1)))
		b := g.Submit(task.Func(constant(2)))

		d := task.Func(constant(nil),
			task.AfterTolerating(a),
			task.WithArgs(task.Args{"x": a, "y": b, "z": 3}),
		)
		deps := d.Predecessors()
		if len(deps) != 2 {
			t.Fatalf("deps = %+v", deps)
		}
		if deps[0].Handle != a || !deps[0].IgnoreFailure {
			t.Errorf("first: %+v", deps[0])
		}
		if deps[1].Handle != b || deps[1].IgnoreFailure {
			t.Errorf("second: %+v", deps[1])
		}
	})

	t.Run("Wildcard", func(t *testing.T) {
		if d := task.Shell("true"); !d.Wildcard() {
			t.Errorf("no tag should be wildcard")
		}
		if d := task.Shell("true", task.WithCapability("all")); !d.Wildcard() {
			t.Errorf("all should be wildcard")
		}
		if d := task.Shell("true", task.WithCapability("compute")); d.Wildcard() {
			t.Errorf("compute should not be wildcard")
		}
	})
}

func TestBuilders(t *testing.T) {
	theory := func(when task.Descriptor, kind task.Kind, name string) func(*testing.T) {
		return func(t *testing.T) {
			if when.Kind != kind {
				t.Errorf("kind: %s, want %s", when.Kind, kind)
			}
			if when.Kind.String() != name {
				t.Errorf("kind name: %s, want %s", when.Kind, name)
			}
		}
	}

	t.Run("Shell builds a shell task", theory(task.Shell("true"), task.KindShell, "shell"))
	t.Run("Func builds an in-process task", theory(
		task.Func(func(context.Context, task.Args) (any, error) { return nil, nil }),
		task.KindInProcess, "in-process",
	))
	t.Run("Join builds a join task", theory(
		task.Join(func(context.Context, task.Args) (*task.Handle, error) { return nil, nil }),
		task.KindJoin, "join",
	))
}
