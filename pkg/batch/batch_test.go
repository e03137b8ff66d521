package batch_test

import (
	"testing"
	"time"

	"github.com/opst/chiltepin/pkg/batch"
	"github.com/opst/chiltepin/pkg/task"
)

func TestMPIPrefix(t *testing.T) {
	type When struct {
		launcher string
		binding  []string
		geometry task.Geometry
	}
	theory := func(when When, then string) func(*testing.T) {
		return func(t *testing.T) {
			actual := batch.MPIPrefix(when.launcher, when.binding, when.geometry)
			if actual != then {
				t.Errorf("MPIPrefix: expected %q, actual %q", then, actual)
			}
		}
	}

	t.Run("srun in an allocation", theory(
		When{
			launcher: "srun", binding: []string{"--jobid=42"},
			geometry: task.Geometry{NumNodes: 2, NumRanks: 16, RanksPerNode: 8},
		},
		"srun --jobid=42 -N 2 -n 16 --ntasks-per-node=8",
	))
	t.Run("mpiexec", theory(
		When{launcher: "mpiexec", geometry: task.Geometry{NumNodes: 2, NumRanks: 6, RanksPerNode: 3}},
		"mpiexec -n 6 -ppn 3",
	))
	t.Run("flux", theory(
		When{launcher: "flux", geometry: task.Geometry{NumNodes: 3, NumRanks: 3, RanksPerNode: 1}},
		"flux run -N 3 -n 3",
	))
	t.Run("other launcher", theory(
		When{launcher: "jsrun", geometry: task.Geometry{NumNodes: 1, NumRanks: 4, RanksPerNode: 4}},
		"jsrun -N 1 -n 4 -ppn 4",
	))
}

func TestFormatWalltime(t *testing.T) {
	for d, expected := range map[time.Duration]string{
		0:                                         "00:00:00",
		10 * time.Minute:                          "00:10:00",
		26*time.Hour + 3*time.Second:              "26:00:03",
		1500 * time.Millisecond:                   "00:00:02",
		time.Hour + 2*time.Minute + 5*time.Second: "01:02:05",
	} {
		if actual := batch.FormatWalltime(d); actual != expected {
			t.Errorf("FormatWalltime(%s): expected %s, actual %s", d, expected, actual)
		}
	}
}

func TestJobState(t *testing.T) {
	for _, s := range []batch.JobState{batch.Completed, batch.Failed, batch.Cancelled, batch.Missing} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []batch.JobState{batch.Unknown, batch.Queued, batch.Running} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
