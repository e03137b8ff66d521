// Package batch abstracts batch systems which grant allocations ("blocks")
// to the provisioner.
//
// Each batch system is an Adapter. Subpackages implement it for a local
// process, Slurm, PBS Pro and Kubernetes.
package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opst/chiltepin/pkg/task"
)

type JobState int

const (
	// Unknown is reported when the batch system does not answer about the job.
	Unknown JobState = iota
	Queued
	Running
	Completed
	Failed
	Cancelled

	// Missing jobs are no longer known to the batch system.
	Missing
)

func (s JobState) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}

// Terminal tells whether the allocation has ended.
func (s JobState) Terminal() bool {
	switch s {
	case Completed, Failed, Cancelled, Missing:
		return true
	default:
		return false
	}
}

// JobSpec is a request for one allocation.
type JobSpec struct {
	Name string

	// Script is the body of a bash script run in the allocation.
	Script string

	// Dir is where the adapter may write job scripts.
	Dir string

	Stdout string
	Stderr string

	Nodes        int
	CoresPerNode int
	Walltime     time.Duration

	Partition string
	Account   string
	Queue     string
	Exclusive bool

	// Image is the container image for container based batch systems.
	Image string
}

// Adapter submits, watches and cancels allocations on a batch system.
type Adapter interface {
	// Name of the batch system, like "slurm".
	Name() string

	// Submit requests an allocation and returns its job id.
	//
	// It returns as soon as the batch system accepts the job; the allocation
	// may start later. Errors are errors.ErrBatchSubmitFailed.
	Submit(ctx context.Context, spec JobSpec) (string, error)

	// Status reports states of jobs. Jobs which the batch system does not
	// know anymore are Missing.
	Status(ctx context.Context, jobIDs ...string) (map[string]JobState, error)

	// Cancel ends the allocation.
	Cancel(ctx context.Context, jobID string) error

	// Placement is the command prefix which runs one process inside the
	// allocation. nil means the process runs on this host.
	Placement(jobID string) []string

	// Binding is the launcher options which put an MPI launch inside
	// the allocation.
	Binding(launcher string, jobID string) []string
}

// MPIPrefix builds the launcher invocation for a geometry.
//
// binding is inserted after the launcher name.
func MPIPrefix(launcher string, binding []string, g task.Geometry) string {
	cmd := []string{launcher}
	cmd = append(cmd, binding...)
	switch launcher {
	case "srun":
		cmd = append(cmd,
			"-N", fmt.Sprint(g.NumNodes),
			"-n", fmt.Sprint(g.NumRanks),
			fmt.Sprintf("--ntasks-per-node=%d", g.RanksPerNode),
		)
	case "flux":
		cmd = []string{"flux", "run"}
		cmd = append(cmd, binding...)
		cmd = append(cmd, "-N", fmt.Sprint(g.NumNodes), "-n", fmt.Sprint(g.NumRanks))
	case "mpiexec", "mpirun", "aprun":
		cmd = append(cmd, "-n", fmt.Sprint(g.NumRanks), "-ppn", fmt.Sprint(g.RanksPerNode))
	default:
		cmd = append(cmd,
			"-N", fmt.Sprint(g.NumNodes),
			"-n", fmt.Sprint(g.NumRanks),
			"-ppn", fmt.Sprint(g.RanksPerNode),
		)
	}
	return strings.Join(cmd, " ")
}

// FormatWalltime formats d as "HH:MM:SS", rounding up to seconds.
func FormatWalltime(d time.Duration) string {
	if d <= 0 {
		return "00:00:00"
	}
	s := int64((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s/60)%60, s%60)
}
