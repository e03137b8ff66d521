// Package slurm submits blocks with sbatch and watches them with squeue.
package slurm

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/opst/chiltepin/pkg/batch"
	"github.com/opst/chiltepin/pkg/cmdexec"
	xe "github.com/opst/chiltepin/pkg/errors"
)

type Adapter struct {
	runner cmdexec.Runner
	logger *log.Logger
}

var _ batch.Adapter = &Adapter{}

type Option func(*Adapter)

// WithRunner replaces the runner of sbatch, squeue and scancel.
func WithRunner(r cmdexec.Runner) Option {
	return func(a *Adapter) { a.runner = r }
}

func WithLogger(l *log.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

func New(options ...Option) *Adapter {
	a := &Adapter{
		runner: cmdexec.Exec{Kind: xe.ErrBatchSubmitFailed},
		logger: log.New(io.Discard, "", 0),
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

func (*Adapter) Name() string {
	return "slurm"
}

// Script renders the sbatch script of spec.
func Script(spec batch.JobSpec) string {
	b := new(strings.Builder)
	b.WriteString("#!/bin/bash\n")
	directive := func(format string, args ...any) {
		fmt.Fprintf(b, "#SBATCH "+format+"\n", args...)
	}
	directive("--job-name=%s", spec.Name)
	if spec.Stdout != "" {
		directive("--output=%s", spec.Stdout)
	}
	if spec.Stderr != "" {
		directive("--error=%s", spec.Stderr)
	}
	directive("--nodes=%d", max(spec.Nodes, 1))
	if 0 < spec.CoresPerNode {
		directive("--ntasks-per-node=%d", spec.CoresPerNode)
	}
	if 0 < spec.Walltime {
		directive("--time=%s", batch.FormatWalltime(spec.Walltime))
	}
	if spec.Partition != "" {
		directive("--partition=%s", spec.Partition)
	}
	if spec.Account != "" {
		directive("--account=%s", spec.Account)
	}
	if spec.Queue != "" {
		directive("--qos=%s", spec.Queue)
	}
	if spec.Exclusive {
		directive("--exclusive")
	}
	b.WriteString(spec.Script)
	b.WriteString("\n")
	return b.String()
}

func (a *Adapter) Submit(ctx context.Context, spec batch.JobSpec) (string, error) {
	dir := spec.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, os.FileMode(0o755)); err != nil {
		return "", xe.Kinded(xe.ErrBatchSubmitFailed, "%s", err)
	}
	path := filepath.Join(dir, spec.Name+".sbatch")
	if err := os.WriteFile(path, []byte(Script(spec)), os.FileMode(0o644)); err != nil {
		return "", xe.Kinded(xe.ErrBatchSubmitFailed, "%s", err)
	}

	res, err := a.runner.Run(ctx, "sbatch", "--parsable", path)
	if err != nil {
		return "", err
	}
	// "<jobid>" or "<jobid>;<cluster>"
	id, _, _ := strings.Cut(strings.TrimSpace(res.Stdout), ";")
	if id == "" {
		return "", xe.Kinded(xe.ErrBatchSubmitFailed, "sbatch printed no job id: %q", res.Stdout)
	}
	a.logger.Printf("submitted %s as slurm job %s", spec.Name, id)
	return id, nil
}

func (a *Adapter) Status(ctx context.Context, jobIDs ...string) (map[string]batch.JobState, error) {
	states := map[string]batch.JobState{}
	if len(jobIDs) == 0 {
		return states, nil
	}
	res, err := a.runner.Run(ctx, "squeue", "--me", "--noheader", "--format=%i %T")
	if err != nil {
		return nil, err
	}
	known := map[string]batch.JobState{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		known[fields[0]] = parseState(fields[1])
	}
	for _, id := range jobIDs {
		s, ok := known[id]
		if !ok {
			s = batch.Missing
		}
		states[id] = s
	}
	return states, nil
}

func (a *Adapter) Cancel(ctx context.Context, jobID string) error {
	_, err := a.runner.Run(ctx, "scancel", jobID)
	return err
}

// Placement runs a process as a one-task step of the allocation.
func (*Adapter) Placement(jobID string) []string {
	return []string{"srun", "--jobid=" + jobID, "--overlap", "-N", "1", "-n", "1"}
}

func (*Adapter) Binding(launcher string, jobID string) []string {
	if launcher != "srun" {
		return nil
	}
	return []string{"--jobid=" + jobID, "--overlap"}
}

func parseState(s string) batch.JobState {
	switch s {
	case "PENDING", "CONFIGURING", "REQUEUED", "RESV_DEL_HOLD", "REQUEUE_HOLD", "SUSPENDED":
		return batch.Queued
	case "RUNNING", "COMPLETING", "STAGE_OUT", "SIGNALING":
		return batch.Running
	case "COMPLETED":
		return batch.Completed
	case "CANCELLED":
		return batch.Cancelled
	case "FAILED", "TIMEOUT", "NODE_FAIL", "PREEMPTED", "OUT_OF_MEMORY", "BOOT_FAIL", "DEADLINE":
		return batch.Failed
	default:
		return batch.Unknown
	}
}
