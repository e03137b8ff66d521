// Package pbspro submits blocks with qsub and watches them with qstat.
package pbspro

import (
	"context"
	"encoding/json"
	"errors"
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

// exit status PBS records for jobs deleted by qdel.
const exitDeleted = 271

type Adapter struct {
	runner cmdexec.Runner
	logger *log.Logger
}

var _ batch.Adapter = &Adapter{}

type Option func(*Adapter)

// WithRunner replaces the runner of qsub, qstat and qdel.
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
	return "pbspro"
}

// Script renders the qsub script of spec.
//
// Partition is used as the queue when Queue is empty.
func Script(spec batch.JobSpec) string {
	b := new(strings.Builder)
	b.WriteString("#!/bin/bash\n")
	directive := func(format string, args ...any) {
		fmt.Fprintf(b, "#PBS "+format+"\n", args...)
	}
	directive("-N %s", spec.Name)
	if spec.Stdout != "" {
		directive("-o %s", spec.Stdout)
	}
	if spec.Stderr != "" {
		directive("-e %s", spec.Stderr)
	}
	if 0 < spec.CoresPerNode {
		directive("-l select=%d:ncpus=%d", max(spec.Nodes, 1), spec.CoresPerNode)
	} else {
		directive("-l select=%d", max(spec.Nodes, 1))
	}
	if spec.Exclusive {
		directive("-l place=scatter:exclusive")
	} else {
		directive("-l place=scatter")
	}
	if 0 < spec.Walltime {
		directive("-l walltime=%s", batch.FormatWalltime(spec.Walltime))
	}
	switch {
	case spec.Queue != "":
		directive("-q %s", spec.Queue)
	case spec.Partition != "":
		directive("-q %s", spec.Partition)
	}
	if spec.Account != "" {
		directive("-A %s", spec.Account)
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
	path := filepath.Join(dir, spec.Name+".pbs")
	if err := os.WriteFile(path, []byte(Script(spec)), os.FileMode(0o644)); err != nil {
		return "", xe.Kinded(xe.ErrBatchSubmitFailed, "%s", err)
	}

	res, err := a.runner.Run(ctx, "qsub", path)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(res.Stdout)
	if id == "" {
		return "", xe.Kinded(xe.ErrBatchSubmitFailed, "qsub printed no job id")
	}
	a.logger.Printf("submitted %s as pbs job %s", spec.Name, id)
	return id, nil
}

type qstatJob struct {
	JobState   string `json:"job_state"`
	ExitStatus *int   `json:"Exit_status,omitempty"`
}

type qstatOutput struct {
	Jobs map[string]qstatJob `json:"Jobs"`
}

func (a *Adapter) Status(ctx context.Context, jobIDs ...string) (map[string]batch.JobState, error) {
	states := map[string]batch.JobState{}
	if len(jobIDs) == 0 {
		return states, nil
	}
	args := append([]string{"-x", "-f", "-F", "json"}, jobIDs...)
	res, err := a.runner.Run(ctx, "qstat", args...)
	if err != nil {
		// qstat exits non-zero when some of jobs are unknown,
		// but still reports the others.
		ee := new(cmdexec.ExitError)
		if !errors.As(err, &ee) || strings.TrimSpace(ee.Stdout) == "" {
			return nil, err
		}
		res.Stdout = ee.Stdout
	}

	out := qstatOutput{}
	if err := json.Unmarshal([]byte(res.Stdout), &out); err != nil {
		return nil, xe.WrapWithNote("qstat output", err)
	}
	for _, id := range jobIDs {
		j, ok := out.Jobs[id]
		if !ok {
			states[id] = batch.Missing
			continue
		}
		states[id] = parseState(j)
	}
	return states, nil
}

func (a *Adapter) Cancel(ctx context.Context, jobID string) error {
	_, err := a.runner.Run(ctx, "qdel", jobID)
	return err
}

// Placement is nil: PBS has no way to start a process in a running job
// from outside, so tasks run on this host.
func (*Adapter) Placement(string) []string {
	return nil
}

func (*Adapter) Binding(string, string) []string {
	return nil
}

func parseState(j qstatJob) batch.JobState {
	switch j.JobState {
	case "Q", "H", "W", "T", "S", "U":
		return batch.Queued
	case "R", "E", "B":
		return batch.Running
	case "F", "X":
		switch {
		case j.ExitStatus == nil || *j.ExitStatus == 0:
			return batch.Completed
		case *j.ExitStatus == exitDeleted:
			return batch.Cancelled
		default:
			return batch.Failed
		}
	default:
		return batch.Unknown
	}
}
