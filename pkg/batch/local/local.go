// Package local runs blocks as background processes on this host.
package local

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/opst/chiltepin/pkg/batch"
	xe "github.com/opst/chiltepin/pkg/errors"
)

// Grace is how long Cancel waits after SIGTERM before SIGKILL.
const Grace = 5 * time.Second

type job struct {
	cmd   *exec.Cmd
	done  chan struct{}
	state batch.JobState
}

// Adapter is a batch.Adapter whose allocation is a bash process.
type Adapter struct {
	logger *log.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

var _ batch.Adapter = &Adapter{}

type Option func(*Adapter)

func WithLogger(l *log.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

func New(options ...Option) *Adapter {
	a := &Adapter{
		logger: log.New(io.Discard, "", 0),
		jobs:   map[string]*job{},
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

func (*Adapter) Name() string {
	return "localhost"
}

func (a *Adapter) Submit(ctx context.Context, spec batch.JobSpec) (string, error) {
	dir := spec.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, os.FileMode(0o755)); err != nil {
		return "", xe.Kinded(xe.ErrBatchSubmitFailed, "%s", err)
	}
	script := filepath.Join(dir, spec.Name+".sh")
	if err := os.WriteFile(script, []byte("#!/bin/bash\n"+spec.Script+"\n"), os.FileMode(0o755)); err != nil {
		return "", xe.Kinded(xe.ErrBatchSubmitFailed, "%s", err)
	}

	stdout, err := openOutput(spec.Stdout)
	if err != nil {
		return "", xe.Kinded(xe.ErrBatchSubmitFailed, "stdout: %s", err)
	}
	stderr, err := openOutput(spec.Stderr)
	if err != nil {
		stdout.Close()
		return "", xe.Kinded(xe.ErrBatchSubmitFailed, "stderr: %s", err)
	}

	cmd := exec.Command("bash", script)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setpgid(cmd)
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return "", xe.Kinded(xe.ErrBatchSubmitFailed, "%s", err)
	}

	id := strconv.Itoa(cmd.Process.Pid)
	j := &job{cmd: cmd, done: make(chan struct{}), state: batch.Running}
	a.mu.Lock()
	a.jobs[id] = j
	a.mu.Unlock()
	a.logger.Printf("block job %s started (pid %s)", spec.Name, id)

	go func() {
		err := cmd.Wait()
		stdout.Close()
		stderr.Close()
		a.mu.Lock()
		defer a.mu.Unlock()
		switch {
		case j.state == batch.Cancelled:
		case err != nil:
			j.state = batch.Failed
		default:
			j.state = batch.Completed
		}
		close(j.done)
	}()
	return id, nil
}

func (a *Adapter) Status(_ context.Context, jobIDs ...string) (map[string]batch.JobState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	states := map[string]batch.JobState{}
	for _, id := range jobIDs {
		j, ok := a.jobs[id]
		if !ok {
			states[id] = batch.Missing
			continue
		}
		states[id] = j.state
	}
	return states, nil
}

// Cancel terminates the process group of the job, and waits it to exit.
func (a *Adapter) Cancel(ctx context.Context, jobID string) error {
	a.mu.Lock()
	j, ok := a.jobs[jobID]
	if ok && !j.state.Terminal() {
		j.state = batch.Cancelled
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-j.done:
		return nil
	default:
	}
	if err := terminate(j.cmd); err != nil {
		return xe.WrapWithNote(fmt.Sprintf("cancel %s", jobID), err)
	}
	select {
	case <-j.done:
		return nil
	case <-time.After(Grace):
	case <-ctx.Done():
	}
	kill(j.cmd)
	return nil
}

// Placement is nil: tasks of local blocks are children of this process.
func (*Adapter) Placement(string) []string {
	return nil
}

func (*Adapter) Binding(string, string) []string {
	return nil
}

func openOutput(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), os.FileMode(0o755)); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, os.FileMode(0o644))
}
