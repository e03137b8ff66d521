package pool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	xe "github.com/opst/chiltepin/pkg/errors"
	"github.com/opst/chiltepin/pkg/task"
)

// Environment variables given to shell tasks.
const (
	EnvMPIPrefix = "CHILTEPIN_MPI_PREFIX"
	EnvBlockID   = "CHILTEPIN_BLOCK_ID"
	EnvTaskID    = "CHILTEPIN_TASK_ID"
	EnvNodes     = "CHILTEPIN_BLOCK_NODES"
)

// launch is how a shell task is started.
type launch struct {
	// command prefix which puts the process into the block.
	placement []string

	// shell lines run before the command, like "module load ...".
	setup []string

	// "KEY=VALUE" pairs added to the environment.
	env []string

	// working directory. Relative redirect paths are resolved against it.
	dir string
}

// runShell runs a RUNNING shell task to its end and resolves the handle.
//
// Cancel sends SIGTERM to the process group. Exceeding the walltime, or ctx
// being done, kills the group.
func runShell(ctx context.Context, h *task.Handle, l launch) {
	d := h.Descriptor()
	raised := func(err error) {
		h.Fail(&task.Failure{Kind: xe.ErrTaskRaised, Task: h.Name(), ExitCode: -1, Cause: err})
	}

	command, err := d.Render(h.Args())
	if err != nil {
		raised(xe.WrapWithNote("rendering command", err))
		return
	}

	stdoutPath, stdout, err := openRedirect(l.dir, d.Stdout)
	if err != nil {
		raised(err)
		return
	}
	defer stdout.Close()
	stderrPath, stderr, err := openRedirect(l.dir, d.Stderr)
	if err != nil {
		raised(err)
		return
	}
	defer stderr.Close()

	script := strings.Join(append(slices.Clone(l.setup), command), "\n")
	argv := append(slices.Clone(l.placement), "bash", "-c", script)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = l.dir
	cmd.Env = append(append(os.Environ(), l.env...), EnvTaskID+"="+h.ID())
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setpgid(cmd)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		raised(xe.WrapWithNote("starting "+argv[0], err))
		return
	}

	h.SetInterrupt(func() { terminate(cmd) })

	timedOut := new(atomic.Bool)
	if 0 < d.Walltime {
		timer := time.AfterFunc(d.Walltime, func() {
			timedOut.Store(true)
			kill(cmd)
		})
		defer timer.Stop()
	}
	stop := context.AfterFunc(ctx, func() { kill(cmd) })
	defer stop()

	waitErr := cmd.Wait()
	elapsed := time.Since(started)
	code := exitCode(cmd.ProcessState)

	switch {
	case timedOut.Load():
		h.Fail(&task.Failure{
			Kind: xe.ErrTimeout, Task: h.Name(),
			Stdout: stdoutPath, Stderr: stderrPath,
			ExitCode: -1, Elapsed: elapsed,
			Cause: fmt.Errorf("walltime %s exceeded", d.Walltime),
		})
	case code < 0:
		raised(xe.WrapWithNote("waiting "+argv[0], waitErr))
	case code == 0 && h.CancelRequested():
		h.Abort()
	case code == 0:
		h.Exit(0, nil)
	default:
		h.Exit(code, &task.Failure{
			Kind: xe.ErrShellNonzeroExit, Task: h.Name(),
			Stdout: stdoutPath, Stderr: stderrPath,
			ExitCode: code,
		})
	}
}

// openRedirect opens the destination of stdout or stderr.
//
// Without redirection output goes to the null device, and the path is empty.
func openRedirect(dir string, r *task.Redirect) (string, *os.File, error) {
	if r == nil {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		return "", f, err
	}
	path := r.Path
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), os.FileMode(0o755)); err != nil {
		return "", nil, xe.Wrap(err)
	}
	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if r.Mode == task.Append {
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(path, flag, os.FileMode(0o644))
	if err != nil {
		return "", nil, xe.Wrap(err)
	}
	return path, f, nil
}
