// Package cmdexec runs external command line tools (batch system CLIs,
// the endpoint agent) with a bounded timeout, keeping their output.
package cmdexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	xe "github.com/opst/chiltepin/pkg/errors"
)

const DefaultTimeout = 60 * time.Second

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError is returned when a command exits with non-zero status,
// cannot be started, or is killed by the timeout.
//
// It keeps the output of the command for debugging.
type ExitError struct {
	Command  []string
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool

	// kind of failure reported by errors.Is; may be nil.
	Kind error

	cause error
}

func (e *ExitError) Error() string {
	b := new(strings.Builder)
	if e.Kind != nil {
		fmt.Fprintf(b, "%s: ", e.Kind)
	}
	switch {
	case e.TimedOut:
		fmt.Fprintf(b, "%q timed out", strings.Join(e.Command, " "))
	case e.cause != nil:
		fmt.Fprintf(b, "%q: %s", strings.Join(e.Command, " "), e.cause)
	default:
		fmt.Fprintf(b, "%q exited with %d", strings.Join(e.Command, " "), e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stdout); s != "" {
		fmt.Fprintf(b, "\n--- stdout ---\n%s", s)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(b, "\n--- stderr ---\n%s", s)
	}
	return b.String()
}

func (e *ExitError) Unwrap() []error {
	errs := []error{}
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.TimedOut {
		errs = append(errs, xe.ErrTimeout)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// Runner runs a command and waits for it.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// Exec is a Runner with os/exec.
type Exec struct {
	// Timeout for each command. DefaultTimeout if zero.
	Timeout time.Duration

	// Kind is set to ExitError.Kind of failures.
	Kind error

	// Env is appended to the environment of the current process.
	Env []string

	Dir string
}

var _ Runner = Exec{}

func (x Exec) Run(ctx context.Context, name string, args ...string) (Result, error) {
	timeout := x.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Dir = x.Dir
	if len(x.Env) != 0 {
		cmd.Env = append(cmd.Environ(), x.Env...)
	}
	cmd.WaitDelay = time.Second
	setpgid(cmd)

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: cmd.ProcessState.ExitCode()}
	if err == nil {
		return res, nil
	}

	ee := &ExitError{
		Command:  append([]string{name}, args...),
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Kind:     x.Kind,
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		ee.TimedOut = true
	} else if exitErr := new(exec.ExitError); !errors.As(err, &exitErr) {
		ee.cause = err
	}
	return res, ee
}
