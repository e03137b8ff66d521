package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Failure is the cause recorded on a FAILED or CANCELLED handle.
//
// errors.Is(f, kind) holds for its Kind (one of the sentinels of pkg/errors),
// and the Cause chain leads to upstream failures of predecessors.
type Failure struct {
	Kind error
	Task string

	Stdout string
	Stderr string

	// exit code of a shell task; -1 if not known.
	ExitCode int

	// wall time the task ran before it was stopped. Set for timeouts.
	Elapsed time.Duration

	Cause error
}

func (f *Failure) Error() string {
	b := new(strings.Builder)
	fmt.Fprintf(b, "task %q: %s", f.Task, f.Kind)
	if 0 < f.ExitCode {
		fmt.Fprintf(b, " (exit code %d)", f.ExitCode)
	}
	if f.Elapsed != 0 {
		fmt.Fprintf(b, " after %s", f.Elapsed.Round(time.Millisecond))
	}
	if f.Stdout != "" || f.Stderr != "" {
		fmt.Fprintf(b, " [stdout: %s, stderr: %s]", orNone(f.Stdout), orNone(f.Stderr))
	}
	if f.Cause != nil {
		fmt.Fprintf(b, " <- %s", f.Cause)
	}
	return b.String()
}

func (f *Failure) Unwrap() []error {
	if f.Cause == nil {
		return []error{f.Kind}
	}
	return []error{f.Kind, f.Cause}
}

// Chain returns the failures of this and its upstream tasks, nearest first.
func (f *Failure) Chain() []*Failure {
	chain := []*Failure{f}
	var walk func(error)
	walk = func(err error) {
		switch e := err.(type) {
		case nil:
			return
		case *Failure:
			chain = append(chain, e)
			walk(e.Cause)
		case interface{ Unwrap() []error }:
			for _, x := range e.Unwrap() {
				walk(x)
			}
		case interface{ Unwrap() error }:
			walk(e.Unwrap())
		}
	}
	walk(f.Cause)
	return chain
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// AsFailure finds the nearest Failure in err.
func AsFailure(err error) (*Failure, bool) {
	f := new(Failure)
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
