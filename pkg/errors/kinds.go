package errors

import (
	"errors"
	"fmt"
)

// Kinds of failures the orchestrator reports.
//
// Each is a sentinel; test with errors.Is.
var (
	ErrUnknownCapability     = errors.New("unknown-capability")
	ErrUnsatisfiableGeometry = errors.New("unsatisfiable-geometry")
	ErrUnknownEndpoint       = errors.New("unknown-endpoint")
	ErrConsentRequired       = errors.New("consent-required")
	ErrAgent                 = errors.New("agent-error")
	ErrBatchSubmitFailed     = errors.New("batch-submit-failed")
	ErrTaskRaised            = errors.New("task-raised")
	ErrShellNonzeroExit      = errors.New("shell-nonzero-exit")
	ErrTimeout               = errors.New("timeout")
	ErrDependencyFailed      = errors.New("dependency-failed")
	ErrCancelled             = errors.New("cancelled")
	ErrConfigParse           = errors.New("config-parse-error")
	ErrInvalidLeadtime       = errors.New("invalid-leadtime")
)

var kinds = []error{
	ErrUnknownCapability,
	ErrUnsatisfiableGeometry,
	ErrUnknownEndpoint,
	ErrConsentRequired,
	ErrAgent,
	ErrBatchSubmitFailed,
	ErrTaskRaised,
	ErrShellNonzeroExit,
	ErrTimeout,
	ErrDependencyFailed,
	ErrCancelled,
	ErrConfigParse,
	ErrInvalidLeadtime,
}

// KindOf returns the first kind sentinel found in err's chain, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Kinded returns an error which is kind and carries message.
func Kinded(kind error, format string, args ...any) error {
	return wrap("", fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...)), 1)
}
