package common

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/opst/chiltepin/cmd/chiltepin/env"
	"github.com/opst/chiltepin/pkg/endpoint"
	xe "github.com/opst/chiltepin/pkg/errors"
	"github.com/youta-t/flarc"
)

// Exit codes of the chiltepin command.
const (
	ExitSuccess = 0

	// bad arguments, or operations not allowed in the current state
	ExitUser = 1

	// unreadable configurations
	ExitConfig = 2

	// failures of the agent or remote services
	ExitBackend = 3
)

// ExitCode classifies err into an exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, xe.ErrConfigParse):
		return ExitConfig
	case errors.Is(err, xe.ErrAgent), errors.Is(err, xe.ErrTimeout), errors.Is(err, xe.ErrConsentRequired):
		return ExitBackend
	default:
		return ExitUser
	}
}

// Status keeps the exit code of the command which has run.
type Status struct {
	mu   sync.Mutex
	code int
}

func (s *Status) Set(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = code
}

func (s *Status) Code() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

type Task[T any] func(
	ctx context.Context,
	logger *log.Logger,
	e env.Env,
	cl flarc.Commandline[T],
	params []any,
) error

// NewTask converts task to flarc.Task, which loads Env and records the exit
// code to st.
func NewTask[T any](st *Status, task Task[T]) flarc.Task[T] {
	return func(ctx context.Context, cl flarc.Commandline[T], params []any) error {
		logger := log.New(cl.Stderr(), "", log.LstdFlags)
		logger.SetPrefix(fmt.Sprintf("[%s] ", cl.Fullname()))

		e, err := env.Load()
		if err == nil {
			err = task(ctx, logger, e, cl, params)
		}
		if st != nil {
			st.Set(ExitCode(err))
		}
		return err
	}
}

// Endpoints is the set of operations on endpoints.
//
// *endpoint.Manager implements this.
type Endpoints interface {
	Configure(ctx context.Context, name string, multiUser bool) error
	List(ctx context.Context) (map[string]endpoint.Info, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

var _ Endpoints = &endpoint.Manager{}

// EndpointsFactory opens endpoints under configRoot.
type EndpointsFactory func(e env.Env, configRoot string, logger *log.Logger) Endpoints

// ConfigRoot is the directory of endpoints: the flag, $CHILTEPIN_CONFIG_ROOT
// or the default, in this order.
func ConfigRoot(flag string, e env.Env) string {
	switch {
	case flag != "":
		return flag
	case e.ConfigRoot != "":
		return e.ConfigRoot
	default:
		return endpoint.DefaultConfigRoot()
	}
}

// OpenEndpoints is the default EndpointsFactory.
//
// Starting and stopping endpoints require logging in.
func OpenEndpoints(e env.Env, configRoot string, logger *log.Logger) Endpoints {
	return endpoint.NewManager(
		configRoot,
		endpoint.WithAgent(endpoint.NewCLI(e.Agent, endpoint.DefaultTimeout)),
		endpoint.WithCredentials(e.TokenStore()),
		endpoint.WithLogger(logger),
	)
}

// Usage makes a usage error.
func Usage(format string, args ...any) error {
	return errors.Join(flarc.ErrUsage, fmt.Errorf(format, args...))
}
