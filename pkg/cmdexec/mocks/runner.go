package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/opst/chiltepin/pkg/cmdexec"
)

type Call struct {
	Name string
	Args []string
}

type Runner struct {
	Impl struct {
		Run func(ctx context.Context, name string, args ...string) (cmdexec.Result, error)
	}

	mu    sync.Mutex
	calls []Call
}

var _ cmdexec.Runner = &Runner{}

func NewRunner() *Runner {
	return &Runner{}
}

func (m *Runner) Run(ctx context.Context, name string, args ...string) (cmdexec.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Name: name, Args: append([]string{}, args...)})
	m.mu.Unlock()
	if m.Impl.Run != nil {
		return m.Impl.Run(ctx, name, args...)
	}

	panic(errors.New("it should not be called"))
}

// Calls returns a copy of recorded calls.
func (m *Runner) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call{}, m.calls...)
}
