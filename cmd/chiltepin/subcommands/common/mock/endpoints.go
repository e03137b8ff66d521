// Package mock has a fake of common.Endpoints for tests of subcommands.
package mock

import (
	"context"
	"log"

	"github.com/opst/chiltepin/cmd/chiltepin/env"
	"github.com/opst/chiltepin/cmd/chiltepin/subcommands/common"
	"github.com/opst/chiltepin/pkg/endpoint"
)

type Call struct {
	Op    string
	Name  string
	Multi bool
}

type Endpoints struct {
	Calls []Call

	// Infos is returned by List.
	Infos map[string]endpoint.Info

	// Err is returned by every operation.
	Err error
}

var _ common.Endpoints = &Endpoints{}

// Factory returns an EndpointsFactory which opens m, and records the config
// root passed into root.
func (m *Endpoints) Factory(root *string) common.EndpointsFactory {
	return func(_ env.Env, configRoot string, _ *log.Logger) common.Endpoints {
		if root != nil {
			*root = configRoot
		}
		return m
	}
}

func (m *Endpoints) Configure(_ context.Context, name string, multi bool) error {
	m.Calls = append(m.Calls, Call{Op: "configure", Name: name, Multi: multi})
	return m.Err
}

func (m *Endpoints) List(context.Context) (map[string]endpoint.Info, error) {
	m.Calls = append(m.Calls, Call{Op: "list"})
	return m.Infos, m.Err
}

func (m *Endpoints) Start(_ context.Context, name string) error {
	m.Calls = append(m.Calls, Call{Op: "start", Name: name})
	return m.Err
}

func (m *Endpoints) Stop(_ context.Context, name string) error {
	m.Calls = append(m.Calls, Call{Op: "stop", Name: name})
	return m.Err
}

func (m *Endpoints) Delete(_ context.Context, name string) error {
	m.Calls = append(m.Calls, Call{Op: "delete", Name: name})
	return m.Err
}
