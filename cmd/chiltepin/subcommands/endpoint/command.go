package endpoint

import (
	"github.com/opst/chiltepin/cmd/chiltepin/subcommands/common"
	"github.com/opst/chiltepin/cmd/chiltepin/subcommands/endpoint/configure"
	"github.com/opst/chiltepin/cmd/chiltepin/subcommands/endpoint/lifecycle"
	"github.com/opst/chiltepin/cmd/chiltepin/subcommands/endpoint/list"
	"github.com/youta-t/flarc"
)

func New(st *common.Status, open common.EndpointsFactory) (flarc.Command, error) {
	cfg, err := configure.New(st, open)
	if err != nil {
		return nil, err
	}
	ls, err := list.New(st, open)
	if err != nil {
		return nil, err
	}
	start, err := lifecycle.New(st, open, lifecycle.Start)
	if err != nil {
		return nil, err
	}
	stop, err := lifecycle.New(st, open, lifecycle.Stop)
	if err != nil {
		return nil, err
	}
	del, err := lifecycle.New(st, open, lifecycle.Delete)
	if err != nil {
		return nil, err
	}

	return flarc.NewCommandGroup(
		"Manage endpoints of the compute service on this host.",
		struct{}{},
		flarc.WithSubcommand("configure", cfg),
		flarc.WithSubcommand("list", ls),
		flarc.WithSubcommand("start", start),
		flarc.WithSubcommand("stop", stop),
		flarc.WithSubcommand("delete", del),
	)
}
