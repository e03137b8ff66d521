// Package lifecycle has commands to start, stop and delete endpoints.
package lifecycle

import (
	"context"
	"fmt"
	"log"

	"github.com/opst/chiltepin/cmd/chiltepin/env"
	"github.com/opst/chiltepin/cmd/chiltepin/subcommands/common"
	"github.com/youta-t/flarc"
)

type Flag struct {
	ConfigRoot string `flag:"config-root" alias:"c" metavar:"DIR" help:"Directory of endpoints. Default: $CHILTEPIN_CONFIG_ROOT or ~/.globus_compute"`
}

const ARG_NAME = "NAME"

// Operation is a transition of endpoints.
type Operation struct {
	Verb string
	Done string
	Help string

	Do func(ctx context.Context, eps common.Endpoints, name string) error
}

var (
	Start = Operation{
		Verb: "start",
		Done: "started",
		Help: "Start an endpoint. Logging in to the compute service is required.",
		Do: func(ctx context.Context, eps common.Endpoints, name string) error {
			return eps.Start(ctx, name)
		},
	}
	Stop = Operation{
		Verb: "stop",
		Done: "stopped",
		Help: "Stop a running endpoint. Logging in to the compute service is required.",
		Do: func(ctx context.Context, eps common.Endpoints, name string) error {
			return eps.Stop(ctx, name)
		},
	}
	Delete = Operation{
		Verb: "delete",
		Done: "deleted",
		Help: "Delete an endpoint which is not running.",
		Do: func(ctx context.Context, eps common.Endpoints, name string) error {
			return eps.Delete(ctx, name)
		},
	}
)

func New(st *common.Status, open common.EndpointsFactory, op Operation) (flarc.Command, error) {
	return flarc.NewCommand(
		op.Help,
		Flag{},
		flarc.Args{
			{
				Name: ARG_NAME, Required: true,
				Help: fmt.Sprintf("Name of the endpoint to %s.", op.Verb),
			},
		},
		common.NewTask(st, Task(open, op)),
	)
}

func Task(open common.EndpointsFactory, op Operation) common.Task[Flag] {
	return func(
		ctx context.Context,
		logger *log.Logger,
		e env.Env,
		cl flarc.Commandline[Flag],
		_ []any,
	) error {
		name := cl.Args()[ARG_NAME][0]
		root := common.ConfigRoot(cl.Flags().ConfigRoot, e)
		if err := op.Do(ctx, open(e, root, logger), name); err != nil {
			return err
		}
		fmt.Fprintf(cl.Stdout(), "endpoint %s is %s\n", name, op.Done)
		return nil
	}
}
