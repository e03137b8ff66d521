package configure

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
	Multi      bool   `flag:"multi" help:"Configure the endpoint for multiple users."`
}

const ARG_NAME = "NAME"

func New(st *common.Status, open common.EndpointsFactory) (flarc.Command, error) {
	return flarc.NewCommand(
		"Configure a new endpoint.",
		Flag{},
		flarc.Args{
			{
				Name: ARG_NAME, Required: true,
				Help: "Name of the endpoint.",
			},
		},
		common.NewTask(st, Task(open)),
		flarc.WithDescription(`
Create the directory of the endpoint NAME under the config root, and write
its configuration. The endpoint is Initialized and can be started with

    chiltepin endpoint start NAME

It fails if the endpoint exists already.
`),
	)
}

func Task(open common.EndpointsFactory) common.Task[Flag] {
	return func(
		ctx context.Context,
		logger *log.Logger,
		e env.Env,
		cl flarc.Commandline[Flag],
		_ []any,
	) error {
		name := cl.Args()[ARG_NAME][0]
		flags := cl.Flags()
		root := common.ConfigRoot(flags.ConfigRoot, e)

		if err := open(e, root, logger).Configure(ctx, name, flags.Multi); err != nil {
			return err
		}
		fmt.Fprintf(cl.Stdout(), "endpoint %s is configured in %s\n", name, root)
		return nil
	}
}
