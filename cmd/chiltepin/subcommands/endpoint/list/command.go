package list

import (
	"context"
	"fmt"
	"io"
	"log"
	"slices"

	"github.com/opst/chiltepin/cmd/chiltepin/env"
	"github.com/opst/chiltepin/cmd/chiltepin/subcommands/common"
	"github.com/opst/chiltepin/pkg/endpoint"
	"github.com/youta-t/flarc"
)

type Flag struct {
	ConfigRoot string `flag:"config-root" alias:"c" metavar:"DIR" help:"Directory of endpoints. Default: $CHILTEPIN_CONFIG_ROOT or ~/.globus_compute"`
}

func New(st *common.Status, open common.EndpointsFactory) (flarc.Command, error) {
	return flarc.NewCommand(
		"List endpoints with their ids and states.",
		Flag{},
		flarc.Args{},
		common.NewTask(st, Task(open)),
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
		root := common.ConfigRoot(cl.Flags().ConfigRoot, e)
		eps, err := open(e, root, logger).List(ctx)
		if err != nil {
			return err
		}
		return Write(cl.Stdout(), eps)
	}
}

// Write prints endpoints sorted by name, one per line:
//
//	<name> <uuid or None> <state>
//
// with names padded to the longest and ids padded to the width of UUIDs.
func Write(w io.Writer, eps map[string]endpoint.Info) error {
	if len(eps) == 0 {
		_, err := fmt.Fprintln(w, "No endpoints are configured")
		return err
	}

	names := make([]string, 0, len(eps))
	width := 0
	for name := range eps {
		names = append(names, name)
		width = max(width, len(name))
	}
	slices.Sort(names)

	for _, name := range names {
		info := eps[name]
		id := info.UUID
		if id == "" {
			id = "None"
		}
		if _, err := fmt.Fprintf(w, "%-*s %-36s %s\n", width, name, id, info.State); err != nil {
			return err
		}
	}
	return nil
}
