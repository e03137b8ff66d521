package logout

import (
	"context"
	"log"
	"slices"

	"github.com/opst/chiltepin/cmd/chiltepin/env"
	"github.com/opst/chiltepin/cmd/chiltepin/subcommands/common"
	"github.com/opst/chiltepin/pkg/auth/tokens"
	"github.com/youta-t/flarc"
)

type Flag struct {
	Service []string `flag:"service" alias:"s" metavar:"compute|transfer" help:"Log out from this service only. Repeatable."`
}

func New(st *common.Status) (flarc.Command, error) {
	return flarc.NewCommand(
		"Log out from the compute and transfer services.",
		Flag{},
		flarc.Args{},
		common.NewTask(st, Task()),
		flarc.WithDescription(`
Remove stored tokens. Without --service, all tokens are removed.
`),
	)
}

func Task() common.Task[Flag] {
	return func(
		_ context.Context,
		logger *log.Logger,
		e env.Env,
		cl flarc.Commandline[Flag],
		_ []any,
	) error {
		services := cl.Flags().Service
		for _, svc := range services {
			if !slices.Contains([]string{tokens.Compute, tokens.Transfer}, svc) {
				return common.Usage("unknown service: %s", svc)
			}
		}
		if err := e.TokenStore().Remove(services...); err != nil {
			return err
		}
		if len(services) == 0 {
			logger.Print("logged out from all services")
		} else {
			logger.Printf("logged out from %v", services)
		}
		return nil
	}
}
