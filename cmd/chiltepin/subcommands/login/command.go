package login

import (
	"context"
	"fmt"
	"log"

	"github.com/opst/chiltepin/cmd/chiltepin/env"
	"github.com/opst/chiltepin/cmd/chiltepin/subcommands/common"
	"github.com/opst/chiltepin/pkg/auth/tokens"
	"github.com/youta-t/flarc"
)

type Flag struct {
	ComputeToken  string `flag:"compute-token" metavar:"TOKEN" help:"Access token of the compute service. Default: $CHILTEPIN_COMPUTE_TOKEN"`
	TransferToken string `flag:"transfer-token" metavar:"TOKEN" help:"Access token of the transfer service. Default: $CHILTEPIN_TRANSFER_TOKEN"`
	RefreshToken  string `flag:"refresh-token" metavar:"TOKEN" help:"Refresh token stored with each access token."`
}

func New(st *common.Status) (flarc.Command, error) {
	return flarc.NewCommand(
		"Log in to the compute and transfer services.",
		Flag{},
		flarc.Args{},
		common.NewTask(st, Task()),
		flarc.WithDescription(`
Store access tokens of the compute and transfer services in
$CHILTEPIN_HOME/.chiltepin/tokens.json (default: ~/.chiltepin/tokens.json).

Tokens are taken from flags, or from environment variables
CHILTEPIN_COMPUTE_TOKEN and CHILTEPIN_TRANSFER_TOKEN when flags are not passed.
Expiry of tokens is read from JWT access tokens.

Starting and stopping endpoints require logging in to the compute service.
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
		flags := cl.Flags()
		given := map[string]string{
			tokens.Compute:  or(flags.ComputeToken, e.ComputeToken),
			tokens.Transfer: or(flags.TransferToken, e.TransferToken),
		}

		store := e.TokenStore()
		stored := 0
		for _, svc := range []string{tokens.Compute, tokens.Transfer} {
			access := given[svc]
			if access == "" {
				continue
			}
			tok := tokens.Token{AccessToken: access, RefreshToken: flags.RefreshToken}
			if err := store.Put(svc, tok); err != nil {
				return err
			}
			logger.Printf("logged in to %s", svc)
			stored += 1
		}
		if stored == 0 {
			return common.Usage("no tokens are given: pass --compute-token or --transfer-token")
		}
		fmt.Fprintf(cl.Stdout(), "tokens are stored in %s\n", store.Path())
		return nil
	}
}

func or(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
