package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/opst/chiltepin/cmd/chiltepin/subcommands/common"
	subep "github.com/opst/chiltepin/cmd/chiltepin/subcommands/endpoint"
	sublogin "github.com/opst/chiltepin/cmd/chiltepin/subcommands/login"
	sublogout "github.com/opst/chiltepin/cmd/chiltepin/subcommands/logout"
	submon "github.com/opst/chiltepin/cmd/chiltepin/subcommands/monitor"
	subver "github.com/opst/chiltepin/cmd/chiltepin/subcommands/version"
	"github.com/opst/chiltepin/pkg/utils/try"
	"github.com/youta-t/flarc"
)

func main() {
	name := path.Base(os.Args[0])
	logger := log.New(os.Stderr, fmt.Sprintf("[%s] ", name), log.LstdFlags)

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	st := new(common.Status)
	login := try.To(sublogin.New(st)).OrFatal(logger)
	logout := try.To(sublogout.New(st)).OrFatal(logger)
	endpoint := try.To(subep.New(st, common.OpenEndpoints)).OrFatal(logger)
	monitor := try.To(submon.New(st, submon.Postgres)).OrFatal(logger)
	version := try.To(subver.New()).OrFatal(logger)

	chiltepin := try.To(
		flarc.NewCommandGroup(
			"Chiltepin: workflows across HPC and cloud resources",
			struct{}{},
			flarc.WithSubcommand("login", login),
			flarc.WithSubcommand("logout", logout),
			flarc.WithSubcommand("endpoint", endpoint),
			flarc.WithSubcommand("monitor", monitor),
			flarc.WithSubcommand("version", version),
		),
	).OrFatal(logger)

	code := flarc.Run(ctx, chiltepin, flarc.WithHelp(true))
	if code != 0 {
		// failures of tasks are classified; others are usage errors.
		if c := st.Code(); c != 0 {
			code = c
		}
	}
	cancel()
	os.Exit(code)
}
