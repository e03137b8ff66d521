package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/opst/chiltepin/cmd/chiltepin/env"
	"github.com/opst/chiltepin/cmd/chiltepin/subcommands/common"
	"github.com/opst/chiltepin/pkg/monitor"
	"github.com/opst/chiltepin/pkg/utils/filewatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/youta-t/flarc"
)

type Flag struct {
	Listen   string `flag:"listen" alias:"l" metavar:"HOST:PORT" help:"Address to serve the API."`
	Database string `flag:"database" alias:"d" metavar:"URL" help:"PostgreSQL database of records. Default: $CHILTEPIN_MONITOR_DB"`
	Run      string `flag:"run" metavar:"RUN_ID" help:"Show records of this run of the orchestrator."`
	Debug    bool   `flag:"debug" help:"Log requests in detail."`
}

// Connector opens records of run in the database at url.
type Connector func(ctx context.Context, url string, run string) (monitor.Recorder, func(), error)

// Postgres is the default Connector.
func Postgres(ctx context.Context, url string, run string) (monitor.Recorder, func(), error) {
	options := []monitor.PostgresOption{}
	if run != "" {
		options = append(options, monitor.WithRun(run))
	}
	pg, err := monitor.NewPostgres(ctx, url, options...)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

const shutdownTimeout = 15 * time.Second

func New(st *common.Status, connect Connector) (flarc.Command, error) {
	return flarc.NewCommand(
		"Serve records of tasks and blocks over HTTP.",
		Flag{Listen: ":8080"},
		flarc.Args{},
		common.NewTask(st, Task(connect)),
		flarc.WithDescription(`
Serve a read-only API of records which orchestrators have written in the
PostgreSQL database:

    GET /api/tasks[?state=STATE]
    GET /api/tasks/TASK_ID
    GET /api/blocks[?pool=POOL]
    GET /metrics

It runs until interrupted.
`),
	)
}

func Task(connect Connector) common.Task[Flag] {
	return func(
		ctx context.Context,
		logger *log.Logger,
		e env.Env,
		cl flarc.Commandline[Flag],
		_ []any,
	) error {
		flags := cl.Flags()
		url := flags.Database
		if url == "" {
			url = e.MonitorDB
		}
		if url == "" {
			return common.Usage("--database or $%s is required", env.MonitorDB)
		}

		// quit when the env file is updated, to be restarted with new settings.
		if e.Home != "" {
			watched, cancel, err := filewatch.UntilModified(ctx, e.FilePath())
			if err == nil {
				defer cancel()
				ctx = watched
			} else {
				logger.Printf("env file is not watched: %s", err)
			}
		}

		rec, closer, err := connect(ctx, url, flags.Run)
		if err != nil {
			return err
		}
		defer closer()

		level := "info"
		if flags.Debug {
			level = "debug"
		}
		server := monitor.NewServer(
			rec,
			monitor.WithLogLevel(level),
			monitor.WithGatherer(prometheus.DefaultGatherer),
		)

		stop := context.AfterFunc(ctx, func() {
			graceful, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(graceful); err != nil {
				logger.Printf("error on shutdown: %s", err)
			}
		})
		defer stop()

		logger.Printf("serving on %s", flags.Listen)
		if err := server.Start(flags.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("monitor: %w", err)
		}
		if cause := context.Cause(ctx); errors.Is(cause, filewatch.ErrModified) {
			logger.Printf("quit to restart: %s", cause)
		}
		return nil
	}
}
