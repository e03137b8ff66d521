package endpoint

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/opst/chiltepin/pkg/cmdexec"
	xe "github.com/opst/chiltepin/pkg/errors"
)

// DefaultAgent is the command name of the endpoint agent.
const DefaultAgent = "globus-compute-endpoint"

// Agent is the external program which runs endpoints.
//
// Each method operates on endpoints under configRoot.
type Agent interface {
	// Configure creates the endpoint directory with its default config.yaml.
	Configure(ctx context.Context, configRoot string, name string, multiUser bool) error

	// List returns endpoints known to the agent, keyed by name.
	List(ctx context.Context, configRoot string) (map[string]Info, error)

	// Start launches the endpoint in background, and returns without
	// waiting for it. Stderr of the agent goes to the file at stderr.
	Start(ctx context.Context, configRoot string, name string, stderr string) error

	Stop(ctx context.Context, configRoot string, name string) error

	Delete(ctx context.Context, configRoot string, name string) error
}

// CLI is an Agent invoking the agent command line tool.
type CLI struct {
	// Path of the agent command.
	Path string

	Runner cmdexec.Runner
}

var _ Agent = &CLI{}

// NewCLI returns an Agent with the command at path. Each command is killed
// after timeout.
func NewCLI(path string, timeout time.Duration) *CLI {
	if path == "" {
		path = DefaultAgent
	}
	return &CLI{
		Path:   path,
		Runner: cmdexec.Exec{Timeout: timeout, Kind: xe.ErrAgent},
	}
}

func (c *CLI) args(configRoot string, args ...string) []string {
	if configRoot == "" {
		return args
	}
	if abs, err := filepath.Abs(configRoot); err == nil {
		configRoot = abs
	}
	return append([]string{"-c", configRoot}, args...)
}

func (c *CLI) Configure(ctx context.Context, configRoot string, name string, multiUser bool) error {
	args := []string{"configure"}
	if multiUser {
		args = append(args, "--multi-user")
	}
	args = append(args, name)
	_, err := c.Runner.Run(ctx, c.Path, c.args(configRoot, args...)...)
	return err
}

func (c *CLI) List(ctx context.Context, configRoot string) (map[string]Info, error) {
	res, err := c.Runner.Run(ctx, c.Path, c.args(configRoot, "list")...)
	if err != nil {
		return nil, err
	}
	return parseList(res.Stdout), nil
}

// parseList reads the table printed by "list":
//
//	+--------------------------------------+---------+---------------+
//	| Endpoint ID                          | Status  | Endpoint Name |
//	+======================================+=========+===============+
//	| 6f1d3c44-0b53-4bd6-a0b7-3e6c7f0c9e10 | Running | ep            |
//	+--------------------------------------+---------+---------------+
//
// Endpoints never started have "None" as ID.
func parseList(out string) map[string]Info {
	infos := map[string]Info{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "|") {
			continue
		}
		cols := strings.Split(strings.Trim(line, "|"), "|")
		if len(cols) < 3 {
			continue
		}
		id := strings.TrimSpace(cols[0])
		status := strings.TrimSpace(cols[1])
		name := strings.TrimSpace(cols[2])
		if id == "Endpoint ID" || name == "" {
			continue
		}
		if id == "None" {
			id = ""
		}
		infos[name] = Info{UUID: id, State: stateOf(status)}
	}
	return infos
}

func stateOf(status string) State {
	switch strings.ToLower(status) {
	case "running":
		return Running
	case "stopped":
		return Stopped
	case "initialized":
		return Initialized
	default:
		return Unknown
	}
}

func (c *CLI) Start(ctx context.Context, configRoot string, name string, stderr string) error {
	f, err := os.OpenFile(stderr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, os.FileMode(0o600))
	if err != nil {
		return xe.Wrap(err)
	}
	defer f.Close()

	cmd := exec.Command(c.Path, c.args(configRoot, "start", name)...)
	cmd.Stderr = f
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return xe.Kinded(xe.ErrAgent, "starting endpoint %s: %s", name, err)
	}
	// reap it when the agent exits
	go cmd.Wait()
	return nil
}

func (c *CLI) Stop(ctx context.Context, configRoot string, name string) error {
	_, err := c.Runner.Run(ctx, c.Path, c.args(configRoot, "stop", name)...)
	return err
}

func (c *CLI) Delete(ctx context.Context, configRoot string, name string) error {
	_, err := c.Runner.Run(ctx, c.Path, c.args(configRoot, "delete", "--yes", name)...)
	return err
}
