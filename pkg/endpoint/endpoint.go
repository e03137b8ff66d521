// Package endpoint manages the lifecycle of remote endpoints: long-lived
// agents which run tasks on clusters the driver cannot reach directly.
//
// Each endpoint is a directory <config-root>/<name>/ holding its
// config.yaml. The state of an endpoint is not stored by us. It is read back
// from the directory and the agent each time.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/opst/chiltepin/pkg/auth/tokens"
	"github.com/opst/chiltepin/pkg/cmdexec"
	xe "github.com/opst/chiltepin/pkg/errors"
	"github.com/opst/chiltepin/pkg/utils/retry"
	"gopkg.in/yaml.v3"
)

type State string

const (
	Initialized State = "Initialized"
	Running     State = "Running"
	Stopped     State = "Stopped"
	Unknown     State = "Unknown"
)

type Info struct {
	// UUID given by the agent. Empty if the endpoint has never started.
	UUID string `json:"uuid"`

	State State `json:"state"`
}

var (
	ErrExists      = errors.New("endpoint already exists")
	ErrNotFound    = errors.New("endpoint not found")
	ErrState       = errors.New("endpoint is not in a state for the operation")
	ErrUnsupported = errors.New("endpoints are not supported on this platform")
)

const (
	DefaultTimeout      = cmdexec.DefaultTimeout
	DefaultPollInterval = time.Second

	configFile      = "config.yaml"
	templateFile    = "user_config_template.yaml.j2"
	environmentFile = "user_environment.yaml"
)

// Credentials tells whether the user holds a usable token for a service.
type Credentials interface {
	Valid(service string) bool
}

// DefaultConfigRoot is $HOME/.globus_compute .
func DefaultConfigRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".globus_compute"
	}
	return filepath.Join(home, ".globus_compute")
}

type Manager struct {
	root         string
	agent        Agent
	credentials  Credentials
	runner       cmdexec.Runner
	logger       *log.Logger
	timeout      time.Duration
	startTimeout time.Duration
	interval     time.Duration
}

type Option func(*Manager)

func WithAgent(a Agent) Option {
	return func(m *Manager) { m.agent = a }
}

// WithCredentials makes Start and Stop require a valid compute token.
func WithCredentials(c Credentials) Option {
	return func(m *Manager) { m.credentials = c }
}

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithTimeout bounds each operation of the agent.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithStartTimeout bounds waiting for a started endpoint to be Running.
func WithStartTimeout(d time.Duration) Option {
	return func(m *Manager) { m.startTimeout = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// WithRunner sets the runner of helper commands other than the agent.
func WithRunner(r cmdexec.Runner) Option {
	return func(m *Manager) { m.runner = r }
}

// NewManager returns a Manager of endpoints under configRoot.
//
// Without WithAgent, the agent is DefaultAgent found in PATH.
func NewManager(configRoot string, options ...Option) *Manager {
	if configRoot == "" {
		configRoot = DefaultConfigRoot()
	}
	m := &Manager{
		root:         configRoot,
		logger:       log.New(io.Discard, "", 0),
		timeout:      DefaultTimeout,
		startTimeout: DefaultTimeout,
		interval:     DefaultPollInterval,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.agent == nil {
		m.agent = NewCLI(DefaultAgent, m.timeout)
	}
	if m.runner == nil {
		m.runner = cmdexec.Exec{Timeout: 5 * time.Second}
	}
	return m
}

func (m *Manager) Root() string {
	return m.root
}

func (m *Manager) dir(name string) string {
	return filepath.Join(m.root, name)
}

func supported() error {
	if runtime.GOOS == "windows" {
		return ErrUnsupported
	}
	return nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid endpoint name: %q", name)
	}
	return nil
}

// Configure creates a new endpoint named name.
//
// The agent writes the default config.yaml, which is then updated to carry
// the display name and debug flag. The user config template and the
// environment of the endpoint are written next to it.
func (m *Manager) Configure(ctx context.Context, name string, multiUser bool) error {
	if err := supported(); err != nil {
		return err
	}
	if err := validName(name); err != nil {
		return err
	}
	dir := m.dir(name)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, dir)
	} else if !errors.Is(err, os.ErrNotExist) {
		return xe.Wrap(err)
	}
	if err := os.MkdirAll(m.root, os.FileMode(0o700)); err != nil {
		return xe.Wrap(err)
	}

	actx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.agent.Configure(actx, m.root, name, multiUser); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, os.FileMode(0o700)); err != nil {
		return xe.Wrap(err)
	}

	if err := m.updateConfig(dir, name, multiUser); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, templateFile), []byte(userConfigTemplate), os.FileMode(0o644)); err != nil {
		return xe.Wrap(err)
	}
	if err := m.writeEnvironment(ctx, dir); err != nil {
		return err
	}
	m.logger.Printf("endpoint %s is configured in %s", name, dir)
	return nil
}

func (m *Manager) updateConfig(dir string, name string, multiUser bool) error {
	path := filepath.Join(dir, configFile)
	config := map[string]any{}
	if buf, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(buf, &config); err != nil {
			return xe.Kinded(xe.ErrConfigParse, "%s: %s", path, err)
		}
		if config == nil {
			config = map[string]any{}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return xe.Wrap(err)
	}

	config["display_name"] = name
	config["debug"] = true
	if multiUser {
		config["multi_user"] = true
	} else if _, ok := config["engine"]; !ok {
		config["engine"] = map[string]any{"type": "GlobusComputeEngine"}
	}

	buf, err := yaml.Marshal(config)
	if err != nil {
		return xe.Wrap(err)
	}
	return xe.Wrap(os.WriteFile(path, buf, os.FileMode(0o644)))
}

// writeEnvironment records PATH for processes of the endpoint: the
// directory of this program, and PATH of a clean login shell.
func (m *Manager) writeEnvironment(ctx context.Context, dir string) error {
	home, err := os.MkdirTemp("", "chiltepin_home_")
	if err != nil {
		return xe.Wrap(err)
	}
	defer os.RemoveAll(home)

	loginPath := os.Getenv("PATH")
	res, err := m.runner.Run(ctx, "env", "-i", "HOME="+home, "bash", "-l", "-c", "echo $PATH")
	if err == nil {
		loginPath = strings.TrimSpace(res.Stdout)
	} else {
		m.logger.Printf("login PATH is not captured, using the current one: %s", err)
	}
	if exe, err := os.Executable(); err == nil {
		loginPath = filepath.Dir(exe) + string(os.PathListSeparator) + loginPath
	}

	f, err := os.OpenFile(
		filepath.Join(dir, environmentFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, os.FileMode(0o644),
	)
	if err != nil {
		return xe.Wrap(err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "PATH: %s\n", loginPath)
	return xe.Wrap(err)
}

// List returns configured endpoints keyed by name.
func (m *Manager) List(ctx context.Context) (map[string]Info, error) {
	entries, err := os.ReadDir(m.root)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Info{}, nil
	} else if err != nil {
		return nil, xe.Wrap(err)
	}

	infos := map[string]Info{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.root, e.Name(), configFile)); err != nil {
			continue
		}
		infos[e.Name()] = Info{State: Initialized}
	}
	if len(infos) == 0 {
		return infos, nil
	}

	actx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	known, err := m.agent.List(actx, m.root)
	if err != nil {
		return nil, err
	}
	for name := range infos {
		if info, ok := known[name]; ok {
			infos[name] = info
		}
	}
	return infos, nil
}

func (m *Manager) info(ctx context.Context, name string) (Info, error) {
	if err := validName(name); err != nil {
		return Info{}, err
	}
	infos, err := m.List(ctx)
	if err != nil {
		return Info{}, err
	}
	info, ok := infos[name]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return info, nil
}

func (m *Manager) loggedIn() error {
	if m.credentials == nil || m.credentials.Valid(tokens.Compute) {
		return nil
	}
	return xe.Kinded(xe.ErrAgent, "chiltepin login is required")
}

func expect(name string, info Info, states ...State) error {
	for _, s := range states {
		if info.State == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is %s", ErrState, name, info.State)
}

// Start launches an Initialized or Stopped endpoint, and waits until it is
// Running.
//
// If the agent writes to stderr before the endpoint is Running, it is taken
// as a failure and the output is reported.
func (m *Manager) Start(ctx context.Context, name string) error {
	if err := supported(); err != nil {
		return err
	}
	if err := m.loggedIn(); err != nil {
		return err
	}
	info, err := m.info(ctx, name)
	if err != nil {
		return err
	}
	if err := expect(name, info, Initialized, Stopped); err != nil {
		return err
	}

	f, err := os.CreateTemp("", "chiltepin_start_"+name+"_*.err")
	if err != nil {
		return xe.Wrap(err)
	}
	stderr := f.Name()
	f.Close()
	defer os.Remove(stderr)

	if err := m.agent.Start(ctx, m.root, name, stderr); err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, m.startTimeout)
	defer cancel()
	_, err = retry.Blocking(wctx, retry.StaticBackoff(m.interval), func() (struct{}, error) {
		info, err := m.info(wctx, name)
		if err == nil && info.State == Running {
			return struct{}{}, nil
		}
		if msg := startupErrors(stderr); msg != "" {
			return struct{}{}, xe.Kinded(xe.ErrAgent, "endpoint %s failed to start:\n%s", name, msg)
		}
		return struct{}{}, retry.ErrRetry
	})
	switch {
	case err == nil:
		m.logger.Printf("endpoint %s is running", name)
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		msg := fmt.Sprintf("endpoint %s is not running in %s", name, m.startTimeout)
		if errout := startupErrors(stderr); errout != "" {
			msg += "\n\nstartup errors:\n" + errout
		}
		return xe.Kinded(xe.ErrTimeout, "%s", msg)
	default:
		return err
	}
}

// startupErrors reads the head of the stderr of starting agent.
func startupErrors(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	buf, _ := io.ReadAll(io.LimitReader(f, 10*1024))
	return strings.TrimSpace(string(buf))
}

// Stop stops a Running endpoint, and waits until it is not Running.
func (m *Manager) Stop(ctx context.Context, name string) error {
	if err := supported(); err != nil {
		return err
	}
	if err := m.loggedIn(); err != nil {
		return err
	}
	info, err := m.info(ctx, name)
	if err != nil {
		return err
	}
	if err := expect(name, info, Running); err != nil {
		return err
	}

	actx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.agent.Stop(actx, m.root, name); err != nil {
		return err
	}
	_, err = retry.Blocking(actx, retry.StaticBackoff(m.interval), func() (struct{}, error) {
		info, err := m.info(actx, name)
		if err != nil {
			return struct{}{}, err
		}
		if info.State == Running {
			return struct{}{}, retry.ErrRetry
		}
		return struct{}{}, nil
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return xe.Kinded(xe.ErrTimeout, "endpoint %s is still running after %s", name, m.timeout)
	}
	if err != nil {
		return err
	}
	m.logger.Printf("endpoint %s is stopped", name)
	return nil
}

// Delete removes an endpoint which is not running.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := supported(); err != nil {
		return err
	}
	info, err := m.info(ctx, name)
	if err != nil {
		return err
	}
	if err := expect(name, info, Initialized, Stopped); err != nil {
		return err
	}

	actx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.agent.Delete(actx, m.root, name); err != nil {
		return err
	}
	if err := os.RemoveAll(m.dir(name)); err != nil {
		return xe.Wrap(err)
	}
	m.logger.Printf("endpoint %s is deleted", name)
	return nil
}
