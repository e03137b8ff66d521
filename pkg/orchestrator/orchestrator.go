// Package orchestrator wires pools, provisioners, the dispatcher and the
// task graph of one platform, and submits tasks to them.
//
//	o, err := orchestrator.Load("config.yaml", "hera")
//	...
//	if err := o.Start(ctx); err != nil { ... }
//	defer o.Shutdown()
//
//	h := o.Shell("echo {{.name}}", task.WithArg("name", "world"), task.WithCapability("service"))
//	code, err := h.Await(ctx)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/opst/chiltepin/pkg/auth/tokens"
	"github.com/opst/chiltepin/pkg/batch"
	"github.com/opst/chiltepin/pkg/batch/kubernetes"
	"github.com/opst/chiltepin/pkg/batch/local"
	"github.com/opst/chiltepin/pkg/batch/pbspro"
	"github.com/opst/chiltepin/pkg/batch/slurm"
	"github.com/opst/chiltepin/pkg/compute"
	"github.com/opst/chiltepin/pkg/configs/platform"
	"github.com/opst/chiltepin/pkg/dispatch"
	xe "github.com/opst/chiltepin/pkg/errors"
	"github.com/opst/chiltepin/pkg/kubeutil"
	"github.com/opst/chiltepin/pkg/metrics"
	"github.com/opst/chiltepin/pkg/monitor"
	"github.com/opst/chiltepin/pkg/pool"
	"github.com/opst/chiltepin/pkg/pool/remote"
	"github.com/opst/chiltepin/pkg/provision"
	"github.com/opst/chiltepin/pkg/rest"
	"github.com/opst/chiltepin/pkg/task"
	"github.com/opst/chiltepin/pkg/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	k8s "k8s.io/client-go/kubernetes"
)

// LocalPool is the name of the pool on this host which every orchestrator
// has.
const LocalPool = "local"

const (
	EnvRunDir      = "CHILTEPIN_RUN_DIR"
	EnvHome        = "CHILTEPIN_HOME"
	EnvComputeURL  = "CHILTEPIN_COMPUTE_URL"
	EnvTransferURL = "CHILTEPIN_TRANSFER_URL"
)

var ErrStarted = errors.New("orchestrator has been started already")

type config struct {
	include  []string
	runDir   string
	logger   *log.Logger
	recorder monitor.Recorder
	compute  compute.Client
	gateway  *transfer.Gateway
	adapters map[string]batch.Adapter
	k8s      k8s.Interface
	policy   func(*provision.Policy)
}

type Option func(*config)

// WithInclude registers only the named resources, and the local pool.
func WithInclude(names ...string) Option {
	return func(c *config) { c.include = append(c.include, names...) }
}

// WithRunDir sets the directory for block scripts, heartbeats and outputs
// of block jobs.
//
// Otherwise, it is $CHILTEPIN_RUN_DIR, run_dir of the platform or
// ./runinfo/<timestamp>, in this order.
func WithRunDir(dir string) Option {
	return func(c *config) { c.runDir = dir }
}

func WithLogger(l *log.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithRecorder records events of tasks and blocks to rec.
// By default, they are recorded in memory.
func WithRecorder(rec monitor.Recorder) Option {
	return func(c *config) { c.recorder = rec }
}

// WithComputeClient sets the client of remote endpoint pools.
func WithComputeClient(cl compute.Client) Option {
	return func(c *config) { c.compute = cl }
}

// WithTransferGateway sets the gateway of TransferAsync and DeleteAsync.
func WithTransferGateway(g *transfer.Gateway) Option {
	return func(c *config) { c.gateway = g }
}

// WithAdapter replaces the batch adapter of the provider.
func WithAdapter(provider string, a batch.Adapter) Option {
	return func(c *config) { c.adapters[provider] = a }
}

// WithKubernetes sets the client of kubernetes-provided pools.
// By default, it is built from kubeconfig.
func WithKubernetes(client k8s.Interface) Option {
	return func(c *config) { c.k8s = client }
}

// WithPolicy modifies provisioning policies of all pools.
func WithPolicy(fn func(*provision.Policy)) Option {
	return func(c *config) { c.policy = fn }
}

type Orchestrator struct {
	platform *platform.Platform
	runDir   string
	logger   *log.Logger

	registry   *dispatch.Registry
	graph      *task.Graph
	registerer *prometheus.Registry
	metrics    *metrics.Metrics
	recorder   *monitor.Async
	gateway    *transfer.Gateway

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	recorded chan struct{}
}

// Load reads the platform from the configuration file, and creates an
// orchestrator of it.
func Load(path string, platformName string, options ...Option) (*Orchestrator, error) {
	p, err := platform.LoadPlatformConfig(path, platformName)
	if err != nil {
		return nil, err
	}
	return New(p, options...)
}

// New creates an orchestrator of the platform. A nil platform has the local
// pool only.
//
// Errors on resources wrap errors.ErrConfigParse.
func New(p *platform.Platform, options ...Option) (*Orchestrator, error) {
	if p == nil {
		p = platform.Local()
	}
	c := &config{adapters: map[string]batch.Adapter{}}
	for _, opt := range options {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.New(io.Discard, "", 0)
	}
	if c.recorder == nil {
		c.recorder = monitor.NewMemory()
	}

	o := &Orchestrator{
		platform:   p,
		runDir:     runDirOf(c.runDir, p),
		logger:     logger(c.logger, "[orchestrator] "),
		registry:   dispatch.NewRegistry(),
		registerer: prometheus.NewRegistry(),
		recorder:   monitor.NewAsync(c.recorder, logger(c.logger, "[monitor] ")),
	}
	o.metrics = metrics.New(o.registerer)
	o.graph = task.NewGraph(
		dispatch.New(o.registry, dispatch.WithLogger(logger(c.logger, "[dispatcher] "))),
		task.WithLogger(logger(c.logger, "[graph] ")),
		task.WithObserver(func(h *task.Handle) {
			o.recorder.Record(context.Background(), monitor.TaskRecordOf(h))
		}),
	)

	resources, err := selectResources(p, c.include)
	if err != nil {
		return nil, err
	}
	for _, res := range resources {
		pl, err := o.newPool(c, res)
		if err != nil {
			return nil, err
		}
		if err := o.registry.Register(pl); err != nil {
			return nil, err
		}
	}

	o.gateway = c.gateway
	if o.gateway == nil {
		o.gateway = transfer.New(
			transfer.NewClient(envOr(EnvTransferURL, transfer.DefaultURL), rest.WithToken(tokenOf(tokens.Transfer))),
			transfer.WithLogger(logger(c.logger, "[transfer] ")),
		)
	}
	return o, nil
}

// selectResources returns resources to be pools: included ones, and the
// local pool.
func selectResources(p *platform.Platform, include []string) ([]*platform.Resource, error) {
	for _, name := range include {
		if _, ok := p.Resource(name); !ok && name != LocalPool {
			return nil, xe.Kinded(xe.ErrConfigParse, "%s: resource %q is not configured", p.Name(), name)
		}
	}
	resources := []*platform.Resource{}
	for _, res := range p.Resources() {
		if len(include) != 0 && res.Name() != LocalPool && !slices.Contains(include, res.Name()) {
			continue
		}
		resources = append(resources, res)
	}
	if _, ok := p.Resource(LocalPool); !ok {
		resources = append(resources, platform.LocalResource(LocalPool))
	}
	return resources, nil
}

func (o *Orchestrator) newPool(c *config, res *platform.Resource) (pool.Pool, error) {
	if res.Kind() == platform.Remote {
		client := c.compute
		if client == nil {
			client = compute.New(envOr(EnvComputeURL, compute.DefaultURL), rest.WithToken(tokenOf(tokens.Compute)))
		}
		return remote.New(
			res, client,
			remote.WithLogger(logger(c.logger, fmt.Sprintf("[pool:%s] ", res.Name()))),
			remote.WithMetrics(o.metrics),
		), nil
	}

	adapter, err := c.adapter(res)
	if err != nil {
		return nil, err
	}
	policy := provision.PolicyOf(res)
	if c.policy != nil {
		c.policy(&policy)
	}
	prov := provision.New(
		res.Name(), adapter, policy,
		provision.WithJob(provision.JobOf(res)),
		provision.WithDir(filepath.Join(o.runDir, res.Name())),
		provision.WithLogger(logger(c.logger, fmt.Sprintf("[provisioner:%s] ", res.Name()))),
		provision.WithMetrics(o.metrics),
		provision.WithObserver(func(name string, b provision.Block) {
			o.recorder.Record(context.Background(), monitor.BlockRecordOf(name, b))
		}),
	)

	options := []pool.Option{
		pool.WithLogger(logger(c.logger, fmt.Sprintf("[pool:%s] ", res.Name()))),
		pool.WithMetrics(o.metrics),
	}
	if res.Kind() == platform.MPI {
		return pool.NewMPI(res, prov, adapter, options...), nil
	}
	return pool.NewSingle(res, prov, adapter, options...), nil
}

func (c *config) adapter(res *platform.Resource) (batch.Adapter, error) {
	if a, ok := c.adapters[res.Provider()]; ok {
		return a, nil
	}
	l := logger(c.logger, fmt.Sprintf("[%s:%s] ", res.Provider(), res.Name()))
	switch res.Provider() {
	case platform.Localhost:
		return local.New(local.WithLogger(l)), nil
	case platform.Slurm:
		return slurm.New(slurm.WithLogger(l)), nil
	case platform.PBSPro:
		return pbspro.New(pbspro.WithLogger(l)), nil
	case platform.Kubernetes:
		client := c.k8s
		if client == nil {
			cluster := kubeutil.Cluster{Kubeconfig: res.Kubeconfig(), Context: res.KubeContext()}
			cs, err := cluster.Connect()
			if err != nil {
				return nil, xe.WrapWithNote("resource "+res.Name(), err)
			}
			client = cs
		}
		return kubernetes.New(client, res.Namespace(), kubernetes.WithLogger(l)), nil
	default:
		return nil, xe.Kinded(xe.ErrConfigParse, "resource %s: unknown provider %q", res.Name(), res.Provider())
	}
}

func runDirOf(dir string, p *platform.Platform) string {
	switch {
	case dir != "":
		return dir
	case os.Getenv(EnvRunDir) != "":
		return os.Getenv(EnvRunDir)
	case p.RunDir() != "":
		return p.RunDir()
	default:
		return filepath.Join("runinfo", time.Now().Format("20060102-150405"))
	}
}

func logger(base *log.Logger, prefix string) *log.Logger {
	return log.New(base.Writer(), prefix, base.Flags())
}

func envOr(key, dflt string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return dflt
}

// tokenOf reads the access token of the service from the token store,
// every time it is needed.
func tokenOf(service string) rest.TokenSource {
	return func() (string, error) {
		path, err := tokens.DefaultPath(os.Getenv(EnvHome))
		if err != nil {
			return "", err
		}
		toks, err := tokens.New(path).Load()
		if err != nil {
			return "", err
		}
		return toks[service].AccessToken, nil
	}
}

func (o *Orchestrator) Platform() *platform.Platform {
	return o.platform
}

func (o *Orchestrator) RunDir() string {
	return o.runDir
}

// Pools returns names of pools in the order of registration.
func (o *Orchestrator) Pools() []string {
	return o.registry.Names()
}

// Recorder returns records of tasks and blocks of the orchestrator.
func (o *Orchestrator) Recorder() monitor.Recorder {
	return o.recorder
}

// Gatherer returns metrics of pools and provisioners.
func (o *Orchestrator) Gatherer() prometheus.Gatherer {
	return o.registerer
}

// Start runs pools and their provisioners in background.
//
// They run until ctx is done or Shutdown is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return ErrStarted
	}
	o.started = true

	if err := os.MkdirAll(o.runDir, os.FileMode(0o755)); err != nil {
		return xe.Wrap(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.recorded = make(chan struct{})
	go func() {
		defer close(o.recorded)
		o.recorder.Start(ctx)
	}()

	group, gctx := errgroup.WithContext(ctx)
	for _, p := range o.registry.Pools() {
		group.Go(func() error {
			if err := p.Start(gctx); err != nil {
				o.logger.Printf("pool %s has stopped: %s", p.Name(), err)
				return err
			}
			return nil
		})
	}
	o.group = group
	o.logger.Printf("started with pools %v (run dir: %s)", o.registry.Names(), o.runDir)
	return nil
}

// Shutdown stops pools. Waiting tasks get cancelled, running tasks are
// interrupted, and all blocks are released.
//
// It returns after all of them are done, with the first error of pools.
func (o *Orchestrator) Shutdown() error {
	o.mu.Lock()
	if !o.started || o.stopped {
		o.stopped = true
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	o.mu.Unlock()

	o.cancel()
	err := o.group.Wait()

	// tasks which are not dispatched yet
	o.graph.CancelAll()

	o.recorder.Close(false)
	<-o.recorded
	o.logger.Printf("shut down")
	return err
}

// Submit puts a task into the task graph.
func (o *Orchestrator) Submit(d task.Descriptor) *task.Handle {
	return o.graph.Submit(d)
}

// Shell submits a shell task. The command is a text/template, rendered with
// arguments of the task.
func (o *Orchestrator) Shell(command string, options ...task.Option) *task.Handle {
	return o.Submit(task.Shell(command, options...))
}

// Func submits a task calling fn.
func (o *Orchestrator) Func(fn task.Fn, options ...task.Option) *task.Handle {
	return o.Submit(task.Func(fn, options...))
}

// Join submits a task which resolves as the handle returned by fn.
func (o *Orchestrator) Join(fn task.JoinFn, options ...task.Option) *task.Handle {
	return o.Submit(task.Join(fn, options...))
}

// MPI submits a shell task launched with the geometry.
func (o *Orchestrator) MPI(command string, numNodes, ranksPerNode, numRanks int, options ...task.Option) *task.Handle {
	options = append(options, task.WithMPI(numNodes, ranksPerNode, numRanks))
	return o.Shell(command, options...)
}

// TransferAsync runs a transfer as a task, on the local pool unless a
// capability is given.
//
// The value of the handle is whether the transfer has succeeded.
func (o *Orchestrator) TransferAsync(req transfer.TransferRequest, options ...task.Option) *task.Handle {
	options = append(
		[]task.Option{task.Named(fmt.Sprintf("transfer %s -> %s", req.Source, req.Destination))},
		options...,
	)
	options = append(options, onLocalPool)
	return o.Func(func(ctx context.Context, _ task.Args) (any, error) {
		return o.gateway.Transfer(ctx, req)
	}, options...)
}

// onLocalPool routes a task to the local pool unless a capability is given.
func onLocalPool(d *task.Descriptor) {
	if len(d.Capability) == 0 {
		d.Capability = []string{LocalPool}
	}
}

// DeleteAsync runs a deletion as a task, on the local pool unless a
// capability is given.
//
// The value of the handle is whether the deletion has succeeded.
func (o *Orchestrator) DeleteAsync(req transfer.DeleteRequest, options ...task.Option) *task.Handle {
	options = append(
		[]task.Option{task.Named(fmt.Sprintf("delete %s:%s", req.Endpoint, req.Path))},
		options...,
	)
	options = append(options, onLocalPool)
	return o.Func(func(ctx context.Context, _ task.Args) (any, error) {
		return o.gateway.Delete(ctx, req)
	}, options...)
}
