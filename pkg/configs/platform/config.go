// Package platform reads the YAML configuration which declares, per platform,
// the resources (pools) the orchestrator may use.
//
//	hera:
//	  run_dir: /scratch/me/runinfo
//	  resources:
//	    service:
//	      kind: single-process
//	      provider: slurm
//	      partition: service
//	      cores_per_node: 1
//	    compute:
//	      kind: mpi
//	      provider: slurm
//	      nodes_per_block: 3
//	      max_workers_per_block: 2
//	      environment:
//	        - module load intel
//
// Read it into Marshall structs, then seal them into immutable configs.
package platform

import (
	"fmt"
	"time"
)

type Kind string

const (
	SingleProcess Kind = "single-process"
	MPI           Kind = "mpi"
	Remote        Kind = "remote"
)

const (
	Localhost  = "localhost"
	Slurm      = "slurm"
	PBSPro     = "pbspro"
	Kubernetes = "kubernetes"
)

// Platform is the sealed configuration of one platform.
type Platform struct {
	name      string
	runDir    string
	resources []*Resource
}

func (p *Platform) Name() string {
	return p.name
}

// RunDir is where blocks keep scripts, heartbeats and logs. May be empty.
func (p *Platform) RunDir() string {
	return p.runDir
}

// Resources in the order they are written in the configuration.
func (p *Platform) Resources() []*Resource {
	return p.resources
}

func (p *Platform) Resource(name string) (*Resource, bool) {
	for _, r := range p.resources {
		if r.name == name {
			return r, true
		}
	}
	return nil, false
}

// Resource is the sealed configuration of one pool.
type Resource struct {
	name     string
	kind     Kind
	provider string
	endpoint string
	launcher string

	partition string
	account   string
	queue     string
	walltime  string
	exclusive bool

	coresPerNode       int
	nodesPerBlock      int
	coresPerWorker     int
	maxWorkersPerNode  int
	maxWorkersPerBlock int

	minBlocks  int
	maxBlocks  int
	initBlocks int

	environment []string

	idleTimeout     time.Duration
	startTimeout    time.Duration
	drainMargin     time.Duration
	backfill        bool
	starvationLimit time.Duration

	image       string
	namespace   string
	kubeconfig  string
	kubeContext string
}

func (r *Resource) Name() string { return r.name }
func (r *Resource) Kind() Kind   { return r.kind }

// Provider is one of localhost, slurm, pbspro and kubernetes.
func (r *Resource) Provider() string { return r.provider }

// Endpoint is the UUID of a remote endpoint. Set only for Remote resources.
func (r *Resource) Endpoint() string { return r.endpoint }

// Launcher is the MPI launcher (srun, mpiexec, flux).
func (r *Resource) Launcher() string { return r.launcher }

func (r *Resource) Partition() string { return r.partition }
func (r *Resource) Account() string   { return r.account }

// Queue is the QoS for slurm and the queue for pbspro.
func (r *Resource) Queue() string { return r.queue }

// Walltime of a block in the batch system notation (HH:MM:SS).
func (r *Resource) Walltime() string { return r.walltime }

func (r *Resource) WalltimeDuration() time.Duration {
	d, _ := ParseWalltime(r.walltime)
	return d
}

func (r *Resource) Exclusive() bool { return r.exclusive }

func (r *Resource) CoresPerNode() int   { return r.coresPerNode }
func (r *Resource) NodesPerBlock() int  { return r.nodesPerBlock }
func (r *Resource) CoresPerWorker() int { return r.coresPerWorker }

// MaxWorkersPerBlock is the number of MPI tasks which may share a block.
func (r *Resource) MaxWorkersPerBlock() int { return r.maxWorkersPerBlock }

// Workers is the capacity of a block: worker slots of a single-process pool,
// or concurrent tasks of an MPI pool.
func (r *Resource) Workers() int {
	if r.kind == MPI {
		return r.maxWorkersPerBlock
	}
	n := r.coresPerNode * r.nodesPerBlock / r.coresPerWorker
	if 0 < r.maxWorkersPerNode && r.maxWorkersPerNode*r.nodesPerBlock < n {
		n = r.maxWorkersPerNode * r.nodesPerBlock
	}
	return n
}

func (r *Resource) MinBlocks() int  { return r.minBlocks }
func (r *Resource) MaxBlocks() int  { return r.maxBlocks }
func (r *Resource) InitBlocks() int { return r.initBlocks }

// Environment is shell commands run before workers and tasks.
func (r *Resource) Environment() []string { return r.environment }

func (r *Resource) IdleTimeout() time.Duration     { return r.idleTimeout }
func (r *Resource) StartTimeout() time.Duration    { return r.startTimeout }
func (r *Resource) DrainMargin() time.Duration     { return r.drainMargin }
func (r *Resource) Backfill() bool                 { return r.backfill }
func (r *Resource) StarvationLimit() time.Duration { return r.starvationLimit }

// Image of worker containers. kubernetes only.
func (r *Resource) Image() string { return r.image }

// Namespace of worker jobs. kubernetes only.
func (r *Resource) Namespace() string { return r.namespace }

// Kubeconfig and KubeContext select the cluster. kubernetes only.
// Empty means the default of kubectl.
func (r *Resource) Kubeconfig() string  { return r.kubeconfig }
func (r *Resource) KubeContext() string { return r.kubeContext }

func (r *Resource) String() string {
	return fmt.Sprintf("%s (%s on %s)", r.name, r.kind, r.provider)
}
