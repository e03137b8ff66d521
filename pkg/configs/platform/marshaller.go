package platform

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	xe "github.com/opst/chiltepin/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ConfigMarshall is the whole configuration file, keyed by platform.
type ConfigMarshall map[string]*PlatformMarshall

type PlatformMarshall struct {
	RunDir    string            `yaml:"run_dir,omitempty"`
	Resources ResourcesMarshall `yaml:"resources"`
}

// ResourcesMarshall is a mapping from resource name to resource,
// keeping the order of the document.
type ResourcesMarshall []NamedResourceMarshall

type NamedResourceMarshall struct {
	Name     string
	Resource *ResourceMarshall
}

func (rs *ResourcesMarshall) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: resources should be a mapping", node.Line)
	}
	out := ResourcesMarshall{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		r := new(ResourceMarshall)
		if err := v.Decode(r); err != nil {
			return err
		}
		out = append(out, NamedResourceMarshall{Name: k.Value, Resource: r})
	}
	*rs = out
	return nil
}

func (rs ResourcesMarshall) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, r := range rs {
		v := new(yaml.Node)
		if err := v.Encode(r.Resource); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: r.Name}, v)
	}
	return node, nil
}

type ResourceMarshall struct {
	Kind     string `yaml:"kind,omitempty"`
	MPI      *bool  `yaml:"mpi,omitempty"`
	Provider string `yaml:"provider,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`

	Partition string `yaml:"partition,omitempty"`
	Account   string `yaml:"account,omitempty"`
	Queue     string `yaml:"queue,omitempty"`
	Walltime  string `yaml:"walltime,omitempty"`
	Exclusive *bool  `yaml:"exclusive,omitempty"`

	CoresPerNode       int `yaml:"cores_per_node,omitempty"`
	NodesPerBlock      int `yaml:"nodes_per_block,omitempty"`
	CoresPerWorker     int `yaml:"cores_per_worker,omitempty"`
	MaxWorkersPerNode  int `yaml:"max_workers_per_node,omitempty"`
	MaxWorkersPerBlock int `yaml:"max_workers_per_block,omitempty"`
	MaxMPIApps         int `yaml:"max_mpi_apps,omitempty"`

	MinBlocks  *int `yaml:"min_blocks,omitempty"`
	MaxBlocks  *int `yaml:"max_blocks,omitempty"`
	InitBlocks *int `yaml:"init_blocks,omitempty"`

	MPILauncher string   `yaml:"mpi_launcher,omitempty"`
	Environment []string `yaml:"environment,omitempty"`

	IdleTimeout     string `yaml:"idle_timeout,omitempty"`
	StartTimeout    string `yaml:"start_timeout,omitempty"`
	DrainMargin     string `yaml:"drain_margin,omitempty"`
	Backfill        *bool  `yaml:"backfill,omitempty"`
	StarvationLimit string `yaml:"starvation_limit,omitempty"`

	Image       string `yaml:"image,omitempty"`
	Namespace   string `yaml:"namespace,omitempty"`
	Kubeconfig  string `yaml:"kubeconfig,omitempty"`
	KubeContext string `yaml:"kube_context,omitempty"`
}

const (
	DefaultWalltime        = "00:10:00"
	DefaultIdleTimeout     = 120 * time.Second
	DefaultStartTimeout    = 600 * time.Second
	DefaultDrainMargin     = 60 * time.Second
	DefaultStarvationLimit = 300 * time.Second
	DefaultNamespace       = "default"
)

// Seal validates the platform named name and applies defaults.
//
// Errors wrap errors.ErrConfigParse.
func (c ConfigMarshall) Seal(name string) (*Platform, error) {
	p, ok := c[name]
	if !ok || p == nil {
		known := make([]string, 0, len(c))
		for k := range c {
			known = append(known, k)
		}
		return nil, xe.Kinded(xe.ErrConfigParse, "platform %q is not configured (known: %s)", name, strings.Join(known, ", "))
	}
	return p.Seal(name)
}

func (p *PlatformMarshall) Seal(name string) (*Platform, error) {
	out := &Platform{name: name, runDir: p.RunDir}
	seen := map[string]struct{}{}
	for _, r := range p.Resources {
		if _, ok := seen[r.Name]; ok {
			return nil, xe.Kinded(xe.ErrConfigParse, "%s: resource %q is declared twice", name, r.Name)
		}
		seen[r.Name] = struct{}{}
		res, err := r.Resource.seal(fmt.Sprintf("%s.resources.%s", name, r.Name), r.Name)
		if err != nil {
			return nil, err
		}
		out.resources = append(out.resources, res)
	}
	return out, nil
}

// Seal a standalone resource.
func (r *ResourceMarshall) Seal(name string) (*Resource, error) {
	return r.seal(name, name)
}

func (r *ResourceMarshall) seal(path string, name string) (*Resource, error) {
	if r == nil {
		r = &ResourceMarshall{}
	}
	fail := func(format string, args ...any) (*Resource, error) {
		return nil, xe.Kinded(xe.ErrConfigParse, "%s: %s", path, fmt.Sprintf(format, args...))
	}

	out := &Resource{
		name:      name,
		provider:  r.Provider,
		endpoint:  r.Endpoint,
		partition: r.Partition,
		account:   r.Account,
		queue:     r.Queue,
		walltime:  r.Walltime,
		image:     r.Image,
		namespace: r.Namespace,

		kubeconfig:  r.Kubeconfig,
		kubeContext: r.KubeContext,

		coresPerNode:      orDefault(r.CoresPerNode, 1),
		nodesPerBlock:     orDefault(r.NodesPerBlock, 1),
		coresPerWorker:    orDefault(r.CoresPerWorker, 1),
		maxWorkersPerNode: r.MaxWorkersPerNode,

		environment: append([]string{}, r.Environment...),
	}

	switch r.Kind {
	case "", string(SingleProcess):
		out.kind = SingleProcess
		if r.MPI != nil && *r.MPI {
			out.kind = MPI
		}
	case string(MPI):
		out.kind = MPI
	case "flux":
		out.kind = MPI
		out.launcher = "flux"
	default:
		return fail("unknown kind %q (single-process, mpi or flux)", r.Kind)
	}
	if r.Endpoint != "" {
		out.kind = Remote
	}

	switch r.Provider {
	case "":
		out.provider = Localhost
	case Localhost, Slurm, PBSPro, Kubernetes:
	default:
		return fail("unknown provider %q", r.Provider)
	}

	if out.launcher == "" {
		switch {
		case r.MPILauncher != "":
			out.launcher = r.MPILauncher
		case out.provider == Slurm:
			out.launcher = "srun"
		default:
			out.launcher = "mpiexec"
		}
	}

	for field, v := range map[string]int{
		"cores_per_node":        r.CoresPerNode,
		"nodes_per_block":       r.NodesPerBlock,
		"cores_per_worker":      r.CoresPerWorker,
		"max_workers_per_node":  r.MaxWorkersPerNode,
		"max_workers_per_block": r.MaxWorkersPerBlock,
		"max_mpi_apps":          r.MaxMPIApps,
	} {
		if v < 0 {
			return fail("%s should not be negative: %d", field, v)
		}
	}

	out.maxWorkersPerBlock = 1
	if 0 < r.MaxWorkersPerBlock {
		out.maxWorkersPerBlock = r.MaxWorkersPerBlock
	} else if 0 < r.MaxMPIApps {
		out.maxWorkersPerBlock = r.MaxMPIApps
	}

	out.minBlocks = derefOr(r.MinBlocks, 0)
	out.maxBlocks = derefOr(r.MaxBlocks, 1)
	out.initBlocks = derefOr(r.InitBlocks, 0)
	if out.minBlocks < 0 || out.maxBlocks < 0 || out.initBlocks < 0 {
		return fail("block counts should not be negative")
	}
	if out.maxBlocks < out.minBlocks {
		return fail("min_blocks (%d) is larger than max_blocks (%d)", out.minBlocks, out.maxBlocks)
	}
	if out.maxBlocks < out.initBlocks {
		out.initBlocks = out.maxBlocks
	}
	if out.kind != Remote && out.Workers() < 1 {
		return fail("a block has no room for a worker (cores_per_node x nodes_per_block < cores_per_worker)")
	}

	if out.walltime == "" {
		out.walltime = DefaultWalltime
	}
	if _, err := ParseWalltime(out.walltime); err != nil {
		return fail("walltime: %s", err)
	}

	out.exclusive = out.provider == Slurm
	if r.Exclusive != nil {
		out.exclusive = *r.Exclusive
	}
	out.backfill = true
	if r.Backfill != nil {
		out.backfill = *r.Backfill
	}

	var err error
	for _, d := range []struct {
		name   string
		value  string
		dflt   time.Duration
		target *time.Duration
	}{
		{"idle_timeout", r.IdleTimeout, DefaultIdleTimeout, &out.idleTimeout},
		{"start_timeout", r.StartTimeout, DefaultStartTimeout, &out.startTimeout},
		{"drain_margin", r.DrainMargin, DefaultDrainMargin, &out.drainMargin},
		{"starvation_limit", r.StarvationLimit, DefaultStarvationLimit, &out.starvationLimit},
	} {
		if *d.target, err = durationOr(d.value, d.dflt); err != nil {
			return fail("%s: %s", d.name, err)
		}
	}

	if out.provider == Kubernetes {
		if out.image == "" {
			return fail("image is required for kubernetes")
		}
		if out.namespace == "" {
			out.namespace = DefaultNamespace
		}
	}

	return out, nil
}

// ParseWalltime reads walltime in the batch system notation:
// "MM", "MM:SS", "HH:MM:SS" or "D-HH:MM:SS".
func ParseWalltime(s string) (time.Duration, error) {
	days := 0
	rest := s
	if d, r, ok := strings.Cut(s, "-"); ok {
		n, err := strconv.Atoi(d)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("malformed walltime %q", s)
		}
		days, rest = n, r
	}
	parts := strings.Split(rest, ":")
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("malformed walltime %q", s)
		}
		nums[i] = n
	}
	var h, m, sec int
	switch len(nums) {
	case 1:
		m = nums[0]
	case 2:
		m, sec = nums[0], nums[1]
	case 3:
		h, m, sec = nums[0], nums[1], nums[2]
	default:
		return 0, fmt.Errorf("malformed walltime %q", s)
	}
	return time.Duration(days)*24*time.Hour +
		time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second, nil
}

func orDefault(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

func derefOr(v *int, d int) int {
	if v == nil {
		return d
	}
	return *v
}

func durationOr(s string, d time.Duration) (time.Duration, error) {
	if s == "" {
		return d, nil
	}
	return time.ParseDuration(s)
}

// Parse reads a configuration document and seals the platform named platform.
func Parse(content []byte, platform string) (*Platform, error) {
	c := ConfigMarshall{}
	if err := yaml.Unmarshal(content, &c); err != nil {
		return nil, xe.Kinded(xe.ErrConfigParse, "%s", err)
	}
	return c.Seal(platform)
}

// LoadPlatformConfig reads the configuration file at filepath.
func LoadPlatformConfig(filepath string, platform string) (*Platform, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	return Parse(content, platform)
}

// Local is the platform with no resources.
func Local() *Platform {
	return &Platform{name: "local"}
}

// LocalResource is the default single-process pool on this host.
func LocalResource(name string) *Resource {
	r, _ := (&ResourceMarshall{}).Seal(name)
	return r
}
