package platform_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opst/chiltepin/pkg/configs/platform"
	xe "github.com/opst/chiltepin/pkg/errors"
	"github.com/opst/chiltepin/pkg/utils/try"
	"github.com/stretchr/testify/require"
)

const document = `
hera:
  run_dir: /scratch/runinfo
  resources:
    service:
      provider: slurm
      partition: service
      account: nems
      cores_per_node: 4
      environment:
        - module load intel
        - export FOO=bar
    compute:
      kind: mpi
      provider: slurm
      partition: hera
      qos: batch
      nodes_per_block: 3
      cores_per_node: 40
      max_workers_per_block: 2
      max_blocks: 2
      walltime: "01:00:00"
      backfill: false
      starvation_limit: 10m
    flux:
      kind: flux
      nodes_per_block: 2
    legacy:
      mpi: true
      max_mpi_apps: 3
    remote:
      endpoint: 0c8f6d2c-9e5e-4a07-b1b8-8c0a7a5d9a11
local:
  resources: {}
`

func TestParse(t *testing.T) {
	p := try.To(platform.Parse([]byte(document), "hera")).OrFatal(t)

	t.Run("it keeps platform attributes", func(t *testing.T) {
		if p.Name() != "hera" || p.RunDir() != "/scratch/runinfo" {
			t.Errorf("(name, run_dir) = (%s, %s)", p.Name(), p.RunDir())
		}
	})

	t.Run("it keeps the order of resources", func(t *testing.T) {
		names := []string{}
		for _, r := range p.Resources() {
			names = append(names, r.Name())
		}
		require.Equal(t, []string{"service", "compute", "flux", "legacy", "remote"}, names)
	})

	t.Run("a single-process resource gets defaults", func(t *testing.T) {
		r, ok := p.Resource("service")
		require.True(t, ok)
		require.Equal(t, platform.SingleProcess, r.Kind())
		require.Equal(t, platform.Slurm, r.Provider())
		require.Equal(t, "service", r.Partition())
		require.Equal(t, "nems", r.Account())
		require.Equal(t, 4, r.Workers())
		require.Equal(t, 0, r.MinBlocks())
		require.Equal(t, 1, r.MaxBlocks())
		require.Equal(t, 0, r.InitBlocks())
		require.Equal(t, "00:10:00", r.Walltime())
		require.Equal(t, 10*time.Minute, r.WalltimeDuration())
		require.True(t, r.Exclusive())
		require.Equal(t, "srun", r.Launcher())
		require.Equal(t, []string{"module load intel", "export FOO=bar"}, r.Environment())
		require.Equal(t, platform.DefaultIdleTimeout, r.IdleTimeout())
	})

	t.Run("an mpi resource has workers by max_workers_per_block", func(t *testing.T) {
		r, _ := p.Resource("compute")
		require.Equal(t, platform.MPI, r.Kind())
		require.Equal(t, 2, r.Workers())
		require.Equal(t, 3, r.NodesPerBlock())
		require.Equal(t, 2, r.MaxBlocks())
		require.Equal(t, time.Hour, r.WalltimeDuration())
		require.False(t, r.Backfill())
		require.Equal(t, 10*time.Minute, r.StarvationLimit())
	})

	t.Run("flux is an mpi resource launched by flux", func(t *testing.T) {
		r, _ := p.Resource("flux")
		require.Equal(t, platform.MPI, r.Kind())
		require.Equal(t, "flux", r.Launcher())
		require.Equal(t, platform.Localhost, r.Provider())
	})

	t.Run("legacy mpi flag and max_mpi_apps are honoured", func(t *testing.T) {
		r, _ := p.Resource("legacy")
		require.Equal(t, platform.MPI, r.Kind())
		require.Equal(t, 3, r.MaxWorkersPerBlock())
		require.Equal(t, "mpiexec", r.Launcher())
	})

	t.Run("a resource with endpoint is remote", func(t *testing.T) {
		r, _ := p.Resource("remote")
		require.Equal(t, platform.Remote, r.Kind())
		require.Equal(t, "0c8f6d2c-9e5e-4a07-b1b8-8c0a7a5d9a11", r.Endpoint())
	})
}

func TestParse_Errors(t *testing.T) {
	theory := func(doc string, platformName string) func(*testing.T) {
		return func(t *testing.T) {
			_, err := platform.Parse([]byte(doc), platformName)
			if !errors.Is(err, xe.ErrConfigParse) {
				t.Errorf("expected config-parse-error, got %v", err)
			}
		}
	}

	t.Run("unknown platform", theory(document, "orion"))
	t.Run("broken yaml", theory("hera: [", "hera"))
	t.Run("unknown kind", theory("p:\n  resources:\n    r:\n      kind: gpu\n", "p"))
	t.Run("unknown provider", theory("p:\n  resources:\n    r:\n      provider: lsf\n", "p"))
	t.Run("min over max", theory("p:\n  resources:\n    r:\n      min_blocks: 3\n      max_blocks: 1\n", "p"))
	t.Run("broken walltime", theory("p:\n  resources:\n    r:\n      walltime: ten minutes\n", "p"))
	t.Run("broken duration", theory("p:\n  resources:\n    r:\n      idle_timeout: soon\n", "p"))
	t.Run("no room for a worker", theory("p:\n  resources:\n    r:\n      cores_per_worker: 2\n", "p"))
	t.Run("kubernetes without image", theory("p:\n  resources:\n    r:\n      provider: kubernetes\n", "p"))
	t.Run("duplicated resource", theory("p:\n  resources:\n    r: {}\n    r: {}\n", "p"))
}

func TestLoadPlatformConfig(t *testing.T) {
	t.Run("it reads a file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte(document), 0o644); err != nil {
			t.Fatal(err)
		}
		p := try.To(platform.LoadPlatformConfig(path, "local")).OrFatal(t)
		if len(p.Resources()) != 0 {
			t.Errorf("resources: %v", p.Resources())
		}
	})

	t.Run("a missing file is an error", func(t *testing.T) {
		if _, err := platform.LoadPlatformConfig(filepath.Join(t.TempDir(), "none.yaml"), "p"); err == nil {
			t.Errorf("no error")
		}
	})
}

func TestParse_Kubernetes(t *testing.T) {
	doc := `
cloud:
  resources:
    default:
      provider: kubernetes
      image: ghcr.io/example/worker:1.0
    other:
      provider: kubernetes
      image: ghcr.io/example/worker:1.0
      namespace: workflows
      kubeconfig: /etc/chiltepin/kubeconfig
      kube_context: ursa
`
	p := try.To(platform.Parse([]byte(doc), "cloud")).OrFatal(t)
	def, ok := p.Resource("default")
	require.True(t, ok)
	require.Equal(t, platform.DefaultNamespace, def.Namespace())
	require.Equal(t, "", def.Kubeconfig())
	require.Equal(t, "", def.KubeContext())

	other, ok := p.Resource("other")
	require.True(t, ok)
	require.Equal(t, "workflows", other.Namespace())
	require.Equal(t, "/etc/chiltepin/kubeconfig", other.Kubeconfig())
	require.Equal(t, "ursa", other.KubeContext())
}

func TestParseWalltime(t *testing.T) {
	for when, then := range map[string]time.Duration{
		"30":         30 * time.Minute,
		"10:30":      10*time.Minute + 30*time.Second,
		"01:00:00":   time.Hour,
		"1-00:00:00": 24 * time.Hour,
	} {
		actual := try.To(platform.ParseWalltime(when)).OrFatal(t)
		if actual != then {
			t.Errorf("ParseWalltime(%q) = %s, want %s", when, actual, then)
		}
	}
}
