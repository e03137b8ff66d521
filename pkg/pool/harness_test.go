package pool_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	ctxutil "github.com/opst/chiltepin/internal/testutils/context"
	"github.com/opst/chiltepin/pkg/batch"
	"github.com/opst/chiltepin/pkg/configs/platform"
	"github.com/opst/chiltepin/pkg/pool"
	"github.com/opst/chiltepin/pkg/provision"
	"github.com/opst/chiltepin/pkg/task"
	"github.com/opst/chiltepin/pkg/utils/try"
)

// fakeProvisioner hands blocks to the pool on demand of the test.
type fakeProvisioner struct {
	initial int

	mu       sync.Mutex
	demand   provision.Demand
	listener provision.Listener
	tasks    map[string]int
	drained  map[string]bool
}

func (f *fakeProvisioner) Attach(demand provision.Demand, listener provision.Listener) {
	f.demand = demand
	f.listener = listener
}

func (f *fakeProvisioner) Start(ctx context.Context) error {
	for i := 0; i < f.initial; i++ {
		f.run(fmt.Sprintf("block-%d", i))
	}
	<-ctx.Done()
	return nil
}

func (f *fakeProvisioner) run(id string) {
	f.listener.BlockRunning(provision.Block{ID: id, JobID: "job-" + id, State: provision.Running})
}

func (f *fakeProvisioner) drain(id string) {
	f.mu.Lock()
	if f.drained == nil {
		f.drained = map[string]bool{}
	}
	f.drained[id] = true
	f.mu.Unlock()
	f.listener.BlockDraining(provision.Block{ID: id, JobID: "job-" + id, State: provision.Draining})
}

// retire drains the block without telling the pool.
func (f *fakeProvisioner) retire(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drained == nil {
		f.drained = map[string]bool{}
	}
	f.drained[id] = true
}

func (f *fakeProvisioner) Kick() {}

func (f *fakeProvisioner) Occupy(blockID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drained[blockID] {
		return false
	}
	if f.tasks == nil {
		f.tasks = map[string]int{}
	}
	f.tasks[blockID] += 1
	return true
}

func (f *fakeProvisioner) Vacate(blockID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[blockID] -= 1
}

// occupied returns the number of tasks told running on the block.
func (f *fakeProvisioner) occupied(blockID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[blockID]
}

// fakeAdapter runs everything on this host.
type fakeAdapter struct{}

var _ batch.Adapter = fakeAdapter{}

func (fakeAdapter) Name() string { return "fake" }

func (fakeAdapter) Submit(context.Context, batch.JobSpec) (string, error) {
	panic("it should not be called")
}

func (fakeAdapter) Status(context.Context, ...string) (map[string]batch.JobState, error) {
	panic("it should not be called")
}

func (fakeAdapter) Cancel(context.Context, string) error {
	panic("it should not be called")
}

func (fakeAdapter) Placement(string) []string { return nil }

func (fakeAdapter) Binding(launcher string, jobID string) []string {
	if launcher == "srun" {
		return []string{"--jobid=" + jobID}
	}
	return nil
}

type router struct {
	p pool.Pool
}

func (r router) Admit(d *task.Descriptor) error {
	return r.p.Admit(d)
}

func (r router) Dispatch(h *task.Handle) {
	if !r.p.Offer(h) {
		h.Abort()
	}
}

type harness struct {
	graph *task.Graph
	prov  *fakeProvisioner
	dir   string
}

func (h *harness) path(name string) string {
	return filepath.Join(h.dir, name)
}

func (h *harness) read(t *testing.T, name string) string {
	t.Helper()
	return string(try.To(os.ReadFile(h.path(name))).OrFatal(t))
}

func seal(t *testing.T, name string, m platform.ResourceMarshall) *platform.Resource {
	t.Helper()
	return try.To(m.Seal(name)).OrFatal(t)
}

func boolp(b bool) *bool { return &b }

// serve starts p and stops it at the end of the test.
func serve(t *testing.T, p pool.Pool, h *harness) {
	h.graph = task.NewGraph(router{p: p})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func startSingle(t *testing.T, m platform.ResourceMarshall, blocks int) (*pool.Single, *harness) {
	t.Helper()
	h := &harness{prov: &fakeProvisioner{initial: blocks}, dir: t.TempDir()}
	p := pool.NewSingle(seal(t, "single", m), h.prov, fakeAdapter{}, pool.WithDir(h.dir))
	serve(t, p, h)
	return p, h
}

func startMPI(t *testing.T, m platform.ResourceMarshall, blocks int) (*pool.MPI, *harness) {
	t.Helper()
	m.Kind = "mpi"
	h := &harness{prov: &fakeProvisioner{initial: blocks}, dir: t.TempDir()}
	p := pool.NewMPI(seal(t, "mpi", m), h.prov, fakeAdapter{}, pool.WithDir(h.dir))
	serve(t, p, h)
	return p, h
}

func await(t *testing.T, h *task.Handle) (any, error) {
	t.Helper()
	ctx := ctxutil.Bounded(t, 20*time.Second)
	value, err := h.Await(ctx)
	if ctx.Err() != nil {
		t.Fatalf("task %s is not resolved in time (state: %s)", h.Name(), h.State())
	}
	return value, err
}

// eventually waits until cond holds.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if deadline.Before(time.Now()) {
			t.Fatalf("timed out: %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, nil, os.FileMode(0o644)); err != nil {
		t.Fatal(err)
	}
}
