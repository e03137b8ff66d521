package pool

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/opst/chiltepin/pkg/batch"
	"github.com/opst/chiltepin/pkg/configs/platform"
	xe "github.com/opst/chiltepin/pkg/errors"
	"github.com/opst/chiltepin/pkg/provision"
	"github.com/opst/chiltepin/pkg/task"
)

// MPI is a pool of MPI tasks.
//
// A task takes NumNodes whole nodes of one block while it runs; no two
// running tasks share a node. Tasks start in order of priority and age,
// but when backfill is on a task may overtake older ones which do not fit
// yet, unless those have waited longer than the starvation limit.
type MPI struct {
	*base
	launcher   string
	nodes      int
	cores      int
	maxTasks   int
	backfill   bool
	starvation time.Duration

	blocks []*nodeBlock
}

type nodeBlock struct {
	id       string
	jobID    string
	busy     bitmap
	tasks    int
	draining bool
}

// NewMPI creates an MPI pool for the resource, and attaches it to prov.
func NewMPI(res *platform.Resource, prov Provisioner, adapter batch.Adapter, options ...Option) *MPI {
	p := &MPI{
		base:       newBase(res, prov, adapter, options),
		launcher:   res.Launcher(),
		nodes:      res.NodesPerBlock(),
		cores:      res.CoresPerNode(),
		maxTasks:   res.Workers(),
		backfill:   res.Backfill(),
		starvation: res.StarvationLimit(),
	}
	p.base.schedule = p.schedule
	prov.Attach(p, p)
	return p
}

// geometryOf returns the geometry of a task. A shell task without one runs
// as a single rank.
func geometryOf(d *task.Descriptor) task.Geometry {
	if d.Geometry == nil {
		return task.Geometry{NumNodes: 1, NumRanks: 1, RanksPerNode: 1}
	}
	return *d.Geometry
}

func (p *MPI) Admit(d *task.Descriptor) error {
	if d.Kind != task.KindShell {
		return xe.Kinded(
			xe.ErrUnsatisfiableGeometry,
			"task %q is %s, but pool %q runs shell tasks only", d.Name, d.Kind, p.name,
		)
	}
	g := geometryOf(d)
	if p.nodes < g.NumNodes {
		return xe.Kinded(
			xe.ErrUnsatisfiableGeometry,
			"task %q requests %s, but a block of pool %q has %d nodes", d.Name, g, p.name, p.nodes,
		)
	}
	if p.cores < g.RanksPerNode {
		return xe.Kinded(
			xe.ErrUnsatisfiableGeometry,
			"task %q requests %s, but a node of pool %q has %d cores", d.Name, g, p.name, p.cores,
		)
	}
	return nil
}

func (p *MPI) BlockRunning(b provision.Block) {
	p.mu.Lock()
	p.blocks = append(p.blocks, &nodeBlock{id: b.ID, jobID: b.JobID, busy: newBitmap(p.nodes)})
	p.mu.Unlock()
	p.logger.Printf("block %s is running with %d nodes", b.ID, p.nodes)
	p.schedule()
}

func (p *MPI) BlockDraining(b provision.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, nb := range p.blocks {
		if nb.id == b.ID {
			nb.draining = true
		}
	}
}

func (p *MPI) BlockReleased(b provision.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, nb := range p.blocks {
		if nb.id == b.ID {
			p.blocks = append(p.blocks[:i], p.blocks[i+1:]...)
			return
		}
	}
}

// FreeNodes returns the number of idle nodes in running blocks.
func (p *MPI) FreeNodes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := 0
	for _, b := range p.blocks {
		if !b.draining {
			free += p.nodes - b.busy.count()
		}
	}
	return free
}

type placement struct {
	e     *entry
	h     *task.Handle
	block *nodeBlock
	nodes []int
	g     task.Geometry
}

func (p *MPI) schedule() {
	p.mu.Lock()
	var starts []placement
	now := time.Now()
	for i := 0; !p.closed && i < p.queue.len(); {
		e := p.queue.at(i)
		g := geometryOf(e.h.Descriptor())
		if b, nodes := p.fitLocked(g); b != nil {
			for _, n := range nodes {
				b.busy.set(n)
			}
			b.tasks += 1
			taken := p.takeLocked(i)
			starts = append(starts, placement{e: taken, h: taken.h, block: b, nodes: nodes, g: g})
			continue
		}
		if !p.backfill || p.starvation <= now.Sub(e.enqueued) {
			break
		}
		i += 1
	}
	ctx := p.ctx
	p.mu.Unlock()

	refused := false
	for _, s := range starts {
		if p.prov.Occupy(s.block.id) {
			go p.run(ctx, s)
			continue
		}
		// the block is being drained, though it has not been told yet.
		p.mu.Lock()
		for _, n := range s.nodes {
			s.block.busy.clear(n)
		}
		s.block.tasks -= 1
		s.block.draining = true
		p.mu.Unlock()
		p.requeue(s.e)
		refused = true
	}
	p.reportQueued()
	if refused {
		p.schedule()
		p.prov.Kick()
	}
}

// fitLocked finds the first block with enough free nodes for g.
func (p *MPI) fitLocked(g task.Geometry) (*nodeBlock, []int) {
	for _, b := range p.blocks {
		if b.draining || p.maxTasks <= b.tasks {
			continue
		}
		if nodes := b.busy.firstClear(g.NumNodes, p.nodes); nodes != nil {
			return b, nodes
		}
	}
	return nil, nil
}

func (p *MPI) run(ctx context.Context, s placement) {
	defer func() {
		p.mu.Lock()
		for _, n := range s.nodes {
			s.block.busy.clear(n)
		}
		s.block.tasks -= 1
		p.mu.Unlock()
		p.done(s.h)
		p.prov.Vacate(s.block.id)
		p.schedule()
	}()
	if !p.begin(s.h) {
		return
	}

	nodes := make([]string, len(s.nodes))
	for i, n := range s.nodes {
		nodes[i] = strconv.Itoa(n)
	}
	prefix := batch.MPIPrefix(p.launcher, p.adapter.Binding(p.launcher, s.block.jobID), s.g)
	p.execute(ctx, s.h, launch{
		setup: p.res.Environment(),
		env: []string{
			EnvMPIPrefix + "=" + prefix,
			EnvBlockID + "=" + s.block.id,
			EnvNodes + "=" + strings.Join(nodes, ","),
		},
		dir: p.dir,
	})
}
