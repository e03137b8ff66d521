package pool

import (
	"context"

	"github.com/opst/chiltepin/pkg/batch"
	"github.com/opst/chiltepin/pkg/configs/platform"
	xe "github.com/opst/chiltepin/pkg/errors"
	"github.com/opst/chiltepin/pkg/provision"
	"github.com/opst/chiltepin/pkg/task"
)

// Single is a pool of single-process workers.
//
// Each running block has a fixed number of slots, and each slot runs one
// task at a time. Waiting tasks start in order of priority, FIFO within a
// priority.
type Single struct {
	*base
	blocks []*slotBlock
}

type slotBlock struct {
	id       string
	jobID    string
	slots    int
	used     int
	draining bool
}

// NewSingle creates a single-process pool for the resource, and attaches
// it to prov.
func NewSingle(res *platform.Resource, prov Provisioner, adapter batch.Adapter, options ...Option) *Single {
	p := &Single{base: newBase(res, prov, adapter, options)}
	p.base.schedule = p.schedule
	prov.Attach(p, p)
	return p
}

func (p *Single) Admit(d *task.Descriptor) error {
	if d.Geometry != nil {
		return xe.Kinded(
			xe.ErrUnsatisfiableGeometry,
			"task %q requests %s, but pool %q runs single-process tasks", d.Name, *d.Geometry, p.name,
		)
	}
	return nil
}

func (p *Single) BlockRunning(b provision.Block) {
	p.mu.Lock()
	p.blocks = append(p.blocks, &slotBlock{id: b.ID, jobID: b.JobID, slots: p.res.Workers()})
	p.mu.Unlock()
	p.logger.Printf("block %s is running with %d slots", b.ID, p.res.Workers())
	p.schedule()
}

func (p *Single) BlockDraining(b provision.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sb := range p.blocks {
		if sb.id == b.ID {
			sb.draining = true
		}
	}
}

func (p *Single) BlockReleased(b provision.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, sb := range p.blocks {
		if sb.id == b.ID {
			p.blocks = append(p.blocks[:i], p.blocks[i+1:]...)
			return
		}
	}
}

func (p *Single) schedule() {
	type placed struct {
		e     *entry
		block *slotBlock
	}

	p.mu.Lock()
	var starts []placed
	for !p.closed && 0 < p.queue.len() {
		b := p.freeLocked()
		if b == nil {
			break
		}
		b.used += 1
		starts = append(starts, placed{e: p.takeLocked(0), block: b})
	}
	ctx := p.ctx
	p.mu.Unlock()

	refused := false
	for _, s := range starts {
		if p.prov.Occupy(s.block.id) {
			go p.run(ctx, s.e.h, s.block)
			continue
		}
		// the block is being drained, though it has not been told yet.
		p.mu.Lock()
		s.block.used -= 1
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

// freeLocked returns the first block with a free slot.
func (p *Single) freeLocked() *slotBlock {
	for _, b := range p.blocks {
		if !b.draining && b.used < b.slots {
			return b
		}
	}
	return nil
}

func (p *Single) run(ctx context.Context, h *task.Handle, b *slotBlock) {
	defer func() {
		p.mu.Lock()
		b.used -= 1
		p.mu.Unlock()
		p.done(h)
		p.prov.Vacate(b.id)
		p.schedule()
	}()
	if !p.begin(h) {
		return
	}
	p.execute(ctx, h, launch{
		placement: p.adapter.Placement(b.jobID),
		setup:     p.res.Environment(),
		env:       []string{EnvBlockID + "=" + b.id},
		dir:       p.dir,
	})
}
