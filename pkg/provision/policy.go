package provision

import (
	"time"

	"github.com/opst/chiltepin/pkg/batch"
	"github.com/opst/chiltepin/pkg/configs/platform"
)

const (
	DefaultTick              = 5 * time.Second
	DefaultBackoffBase       = 30 * time.Second
	DefaultBackoffLimit      = 600 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
)

// Policy is how a provisioner scales blocks of a pool.
type Policy struct {
	// Capacity is the number of tasks one block runs at once.
	Capacity int

	MinBlocks  int
	MaxBlocks  int
	InitBlocks int

	// Walltime of a block. Zero means unlimited.
	Walltime time.Duration

	// A running block is drained when it is idle longer than IdleTimeout.
	IdleTimeout time.Duration

	// A requested block not running in StartTimeout is released.
	StartTimeout time.Duration

	// A running block is drained DrainMargin before its walltime.
	DrainMargin time.Duration

	Tick time.Duration

	// After the n-th failure in a row, submission is delayed
	// min(BackoffBase * 2^n, BackoffLimit).
	BackoffBase  time.Duration
	BackoffLimit time.Duration

	HeartbeatInterval time.Duration
}

// PolicyOf reads the policy of the resource.
func PolicyOf(r *platform.Resource) Policy {
	return Policy{
		Capacity:          r.Workers(),
		MinBlocks:         r.MinBlocks(),
		MaxBlocks:         r.MaxBlocks(),
		InitBlocks:        r.InitBlocks(),
		Walltime:          r.WalltimeDuration(),
		IdleTimeout:       r.IdleTimeout(),
		StartTimeout:      r.StartTimeout(),
		DrainMargin:       r.DrainMargin(),
		Tick:              DefaultTick,
		BackoffBase:       DefaultBackoffBase,
		BackoffLimit:      DefaultBackoffLimit,
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
}

// JobOf is the allocation request for a block of the resource.
func JobOf(r *platform.Resource) batch.JobSpec {
	return batch.JobSpec{
		Nodes:        r.NodesPerBlock(),
		CoresPerNode: r.CoresPerNode(),
		Walltime:     r.WalltimeDuration(),
		Partition:    r.Partition(),
		Account:      r.Account(),
		Queue:        r.Queue(),
		Exclusive:    r.Exclusive(),
		Image:        r.Image(),
	}
}

// Desired is the number of blocks wanted for the load:
// clamp(MinBlocks, ceil(backlog/C) + ceil(running/C), MaxBlocks).
func (p Policy) Desired(backlog, running int) int {
	c := max(p.Capacity, 1)
	d := ceilDiv(backlog, c) + ceilDiv(running, c)
	return min(max(d, p.MinBlocks), p.MaxBlocks)
}

func (p Policy) withDefaults() Policy {
	if p.Tick <= 0 {
		p.Tick = DefaultTick
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = DefaultBackoffBase
	}
	if p.BackoffLimit <= 0 {
		p.BackoffLimit = DefaultBackoffLimit
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if p.MaxBlocks < p.MinBlocks {
		p.MaxBlocks = p.MinBlocks
	}
	return p
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
