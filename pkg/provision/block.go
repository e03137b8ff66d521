package provision

import (
	"fmt"
	"time"
)

type State int

const (
	Requested State = iota
	Running
	Draining
	Released
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Block is a snapshot of an allocation held by a provisioner.
type Block struct {
	ID string

	// JobID is the id given by the batch system. Empty while submitting.
	JobID string

	State State

	Requested time.Time
	Started   time.Time

	// IdleSince is when the last task on the block has finished.
	IdleSince time.Time

	// Tasks running on the block.
	Tasks int
}
