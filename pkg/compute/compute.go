// Package compute is a client of the remote compute service, which runs
// shell tasks on compute endpoints.
package compute

import (
	"context"
	"net/http"

	"github.com/opst/chiltepin/pkg/rest"
)

// DefaultURL of the compute service.
const DefaultURL = "https://compute.api.globus.org/v2"

type State string

const (
	Waiting   State = "waiting"
	Running   State = "running"
	Succeeded State = "success"
	Failed    State = "failed"
	Cancelled State = "cancelled"
)

// Terminal tells whether the remote task has ended.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// Geometry is the MPI resource request of a task.
type Geometry struct {
	NumNodes     int `json:"num_nodes"`
	NumRanks     int `json:"num_ranks"`
	RanksPerNode int `json:"ranks_per_node"`
}

type Task struct {
	Endpoint string `json:"endpoint_id"`
	Command  string `json:"command"`

	Geometry *Geometry `json:"resource_specification,omitempty"`

	Stdout          string `json:"stdout,omitempty"`
	Stderr          string `json:"stderr,omitempty"`
	WalltimeSeconds int64  `json:"walltime,omitempty"`
}

type submitted struct {
	TaskID string `json:"task_id"`
}

type Status struct {
	TaskID   string `json:"task_id"`
	State    State  `json:"status"`
	ExitCode int    `json:"exit_code"`

	// Exception is a failure other than a nonzero exit.
	Exception string `json:"exception,omitempty"`
}

type Client interface {
	// Submit sends a task to the endpoint, and returns the remote task id.
	Submit(ctx context.Context, t Task) (string, error)

	Status(ctx context.Context, taskID string) (Status, error)

	Cancel(ctx context.Context, taskID string) error
}

type client struct {
	rest *rest.Client
}

func New(apiRoot string, options ...rest.Option) Client {
	return &client{rest: rest.New(apiRoot, options...)}
}

func (c *client) Submit(ctx context.Context, t Task) (string, error) {
	out := submitted{}
	if err := c.rest.Do(ctx, http.MethodPost, c.rest.Path("tasks"), t, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

func (c *client) Status(ctx context.Context, taskID string) (Status, error) {
	out := Status{}
	if err := c.rest.Do(ctx, http.MethodGet, c.rest.Path("tasks", taskID), nil, &out); err != nil {
		return Status{}, err
	}
	return out, nil
}

func (c *client) Cancel(ctx context.Context, taskID string) error {
	return c.rest.Do(ctx, http.MethodDelete, c.rest.Path("tasks", taskID), nil, nil)
}
