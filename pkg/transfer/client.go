package transfer

import (
	"context"
	"net/http"
	"net/url"

	"github.com/opst/chiltepin/pkg/rest"
)

// DefaultURL of the transfer service.
const DefaultURL = "https://transfer.api.globus.org/v0.10"

type Endpoint struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type Item struct {
	DataType        string `json:"DATA_TYPE"`
	SourcePath      string `json:"source_path,omitempty"`
	DestinationPath string `json:"destination_path,omitempty"`
	Path            string `json:"path,omitempty"`
	Recursive       bool   `json:"recursive,omitempty"`
}

// Document is a request of transfer or delete.
type Document struct {
	DataType     string `json:"DATA_TYPE"`
	SubmissionID string `json:"submission_id"`

	// for transfer
	Source      string `json:"source_endpoint,omitempty"`
	Destination string `json:"destination_endpoint,omitempty"`

	// for delete
	Endpoint  string `json:"endpoint,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`

	Items []Item `json:"DATA"`
}

type Status string

const (
	Active    Status = "ACTIVE"
	Inactive  Status = "INACTIVE"
	Succeeded Status = "SUCCEEDED"
	Failed    Status = "FAILED"
)

// Done tells whether the task has ended.
func (s Status) Done() bool {
	return s == Succeeded || s == Failed
}

type FatalError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type Task struct {
	TaskID     string      `json:"task_id"`
	Status     Status      `json:"status"`
	NiceStatus string      `json:"nice_status,omitempty"`
	FatalError *FatalError `json:"fatal_error,omitempty"`
}

type searchResult struct {
	Data []Endpoint `json:"DATA"`
}

type submitted struct {
	TaskID string `json:"task_id"`
}

// Client of the transfer service.
type Client interface {
	// SearchEndpoints finds endpoints by text in their names or ids.
	SearchEndpoints(ctx context.Context, text string) ([]Endpoint, error)

	// Submit sends a transfer or delete request, and returns the id of
	// the task.
	Submit(ctx context.Context, doc Document) (string, error)

	Task(ctx context.Context, taskID string) (Task, error)
}

type client struct {
	rest *rest.Client
}

func NewClient(apiRoot string, options ...rest.Option) Client {
	return &client{rest: rest.New(apiRoot, options...)}
}

func (c *client) SearchEndpoints(ctx context.Context, text string) ([]Endpoint, error) {
	q := url.Values{}
	q.Set("filter_fulltext", text)
	q.Set("filter_non_functional", "false")
	out := searchResult{}
	if err := c.rest.Do(ctx, http.MethodGet, c.rest.Path("endpoint_search")+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *client) Submit(ctx context.Context, doc Document) (string, error) {
	path := "transfer"
	if doc.DataType == "delete" {
		path = "delete"
	}
	out := submitted{}
	if err := c.rest.Do(ctx, http.MethodPost, c.rest.Path(path), doc, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

func (c *client) Task(ctx context.Context, taskID string) (Task, error) {
	out := Task{}
	if err := c.rest.Do(ctx, http.MethodGet, c.rest.Path("task", taskID), nil, &out); err != nil {
		return Task{}, err
	}
	return out, nil
}
