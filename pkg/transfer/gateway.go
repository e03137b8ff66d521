// Package transfer submits data transfer and deletion requests to the
// transfer service, and waits for them.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	xe "github.com/opst/chiltepin/pkg/errors"
	"github.com/opst/chiltepin/pkg/rest"
	"github.com/opst/chiltepin/pkg/utils/retry"
)

const (
	DefaultTimeout         = 3600 * time.Second
	DefaultPollingInterval = 30 * time.Second

	ConsentMessage = "Encountered a ConsentRequired error. You must login a second time to grant consents."
)

// ConsentError is returned when the service needs more consents of the user.
type ConsentError struct {
	// Detail from the service.
	Detail string
}

func (e *ConsentError) Error() string {
	if e.Detail == "" {
		return ConsentMessage
	}
	return ConsentMessage + "\n\n" + e.Detail
}

func (e *ConsentError) Unwrap() error {
	return xe.ErrConsentRequired
}

type TransferRequest struct {
	// Source and Destination are endpoints, by display name or id.
	Source      string
	Destination string

	SourcePath      string
	DestinationPath string
	Recursive       bool

	// Timeout of waiting. DefaultTimeout if zero.
	Timeout time.Duration

	// PollingInterval of task status. DefaultPollingInterval if zero.
	PollingInterval time.Duration
}

type DeleteRequest struct {
	// Endpoint by display name or id.
	Endpoint string

	Path      string
	Recursive bool

	Timeout         time.Duration
	PollingInterval time.Duration
}

type Gateway struct {
	client Client
	logger *log.Logger
}

type Option func(*Gateway)

func WithLogger(l *log.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

func New(client Client, options ...Option) *Gateway {
	g := &Gateway{client: client, logger: log.New(io.Discard, "", 0)}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// Transfer copies data between endpoints and waits for it.
//
// It returns true when the transfer has succeeded, and false when it has
// failed or is not done in time.
func (g *Gateway) Transfer(ctx context.Context, req TransferRequest) (bool, error) {
	src, err := g.resolve(ctx, req.Source)
	if err != nil {
		return false, err
	}
	dst, err := g.resolve(ctx, req.Destination)
	if err != nil {
		return false, err
	}
	doc := Document{
		DataType:     "transfer",
		SubmissionID: uuid.NewString(),
		Source:       src,
		Destination:  dst,
		Items: []Item{{
			DataType:        "transfer_item",
			SourcePath:      req.SourcePath,
			DestinationPath: req.DestinationPath,
			Recursive:       req.Recursive,
		}},
	}
	return g.run(ctx, doc, req.Timeout, req.PollingInterval)
}

// Delete removes data on an endpoint and waits for it.
//
// The result is as Transfer.
func (g *Gateway) Delete(ctx context.Context, req DeleteRequest) (bool, error) {
	ep, err := g.resolve(ctx, req.Endpoint)
	if err != nil {
		return false, err
	}
	doc := Document{
		DataType:     "delete",
		SubmissionID: uuid.NewString(),
		Endpoint:     ep,
		Recursive:    req.Recursive,
		Items:        []Item{{DataType: "delete_item", Path: req.Path}},
	}
	return g.run(ctx, doc, req.Timeout, req.PollingInterval)
}

// resolve returns the id of an endpoint named by display name or id.
func (g *Gateway) resolve(ctx context.Context, name string) (string, error) {
	eps, err := g.client.SearchEndpoints(ctx, name)
	if err != nil {
		return "", consent(err)
	}
	for _, ep := range eps {
		if ep.DisplayName == name || ep.ID == name {
			return ep.ID, nil
		}
	}
	return "", xe.Kinded(xe.ErrUnknownEndpoint, "endpoint %q could not be found", name)
}

func (g *Gateway) run(ctx context.Context, doc Document, timeout, interval time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if interval <= 0 {
		interval = DefaultPollingInterval
	}

	taskID, err := g.client.Submit(ctx, doc)
	if err != nil {
		return false, consent(err)
	}
	g.logger.Printf("%s task %s is submitted", doc.DataType, taskID)

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	task, err := retry.Blocking(wctx, retry.StaticBackoff(interval), func() (Task, error) {
		task, err := g.client.Task(wctx, taskID)
		if err != nil {
			return task, consent(err)
		}
		if !task.Status.Done() {
			return task, retry.ErrRetry
		}
		return task, nil
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		g.logger.Printf("%s task %s is not done in %s (%s)", doc.DataType, taskID, timeout, task.Status)
		return false, nil
	case err != nil:
		return false, err
	}

	if task.Status != Succeeded {
		detail := task.NiceStatus
		if task.FatalError != nil {
			detail = fmt.Sprintf("%s: %s", task.FatalError.Code, task.FatalError.Description)
		}
		g.logger.Printf("%s task %s has failed: %s", doc.DataType, taskID, detail)
		return false, nil
	}
	g.logger.Printf("%s task %s has succeeded", doc.DataType, taskID)
	return true, nil
}

// consent turns a ConsentRequired response into ConsentError.
func consent(err error) error {
	e := new(rest.Error)
	if errors.As(err, &e) && e.Code == "ConsentRequired" {
		return &ConsentError{Detail: e.Message}
	}
	return err
}
