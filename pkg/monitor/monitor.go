// Package monitor records states of tasks and blocks, and serves them.
package monitor

import (
	"context"
	"io"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/opst/chiltepin/pkg/provision"
	"github.com/opst/chiltepin/pkg/task"
)

// Event is a record of TaskRecord or BlockRecord.
type Event interface {
	event()
}

type TaskRecord struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	State     string     `json:"state"`
	ExitCode  int        `json:"exit_code"`
	Error     string     `json:"error,omitempty"`
	Submitted time.Time  `json:"submitted"`
	Started   *time.Time `json:"started,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`
}

func (TaskRecord) event() {}

type BlockRecord struct {
	ID        string     `json:"id"`
	Pool      string     `json:"pool"`
	JobID     string     `json:"job_id"`
	State     string     `json:"state"`
	Requested time.Time  `json:"requested"`
	Started   *time.Time `json:"started,omitempty"`
	Updated   time.Time  `json:"updated"`
}

func (BlockRecord) event() {}

func timep(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// TaskRecordOf takes a snapshot of h.
func TaskRecordOf(h *task.Handle) TaskRecord {
	started, finished := h.Times()
	rec := TaskRecord{
		ID:        h.ID(),
		Name:      h.Name(),
		Kind:      h.Descriptor().Kind.String(),
		State:     h.State().String(),
		ExitCode:  h.ExitCode(),
		Submitted: h.Submitted(),
		Started:   timep(started),
		Finished:  timep(finished),
	}
	if err := h.Err(); err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// BlockRecordOf takes a snapshot of b of the pool.
func BlockRecordOf(pool string, b provision.Block) BlockRecord {
	return BlockRecord{
		ID:        b.ID,
		Pool:      pool,
		JobID:     b.JobID,
		State:     b.State.String(),
		Requested: b.Requested,
		Started:   timep(b.Started),
		Updated:   time.Now(),
	}
}

// Recorder keeps the latest record of each task and block.
type Recorder interface {
	// Record replaces the record of the task or block of e.
	Record(ctx context.Context, e Event) error

	// Tasks returns records of tasks in order of their first record.
	Tasks(ctx context.Context) ([]TaskRecord, error)

	// Blocks returns records of blocks in order of their first record.
	Blocks(ctx context.Context) ([]BlockRecord, error)
}

// Memory is a Recorder in memory.
type Memory struct {
	mu         sync.Mutex
	tasks      map[string]TaskRecord
	taskOrder  []string
	blocks     map[string]BlockRecord
	blockOrder []string
}

var _ Recorder = &Memory{}

func NewMemory() *Memory {
	return &Memory{tasks: map[string]TaskRecord{}, blocks: map[string]BlockRecord{}}
}

func (m *Memory) Record(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch rec := e.(type) {
	case TaskRecord:
		if _, ok := m.tasks[rec.ID]; !ok {
			m.taskOrder = append(m.taskOrder, rec.ID)
		}
		m.tasks[rec.ID] = rec
	case BlockRecord:
		if _, ok := m.blocks[rec.ID]; !ok {
			m.blockOrder = append(m.blockOrder, rec.ID)
		}
		m.blocks[rec.ID] = rec
	}
	return nil
}

func (m *Memory) Tasks(context.Context) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := make([]TaskRecord, 0, len(m.taskOrder))
	for _, id := range m.taskOrder {
		recs = append(recs, m.tasks[id])
	}
	return recs, nil
}

func (m *Memory) Blocks(context.Context) ([]BlockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := make([]BlockRecord, 0, len(m.blockOrder))
	for _, id := range m.blockOrder {
		recs = append(recs, m.blocks[id])
	}
	return recs, nil
}

// Async records events in background, in the order they are given.
//
// Callers of Record never wait for the underlying Recorder.
type Async struct {
	rec    Recorder
	logger *log.Logger

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

var _ Recorder = &Async{}

func NewAsync(rec Recorder, logger *log.Logger) *Async {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Async{
		rec:    rec,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (a *Async) Record(_ context.Context, e Event) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.queue = append(a.queue, e)
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start writes events until Close is called, and returns after writing all
// events queued before Close.
func (a *Async) Start(ctx context.Context) {
	defer close(a.done)
	for {
		a.mu.Lock()
		queue, closed := a.queue, a.closed
		a.queue = nil
		a.mu.Unlock()

		for _, e := range queue {
			if err := a.rec.Record(context.WithoutCancel(ctx), e); err != nil {
				a.logger.Printf("recording an event failed: %s", err)
			}
		}
		if len(queue) != 0 {
			continue
		}
		if closed {
			return
		}
		<-a.wake
	}
}

// Close stops Start. With wait, it waits for Start to return, which
// should have been called.
func (a *Async) Close(wait bool) {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
	if wait {
		<-a.done
	}
}

// Tasks also returns events queued but not written yet.
func (a *Async) Tasks(ctx context.Context) ([]TaskRecord, error) {
	recs, err := a.rec.Tasks(ctx)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.queue {
		if rec, ok := e.(TaskRecord); ok {
			recs = upsert(recs, rec, func(r TaskRecord) bool { return r.ID == rec.ID })
		}
	}
	return recs, nil
}

func (a *Async) Blocks(ctx context.Context) ([]BlockRecord, error) {
	recs, err := a.rec.Blocks(ctx)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.queue {
		if rec, ok := e.(BlockRecord); ok {
			recs = upsert(recs, rec, func(r BlockRecord) bool { return r.ID == rec.ID })
		}
	}
	return recs, nil
}

func upsert[T any](s []T, v T, same func(T) bool) []T {
	if i := slices.IndexFunc(s, same); 0 <= i {
		s[i] = v
		return s
	}
	return append(s, v)
}
