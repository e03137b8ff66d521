package pool

import (
	"slices"
	"time"

	"github.com/opst/chiltepin/pkg/task"
)

type entry struct {
	h        *task.Handle
	priority int
	seq      uint64
	enqueued time.Time
}

// queue holds waiting tasks ordered by priority, and FIFO within a priority.
type queue struct {
	entries []*entry
	seq     uint64
}

func (q *queue) push(h *task.Handle, now time.Time) {
	q.seq += 1
	e := &entry{h: h, priority: h.Descriptor().Priority, seq: q.seq, enqueued: now}
	i, _ := slices.BinarySearchFunc(q.entries, e, compareEntry)
	q.entries = slices.Insert(q.entries, i, e)
}

// restore puts back an entry taken from the queue.
func (q *queue) restore(e *entry) {
	i, _ := slices.BinarySearchFunc(q.entries, e, compareEntry)
	q.entries = slices.Insert(q.entries, i, e)
}

func (q *queue) len() int {
	return len(q.entries)
}

func (q *queue) at(i int) *entry {
	return q.entries[i]
}

func (q *queue) removeAt(i int) *entry {
	e := q.entries[i]
	q.entries = slices.Delete(q.entries, i, i+1)
	return e
}

// remove drops h from the queue, and tells whether it was there.
func (q *queue) remove(h *task.Handle) bool {
	i := slices.IndexFunc(q.entries, func(e *entry) bool { return e.h == h })
	if i < 0 {
		return false
	}
	q.removeAt(i)
	return true
}

func (q *queue) drain() []*entry {
	es := q.entries
	q.entries = nil
	return es
}

func compareEntry(a, b *entry) int {
	if a.priority != b.priority {
		return a.priority - b.priority
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}
