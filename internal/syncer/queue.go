package syncer

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/record"
)

// taskQueue holds at most one SyncTask per record id plus the set of ids
// whose remote call is in flight.
//
// The queue uses a 1-buffered channel to signal changes so the Run loop can
// wait on it together with ctx.Done and a retry timer.
type taskQueue struct {
	mu       sync.Mutex
	tasks    map[string]*record.SyncTask
	inflight map[string]struct{}
	closed   bool
	signal   chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:    make(map[string]*record.SyncTask),
		inflight: make(map[string]struct{}),
		signal:   make(chan struct{}, 1),
	}
}

// notify wakes the Run loop. Callers hold q.mu.
func (q *taskQueue) notify() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Get returns a copy of the task for id.
func (q *taskQueue) Get(id string) (record.SyncTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return record.SyncTask{}, false
	}
	return *t, true
}

// Set stores task, replacing any task for the same id.
func (q *taskQueue) Set(task record.SyncTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := task
	q.tasks[task.RecordID] = &t
	q.notify()
}

// Remove drops the task for id.
func (q *taskQueue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tasks[id]; ok {
		delete(q.tasks, id)
		q.notify()
	}
}

// Rekey moves the task and in-flight marker from oldID to newID.
func (q *taskQueue) Rekey(oldID, newID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[oldID]; ok {
		delete(q.tasks, oldID)
		t.RecordID = newID
		q.tasks[newID] = t
	}
	if _, ok := q.inflight[oldID]; ok {
		delete(q.inflight, oldID)
		q.inflight[newID] = struct{}{}
	}
}

// Begin marks id in flight. It returns false if a call is already in flight,
// which is how the queue keeps at most one remote call per id.
func (q *taskQueue) Begin(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inflight[id]; busy {
		return false
	}
	q.inflight[id] = struct{}{}
	return true
}

// End clears the in-flight marker for id.
func (q *taskQueue) End(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
	q.notify()
}

// InFlight reports whether a call for id is in flight.
func (q *taskQueue) InFlight(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inflight[id]
	return ok
}

// Due returns the ids of tasks ready at now, oldest deadline first. Held and
// in-flight tasks are skipped.
func (q *taskQueue) Due(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]*record.SyncTask, 0, len(q.tasks))
	for id, t := range q.tasks {
		if _, busy := q.inflight[id]; busy {
			continue
		}
		if t.Due(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if !a.NextRetryAt.Equal(b.NextRetryAt) {
			return a.NextRetryAt.Before(b.NextRetryAt)
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.RecordID < b.RecordID
	})

	ids := make([]string, len(due))
	for i, t := range due {
		ids[i] = t.RecordID
	}
	return ids
}

// NextDeadline returns the earliest retry time among dispatchable tasks.
func (q *taskQueue) NextDeadline() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next time.Time
	found := false
	for id, t := range q.tasks {
		if t.Held {
			continue
		}
		if _, busy := q.inflight[id]; busy {
			continue
		}
		if !found || t.NextRetryAt.Before(next) {
			next = t.NextRetryAt
			found = true
		}
	}
	return next, found
}

// MakeDue moves every non-held task's deadline to now. Attempt counts are
// kept.
func (q *taskQueue) MakeDue(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.Held {
			continue
		}
		if t.NextRetryAt.After(now) {
			t.NextRetryAt = now
		}
		n++
	}
	if n > 0 {
		q.notify()
	}
	return n
}

// Snapshot returns copies of all tasks ordered by id.
func (q *taskQueue) Snapshot() []record.SyncTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]record.SyncTask, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out
}

// Len returns the number of queued tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Wait returns a channel that signals when the queue may have changed.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

// Close wakes any waiter; later changes no longer signal.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
