package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
)

// Outcome reports what Enqueue did with a local change.
type Outcome string

const (
	// Queued means a new task was created.
	Queued Outcome = "queued"
	// Coalesced means the change was folded into the existing task.
	Coalesced Outcome = "coalesced"
	// Cancelled means a delete of a never-synced record cancelled its create.
	// The caller removes the record locally; the remote never sees it.
	Cancelled Outcome = "cancelled"
)

// Manager drives the sync queue for one collection.
//
// All state transitions for a record happen while holding that record's lock.
// The lock is released for the duration of the remote call, so local writes
// proceed while a sync is in flight; completions detect such writes through
// LocalVersion and leave the newer change queued.
type Manager struct {
	coll        *store.Collection
	src         remote.Source
	monitor     connectivity.Monitor
	clock       Clock
	backoff     Backoff
	workers     int
	callTimeout time.Duration
	ids         record.IDGenerator
	random      func() float64
	resolver    Resolver
	logger      *slog.Logger

	locks     *keyedLocks
	queue     *taskQueue
	observers observers
	seq       sequence
	restored  chan struct{}
	unsub     func()
}

// New creates a Manager for coll syncing against src. Call Load to rebuild
// the queue from records persisted by an earlier process.
func New(coll *store.Collection, src remote.Source, opts ...Option) (*Manager, error) {
	if coll == nil {
		return nil, fmt.Errorf("syncer: collection is required")
	}
	if src == nil {
		return nil, fmt.Errorf("syncer: remote source is required")
	}

	m := &Manager{
		coll:        coll,
		src:         src,
		monitor:     connectivity.AlwaysOnline{},
		clock:       SystemClock{},
		backoff:     DefaultBackoff(),
		workers:     DefaultWorkers,
		callTimeout: DefaultCallTimeout,
		ids:         record.UUIDv7Generator{},
		random:      defaultRandom,
		logger:      slog.Default(),
		locks:       newKeyedLocks(),
		queue:       newTaskQueue(),
		restored:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.backoff.Validate(); err != nil {
		return nil, fmt.Errorf("syncer: %w", err)
	}
	if m.workers < 1 {
		return nil, fmt.Errorf("syncer: workers must be positive, got %d", m.workers)
	}
	if m.callTimeout <= 0 {
		return nil, fmt.Errorf("syncer: call timeout must be positive")
	}
	m.logger = m.logger.With("component", "syncer", "collection", coll.Name())

	m.unsub = m.monitor.Subscribe(func(t connectivity.Transition) {
		if t.WentOnline() {
			select {
			case m.restored <- struct{}{}:
			default:
			}
		}
	})
	return m, nil
}

// Collection returns the name of the managed collection.
func (m *Manager) Collection() string {
	return m.coll.Name()
}

// Monitor returns the connectivity monitor.
func (m *Manager) Monitor() connectivity.Monitor {
	return m.monitor
}

// Now returns the manager clock's current time.
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

// Lock acquires the per-record lock and returns its release function.
// Local writers hold it across read-modify-write and Enqueue.
func (m *Manager) Lock(id string) func() {
	return m.locks.Lock(id)
}

// Subscribe registers an observer for sync events.
func (m *Manager) Subscribe(o Observer) {
	m.observers.add(o)
}

// Close stops listening for connectivity changes and wakes Run.
func (m *Manager) Close() {
	if m.unsub != nil {
		m.unsub()
	}
	m.queue.Close()
}

func (m *Manager) emit(e Event) {
	e.Seq = m.seq.Next()
	e.Collection = m.coll.Name()
	m.observers.emit(e)
}

// PendingState returns the sync state a record takes after a local change of
// kind op, given the record's revision.
func PendingState(rec *record.Record, op record.Operation) record.SyncState {
	return effectiveOp(rec, op).PendingState()
}

// effectiveOp collapses a local change into the remote operation that
// settles it. Deletes always win; any other change is a create until the
// remote has acknowledged the record and an update afterwards.
func effectiveOp(rec *record.Record, op record.Operation) record.Operation {
	if op == record.OpDelete {
		return record.OpDelete
	}
	if rec.NeverSynced() {
		return record.OpCreate
	}
	return record.OpUpdate
}

// Enqueue records that rec changed locally with intent op. The caller holds
// the record lock and has already persisted rec. Enqueue performs no I/O.
//
// At most one task exists per id: a new change replaces the pending
// operation but keeps the attempt count and schedule. Tasks for conflicted
// records are held and left untouched.
func (m *Manager) Enqueue(rec *record.Record, op record.Operation) Outcome {
	now := m.clock.Now()
	id := rec.ID
	existing, ok := m.queue.Get(id)

	if op == record.OpDelete && rec.NeverSynced() && !m.queue.InFlight(id) {
		m.queue.Remove(id)
		m.logger.Debug("create cancelled before sync", "id", id)
		m.emit(Event{Type: EventCancelled, RecordID: id, Operation: op})
		return Cancelled
	}

	next := effectiveOp(rec, op)
	if !ok {
		m.queue.Set(record.SyncTask{
			RecordID:    id,
			Operation:   next,
			NextRetryAt: now,
			EnqueuedAt:  now,
		})
		m.emit(Event{Type: EventQueued, RecordID: id, Operation: next, Record: rec.Clone()})
		return Queued
	}

	if existing.Held {
		return Coalesced
	}
	existing.Operation = next
	m.queue.Set(existing)
	m.emit(Event{Type: EventCoalesced, RecordID: id, Operation: next, Record: rec.Clone()})
	return Coalesced
}

// Forget drops the queued task for id, used when a record is purged locally.
// The caller holds the record lock.
func (m *Manager) Forget(id string) {
	m.queue.Remove(id)
}

// Task returns the queued task for id.
func (m *Manager) Task(id string) (record.SyncTask, bool) {
	return m.queue.Get(id)
}

// Pending returns all queued tasks ordered by record id.
func (m *Manager) Pending() []record.SyncTask {
	return m.queue.Snapshot()
}

// InFlight reports whether a remote call for id is in progress.
func (m *Manager) InFlight(id string) bool {
	return m.queue.InFlight(id)
}

// Conflict returns the unresolved conflict for id.
func (m *Manager) Conflict(ctx context.Context, id string) (*record.ConflictRecord, error) {
	c, err := m.coll.GetConflict(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoConflict
	}
	return c, err
}

// Conflicts lists all unresolved conflicts ordered by record id.
func (m *Manager) Conflicts(ctx context.Context) ([]*record.ConflictRecord, error) {
	return m.coll.ListConflicts(ctx)
}

// Load rebuilds the queue from persisted pending and conflicted records.
// Tasks already queued are kept. It returns the number of tasks added.
func (m *Manager) Load(ctx context.Context) (int, error) {
	recs, err := m.coll.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending records: %w", err)
	}

	now := m.clock.Now()
	added := 0
	for _, rec := range recs {
		n, err := m.loadOne(ctx, rec, now)
		if err != nil {
			return added, err
		}
		added += n
	}
	if added > 0 {
		m.logger.Info("sync queue restored", "tasks", added)
	}
	return added, nil
}

func (m *Manager) loadOne(ctx context.Context, rec *record.Record, now time.Time) (int, error) {
	unlock := m.locks.Lock(rec.ID)
	defer unlock()

	if _, ok := m.queue.Get(rec.ID); ok {
		return 0, nil
	}

	task := record.SyncTask{
		RecordID:    rec.ID,
		NextRetryAt: now,
		EnqueuedAt:  rec.UpdatedAt,
	}
	if rec.Failure != nil && rec.Failure.Code == record.FailureTransient {
		task.Attempts = rec.Failure.Attempts
	}

	if rec.SyncState == record.StateConflicted {
		c, err := m.coll.GetConflict(ctx, rec.ID)
		switch {
		case err == nil:
			task.Operation = c.Operation
		case errors.Is(err, store.ErrNotFound):
			m.logger.Warn("conflicted record has no conflict entry; requeueing as update", "id", rec.ID)
			task.Operation = effectiveOp(rec, record.OpUpdate)
			next := rec.Clone()
			next.SyncState = task.Operation.PendingState()
			if err := m.coll.Put(ctx, next); err != nil {
				return 0, fmt.Errorf("repair record %s: %w", rec.ID, err)
			}
			m.queue.Set(task)
			return 1, nil
		default:
			return 0, fmt.Errorf("load conflict %s: %w", rec.ID, err)
		}
		task.Held = true
		m.queue.Set(task)
		return 1, nil
	}

	op, ok := rec.SyncState.Operation()
	if !ok {
		return 0, nil
	}
	task.Operation = op
	m.queue.Set(task)
	return 1, nil
}
