package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

// testBackoff doubles from one second with no jitter so deadlines are exact.
func testBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Max:         time.Minute,
		Multiplier:  2,
		Jitter:      0,
		MaxAttempts: 4,
	}
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *store.Store
	coll   *store.Collection
	remote *remote.Memory
	clock  *testutil.ManualClock
	net    *connectivity.Manual
	mgr    *Manager
	events *eventLog
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	return newFixtureWith(t, remote.NewMemory(), opts...)
}

func newFixtureWith(t *testing.T, src *remote.Memory, opts ...Option) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  st,
		coll:   st.Collection("workouts"),
		remote: src,
		clock:  testutil.NewManualClock(time.Time{}),
		net:    connectivity.NewManual(true),
		events: &eventLog{},
	}
	f.mgr = f.newManager(opts...)
	return f
}

// newManager builds a manager over the fixture's store and remote, as a
// restarted process would.
func (f *fixture) newManager(opts ...Option) *Manager {
	f.t.Helper()
	base := []Option{
		WithClock(f.clock),
		WithMonitor(f.net),
		WithBackoff(testBackoff()),
		WithRandom(func() float64 { return 0 }),
		WithIDGenerator(record.NewSequenceGenerator("c")),
		WithLogger(testutil.NewLogger(f.t)),
		WithObserver(f.events),
	}
	m, err := New(f.coll, f.remote, append(base, opts...)...)
	require.NoError(f.t, err)
	f.t.Cleanup(m.Close)
	return m
}

// write applies a local put the way the repository does.
func (f *fixture) write(id, payload string) *record.Record {
	f.t.Helper()
	unlock := f.mgr.Lock(id)
	defer unlock()

	next := &record.Record{ID: id}
	cur, err := f.coll.Get(f.ctx, id)
	if err == nil {
		next = cur.Clone()
	} else {
		require.ErrorIs(f.t, err, store.ErrNotFound)
	}
	next.Payload = record.MustPayload(payload)
	next.LocalVersion++
	next.UpdatedAt = f.clock.Now()
	next.Failure = nil
	next.SyncState = PendingState(next, record.OpUpdate)
	require.NoError(f.t, f.coll.Put(f.ctx, next))
	f.mgr.Enqueue(next, record.OpUpdate)
	return next
}

// remove applies a local delete the way the repository does.
func (f *fixture) remove(id string) Outcome {
	f.t.Helper()
	unlock := f.mgr.Lock(id)
	defer unlock()

	cur, err := f.coll.Get(f.ctx, id)
	require.NoError(f.t, err)
	next := cur.Clone()
	next.LocalVersion++
	next.UpdatedAt = f.clock.Now()
	next.SyncState = PendingState(next, record.OpDelete)
	require.NoError(f.t, f.coll.Put(f.ctx, next))

	out := f.mgr.Enqueue(next, record.OpDelete)
	if out == Cancelled {
		require.NoError(f.t, f.coll.Delete(f.ctx, id))
	}
	return out
}

func (f *fixture) sync() SyncReport {
	f.t.Helper()
	report, err := f.mgr.RunPendingSync(f.ctx)
	require.NoError(f.t, err)
	return report
}

func (f *fixture) get(id string) *record.Record {
	f.t.Helper()
	rec, err := f.coll.Get(f.ctx, id)
	require.NoError(f.t, err)
	return rec
}

func (f *fixture) missing(id string) bool {
	_, err := f.coll.Get(f.ctx, id)
	return errors.Is(err, store.ErrNotFound)
}

// synced writes id and syncs it so it is Clean at revision r1.
func (f *fixture) synced(id, payload string) *record.Record {
	f.t.Helper()
	f.write(id, payload)
	f.sync()
	rec := f.get(id)
	require.Equal(f.t, record.StateClean, rec.SyncState)
	f.remote.ResetCalls()
	f.events.reset()
	return rec
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnSyncEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

func callOps(calls []remote.Call) []record.Operation {
	out := make([]record.Operation, len(calls))
	for i, c := range calls {
		out[i] = c.Op
	}
	return out
}
