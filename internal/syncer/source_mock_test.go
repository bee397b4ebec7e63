package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/testutil"
)

// mockSource is a remote.Source whose calls are scripted per test.
type mockSource struct {
	mock.Mock
}

func (m *mockSource) Fetch(ctx context.Context, id string) (*record.Snapshot, error) {
	args := m.Called(ctx, id)
	snap, _ := args.Get(0).(*record.Snapshot)
	return snap, args.Error(1)
}

func (m *mockSource) Create(ctx context.Context, id string, payload record.Payload) (remote.Ack, error) {
	args := m.Called(ctx, id, payload)
	return args.Get(0).(remote.Ack), args.Error(1)
}

func (m *mockSource) Update(ctx context.Context, id string, payload record.Payload, expectedRevision string) (string, error) {
	args := m.Called(ctx, id, payload, expectedRevision)
	return args.String(0), args.Error(1)
}

func (m *mockSource) Delete(ctx context.Context, id string, expectedRevision string) error {
	args := m.Called(ctx, id, expectedRevision)
	return args.Error(0)
}

// newMockFixture swaps the fixture's manager for one syncing to src.
func newMockFixture(t *testing.T, src remote.Source) *fixture {
	t.Helper()
	f := newFixture(t)
	f.mgr.Close()

	m, err := New(f.coll, src,
		WithClock(f.clock),
		WithMonitor(f.net),
		WithBackoff(testBackoff()),
		WithRandom(func() float64 { return 0 }),
		WithLogger(testutil.NewLogger(t)),
		WithObserver(f.events),
	)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	f.mgr = m
	return f
}

func TestManager_UnclassifiedErrorsAreRetried(t *testing.T) {
	src := &mockSource{}
	payload := record.MustPayload(`{"reps":10}`)
	src.On("Create", mock.Anything, "w1", payload).
		Return(remote.Ack{}, errors.New("connection reset by peer")).Once()
	src.On("Create", mock.Anything, "w1", payload).
		Return(remote.Ack{ID: "w1", Revision: "v1"}, nil).Once()

	f := newMockFixture(t, src)
	f.write("w1", `{"reps":10}`)

	report := f.sync()
	assert.Equal(t, 1, report.Retried)
	rec := f.get("w1")
	assert.Equal(t, record.StatePendingCreate, rec.SyncState)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, record.FailureTransient, rec.Failure.Code)

	// Not due yet: no call is made.
	report = f.sync()
	assert.Equal(t, 0, report.Attempted)
	src.AssertNumberOfCalls(t, "Create", 1)

	f.clock.Advance(time.Second)
	report = f.sync()
	assert.Equal(t, 1, report.Synced)

	rec = f.get("w1")
	assert.Equal(t, record.StateClean, rec.SyncState)
	assert.Equal(t, "v1", rec.Revision)
	assert.Nil(t, rec.Failure)
	src.AssertExpectations(t)
	src.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestManager_UpdateSendsLatestPayloadAndRevision(t *testing.T) {
	src := &mockSource{}
	src.On("Create", mock.Anything, "w1", mock.Anything).
		Return(remote.Ack{ID: "w1", Revision: "v1"}, nil).Once()
	src.On("Update", mock.Anything, "w1", record.MustPayload(`{"reps":12}`), "v1").
		Return("v2", nil).Once()

	f := newMockFixture(t, src)
	f.write("w1", `{"reps":10}`)
	f.sync()

	f.net.Set(false)
	f.write("w1", `{"reps":11}`)
	f.write("w1", `{"reps":12}`)
	f.net.Set(true)

	report := f.sync()
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, "v2", f.get("w1").Revision)
	src.AssertExpectations(t)
}

func TestManager_DeleteSendsExpectedRevision(t *testing.T) {
	src := &mockSource{}
	src.On("Create", mock.Anything, "w1", mock.Anything).
		Return(remote.Ack{ID: "w1", Revision: "v1"}, nil).Once()
	src.On("Delete", mock.Anything, "w1", "v1").Return(nil).Once()

	f := newMockFixture(t, src)
	f.write("w1", `{"reps":10}`)
	f.sync()

	assert.Equal(t, Queued, f.remove("w1"))
	report := f.sync()
	assert.Equal(t, 1, report.Removed)
	assert.True(t, f.missing("w1"))
	src.AssertExpectations(t)
}
