package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/record"
)

func TestCollection_PutGet(t *testing.T) {
	ctx := context.Background()
	c := createTestStore(t).Collection("workouts")

	rec := createTestRecord("w1", record.StatePendingCreate, `{"reps":10}`)
	rec.Failure = &record.Failure{Code: record.FailureTransient, Reason: "timeout", Attempts: 2, At: baseTime}
	require.NoError(t, c.Put(ctx, rec))

	got, err := c.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestCollection_GetMissing(t *testing.T) {
	c := createTestStore(t).Collection("workouts")

	_, err := c.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollection_CollectionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	workouts := s.Collection("workouts")
	profiles := s.Collection("profiles")

	require.NoError(t, workouts.Put(ctx, createTestRecord("x", record.StateClean, `{"a":1}`)))

	_, err := profiles.Get(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)

	names, err := s.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"workouts"}, names)
}

func TestCollection_PutReplaces(t *testing.T) {
	ctx := context.Background()
	c := createTestStore(t).Collection("workouts")

	require.NoError(t, c.Put(ctx, createTestRecord("w1", record.StatePendingCreate, `{"reps":10}`)))

	next := createTestRecord("w1", record.StateClean, `{"reps":12}`)
	next.Revision = "r1"
	next.LocalVersion = 2
	next.SyncedAt = baseTime.Add(1)
	require.NoError(t, c.Put(ctx, next))

	got, err := c.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, `{"reps":12}`, got.Payload.String())
	assert.Equal(t, "r1", got.Revision)
	assert.Nil(t, got.Failure)
}

func TestCollection_PutValidates(t *testing.T) {
	ctx := context.Background()
	c := createTestStore(t).Collection("workouts")

	assert.Error(t, c.Put(ctx, &record.Record{ID: "", Payload: record.MustPayload(`{}`), SyncState: record.StateClean}))
	assert.Error(t, c.Put(ctx, &record.Record{ID: "a", Payload: record.MustPayload(`{}`), SyncState: "bogus"}))
	assert.Error(t, c.Put(ctx, &record.Record{ID: "a", SyncState: record.StateClean}))
}

func TestCollection_DeleteRemovesConflictToo(t *testing.T) {
	ctx := context.Background()
	c := createTestStore(t).Collection("workouts")

	rec := createTestRecord("w1", record.StateConflicted, `{"reps":10}`)
	require.NoError(t, c.Put(ctx, rec))
	require.NoError(t, c.PutConflict(ctx, &record.ConflictRecord{
		ID: "c1", RecordID: "w1", Operation: record.OpUpdate, Local: rec, DetectedAt: baseTime,
	}))

	require.NoError(t, c.Delete(ctx, "w1"))
	require.NoError(t, c.Delete(ctx, "w1"), "deleting twice is not an error")

	_, err := c.Get(ctx, "w1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.GetConflict(ctx, "w1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollection_Update(t *testing.T) {
	ctx := context.Background()
	c := createTestStore(t).Collection("workouts")

	// Insert through Update when absent.
	got, err := c.Update(ctx, "w1", func(cur *record.Record) (*record.Record, error) {
		assert.Nil(t, cur)
		return createTestRecord("w1", record.StatePendingCreate, `{"reps":1}`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.LocalVersion)

	// Modify.
	_, err = c.Update(ctx, "w1", func(cur *record.Record) (*record.Record, error) {
		require.NotNil(t, cur)
		next := cur.Clone()
		next.LocalVersion++
		next.Payload = record.MustPayload(`{"reps":2}`)
		return next, nil
	})
	require.NoError(t, err)

	stored, err := c.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.LocalVersion)
	assert.Equal(t, `{"reps":2}`, stored.Payload.String())

	// Delete by returning nil.
	got, err = c.Update(ctx, "w1", func(cur *record.Record) (*record.Record, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, got)
	_, err = c.Get(ctx, "w1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollection_UpdateAbortLeavesRowUnchanged(t *testing.T) {
	ctx := context.Background()
	c := createTestStore(t).Collection("workouts")
	require.NoError(t, c.Put(ctx, createTestRecord("w1", record.StateClean, `{"reps":1}`)))

	boom := errors.New("boom")
	_, err := c.Update(ctx, "w1", func(cur *record.Record) (*record.Record, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	stored, err := c.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, `{"reps":1}`, stored.Payload.String())
}

func TestCollection_UpdateRejectsIDChange(t *testing.T) {
	c := createTestStore(t).Collection("workouts")

	_, err := c.Update(context.Background(), "w1", func(cur *record.Record) (*record.Record, error) {
		return createTestRecord("other", record.StateClean, `{}`), nil
	})
	assert.Error(t, err)
}

func TestCollection_Rekey(t *testing.T) {
	ctx := context.Background()
	c := createTestStore(t).Collection("workouts")

	rec := createTestRecord("tmp-1", record.StatePendingUpdate, `{"reps":3}`)
	require.NoError(t, c.Put(ctx, rec))
	require.NoError(t, c.Put(ctx, createTestRecord("taken", record.StateClean, `{}`)))

	assert.Error(t, c.Rekey(ctx, "tmp-1", "taken"))
	assert.ErrorIs(t, c.Rekey(ctx, "ghost", "srv-9"), ErrNotFound)

	require.NoError(t, c.Rekey(ctx, "tmp-1", "srv-1"))
	_, err := c.Get(ctx, "tmp-1")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := c.Get(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.ID)
	assert.Equal(t, `{"reps":3}`, got.Payload.String())
}

func TestCollection_ListPendingAndCount(t *testing.T) {
	ctx := context.Background()
	c := createTestStore(t).Collection("workouts")

	states := []record.SyncState{
		record.StateClean,
		record.StatePendingCreate,
		record.StatePendingUpdate,
		record.StatePendingDelete,
		record.StateConflicted,
	}
	for i, s := range states {
		require.NoError(t, c.Put(ctx, createTestRecord(fmt.Sprintf("r%d", i), s, `{}`)))
	}

	pending, err := c.ListPending(ctx)
	require.NoError(t, err)
	ids := make([]string, len(pending))
	for i, r := range pending {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"r1", "r2", "r3", "r4"}, ids)

	counts, err := c.Count(ctx)
	require.NoError(t, err)
	for _, s := range states {
		assert.Equal(t, 1, counts[s], string(s))
	}
}

func TestCollection_Conflicts(t *testing.T) {
	ctx := context.Background()
	c := createTestStore(t).Collection("workouts")

	local := createTestRecord("w1", record.StateConflicted, `{"reps":12}`)
	local.Revision = "r1"
	first := &record.ConflictRecord{
		ID:         "c1",
		RecordID:   "w1",
		Operation:  record.OpUpdate,
		Local:      local,
		Remote:     &record.Snapshot{ID: "w1", Payload: record.MustPayload(`{"reps":15}`), Revision: "r2"},
		DetectedAt: baseTime,
	}
	deleted := &record.ConflictRecord{
		ID:         "c2",
		RecordID:   "w2",
		Operation:  record.OpUpdate,
		Local:      createTestRecord("w2", record.StateConflicted, `{"reps":1}`),
		DetectedAt: baseTime.Add(1),
	}
	require.NoError(t, c.PutConflict(ctx, first))
	require.NoError(t, c.PutConflict(ctx, deleted))

	got, err := c.GetConflict(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = c.GetConflict(ctx, "w2")
	require.NoError(t, err)
	assert.True(t, got.RemoteDeleted())

	all, err := c.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "w1", all[0].RecordID)

	require.NoError(t, c.DeleteConflict(ctx, "w1"))
	_, err = c.GetConflict(ctx, "w1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollection_ListConflictsEmptyNotNil(t *testing.T) {
	c := createTestStore(t).Collection("workouts")

	all, err := c.ListConflicts(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, all)
	assert.Empty(t, all)
}

func TestCollection_SaveAndSettleConflict(t *testing.T) {
	ctx := context.Background()
	c := createTestStore(t).Collection("workouts")

	rec := createTestRecord("w1", record.StateConflicted, `{"reps":12}`)
	conflict := &record.ConflictRecord{
		ID: "c1", RecordID: "w1", Operation: record.OpUpdate, Local: rec, DetectedAt: baseTime,
	}
	require.NoError(t, c.SaveConflict(ctx, rec, conflict))

	got, err := c.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, record.StateConflicted, got.SyncState)
	_, err = c.GetConflict(ctx, "w1")
	require.NoError(t, err)

	settled := got.Clone()
	settled.SyncState = record.StateClean
	settled.Revision = "r2"
	require.NoError(t, c.SettleConflict(ctx, settled))

	got, err = c.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, record.StateClean, got.SyncState)
	_, err = c.GetConflict(ctx, "w1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollection_SaveConflictRollsBackOnBadConflict(t *testing.T) {
	ctx := context.Background()
	c := createTestStore(t).Collection("workouts")

	rec := createTestRecord("w1", record.StateConflicted, `{}`)
	err := c.SaveConflict(ctx, rec, &record.ConflictRecord{RecordID: "w1"})
	require.Error(t, err)

	_, err = c.Get(ctx, "w1")
	assert.ErrorIs(t, err, ErrNotFound, "record write must roll back with the conflict")
}
