package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/store"
)

type workout struct {
	Name string `json:"name"`
	Reps int    `json:"reps"`
	Sets int    `json:"sets,omitempty"`
}

func TestTyped_RoundTrip(t *testing.T) {
	f := newFixture(t)
	workouts := NewTyped[workout](f.repo)

	put, err := workouts.Put(f.ctx, "w1", workout{Name: "squat", Reps: 10, Sets: 3})
	require.NoError(t, err)
	assert.Equal(t, record.StatePendingCreate, put.SyncState)

	got, err := workouts.Get(f.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, workout{Name: "squat", Reps: 10, Sets: 3}, got.Value)

	// Payloads are stored canonically.
	rec, err := f.repo.Get(f.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"squat","reps":10,"sets":3}`, rec.Payload.String())

	_, err = workouts.Put(f.ctx, "w2", workout{Name: "lunge", Reps: 8})
	require.NoError(t, err)

	list, err := workouts.List(f.ctx, store.Query{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "squat", list[0].Value.Name)
	assert.Equal(t, "lunge", list[1].Value.Name)

	require.NoError(t, workouts.Delete(f.ctx, "w1"))
	_, err = workouts.Get(f.ctx, "w1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTyped_DecodeMismatch(t *testing.T) {
	f := newFixture(t)
	f.put(t, "w1", `{"name":7}`)

	_, err := NewTyped[workout](f.repo).Get(f.ctx, "w1")
	assert.Error(t, err)
}
