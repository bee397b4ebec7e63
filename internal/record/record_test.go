package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncState_Operation(t *testing.T) {
	tests := []struct {
		state SyncState
		op    Operation
		ok    bool
	}{
		{StatePendingCreate, OpCreate, true},
		{StatePendingUpdate, OpUpdate, true},
		{StatePendingDelete, OpDelete, true},
		{StateClean, "", false},
		{StateConflicted, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			op, ok := tt.state.Operation()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.op, op)
			if ok {
				assert.Equal(t, tt.state, op.PendingState())
			}
		})
	}
}

func TestParseSyncState(t *testing.T) {
	s, err := ParseSyncState("pending_update")
	require.NoError(t, err)
	assert.Equal(t, StatePendingUpdate, s)

	_, err = ParseSyncState("dirty")
	assert.Error(t, err)
}

func TestRecord_CloneIsDeep(t *testing.T) {
	orig := &Record{
		ID:      "r1",
		Payload: MustPayload(`{"a":1}`),
		Failure: &Failure{Code: FailureTransient, Attempts: 2},
	}
	c := orig.Clone()
	c.Payload[2] = 'z'
	c.Failure.Attempts = 9

	assert.Equal(t, `{"a":1}`, orig.Payload.String())
	assert.Equal(t, 2, orig.Failure.Attempts)
	assert.Nil(t, (*Record)(nil).Clone())
}

func TestRecord_Stale(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	window := 5 * time.Minute

	fresh := &Record{SyncState: StateClean, Revision: "r1", SyncedAt: now.Add(-time.Minute)}
	old := &Record{SyncState: StateClean, Revision: "r1", SyncedAt: now.Add(-time.Hour)}
	pending := &Record{SyncState: StatePendingUpdate, Revision: "r1", SyncedAt: now.Add(-time.Hour)}
	unconfirmed := &Record{SyncState: StateClean, Revision: "r1"}
	rejected := &Record{SyncState: StateClean}

	assert.False(t, fresh.Stale(now, window))
	assert.True(t, old.Stale(now, window))
	assert.True(t, unconfirmed.Stale(now, window), "no sync time is stale")
	assert.False(t, pending.Stale(now, window), "local changes are never stale")
	assert.False(t, rejected.Stale(now, window), "the remote never held it")
}

func TestSyncTask_Due(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, (&SyncTask{NextRetryAt: now}).Due(now))
	assert.False(t, (&SyncTask{NextRetryAt: now.Add(time.Second)}).Due(now))
	assert.False(t, (&SyncTask{NextRetryAt: now, Held: true}).Due(now))
}

func TestPayload_EqualAfterCanonicalization(t *testing.T) {
	a := MustPayload(`{"x": 1, "y": [1, 2]}`)
	b := MustPayload(`{"y":[1,2],"x":1}`)
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	c := MustPayload(`{"x": 2, "y": [1, 2]}`)
	assert.False(t, a.Equal(c))
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestPayload_JSONRoundTripEmbedsDocument(t *testing.T) {
	r := Record{ID: "w1", Payload: MustPayload(`{"reps": 10}`), SyncState: StateClean}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"payload":{"reps":10}`)

	var back Record
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, r.Payload.Equal(back.Payload))
}

func TestNewPayload_RejectsEmpty(t *testing.T) {
	_, err := NewPayload([]byte("  "))
	assert.Error(t, err)
}

func TestPayloadOf_Decode(t *testing.T) {
	type workout struct {
		Name string `json:"name"`
		Reps int    `json:"reps"`
	}
	p, err := PayloadOf(workout{Name: "squat", Reps: 5})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"squat","reps":5}`, p.String())

	var w workout
	require.NoError(t, p.Decode(&w))
	assert.Equal(t, "squat", w.Name)
}

func TestFingerprint_DomainSeparated(t *testing.T) {
	p := MustPayload(`{}`)
	assert.Len(t, p.Fingerprint(), 64)
	assert.NotEqual(t, hashWithDomain("other/v1", p), p.Fingerprint())
}

func TestIDGenerators(t *testing.T) {
	id := NewID()
	assert.Len(t, id, 36)

	fixed := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", fixed.Generate())
	assert.Equal(t, "b", fixed.Generate())
	assert.Panics(t, func() { fixed.Generate() })

	seq := NewSequenceGenerator("c")
	assert.Equal(t, "c-1", seq.Generate())
	assert.Equal(t, "c-2", seq.Generate())
}

func TestResolution_Validate(t *testing.T) {
	assert.NoError(t, ResolveKeepLocal().Validate())
	assert.NoError(t, ResolveKeepRemote().Validate())
	assert.NoError(t, ResolveMerge(MustPayload(`{"a":1}`)).Validate())
	assert.Error(t, ResolveMerge(nil).Validate())
	assert.Error(t, Resolution{Kind: "coin_flip"}.Validate())

	k, err := ParseResolutionKind("keep_remote")
	require.NoError(t, err)
	assert.Equal(t, KeepRemote, k)
	_, err = ParseResolutionKind("theirs")
	assert.Error(t, err)
}
