package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/record"
)

func newTestServer(t *testing.T, opts ...MemoryOption) (*Hub, *Client) {
	t.Helper()
	hub := NewHub(opts...)
	ts := httptest.NewServer(NewServer(hub, nil).Routes())
	t.Cleanup(ts.Close)

	c, err := NewClient(ts.URL, "workouts")
	require.NoError(t, err)
	return hub, c
}

func TestClientServer_RoundTrip(t *testing.T) {
	ctx := context.Background()
	hub, c := newTestServer(t)

	require.NoError(t, c.Ping(ctx))

	ack, err := c.Create(ctx, "w1", record.MustPayload(`{"reps":10}`))
	require.NoError(t, err)
	assert.Equal(t, Ack{ID: "w1", Revision: "r1"}, ack)

	snap, err := c.Fetch(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "r1", snap.Revision)
	assert.Equal(t, `{"reps":10}`, snap.Payload.String())

	rev, err := c.Update(ctx, "w1", record.MustPayload(`{"reps":12}`), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r2", rev)

	stored, ok := hub.Collection("workouts").Snapshot("w1")
	require.True(t, ok)
	assert.Equal(t, `{"reps":12}`, stored.Payload.String())

	require.NoError(t, c.Delete(ctx, "w1", "r2"))
	_, err = c.Fetch(ctx, "w1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientServer_ConflictCarriesCurrent(t *testing.T) {
	ctx := context.Background()
	hub, c := newTestServer(t)
	hub.Collection("workouts").Seed("w1", record.MustPayload(`{"reps":1}`))
	hub.Collection("workouts").Seed("w1", record.MustPayload(`{"reps":15}`))

	_, err := c.Update(ctx, "w1", record.MustPayload(`{"reps":12}`), "r1")
	ce, ok := IsConflict(err)
	require.True(t, ok)
	require.NotNil(t, ce.Current)
	assert.Equal(t, "r2", ce.Current.Revision)
	assert.Equal(t, `{"reps":15}`, ce.Current.Payload.String())

	err = c.Delete(ctx, "w1", "r1")
	_, ok = IsConflict(err)
	assert.True(t, ok)
}

func TestClientServer_Rejected(t *testing.T) {
	_, c := newTestServer(t, WithValidator(func(string, record.Payload) string { return "bad payload" }))

	_, err := c.Create(context.Background(), "w1", record.MustPayload(`{}`))
	re, ok := IsRejected(err)
	require.True(t, ok)
	assert.Equal(t, "bad payload", re.Reason)
}

func TestClientServer_UnavailableIsUnreachable(t *testing.T) {
	hub, c := newTestServer(t)
	hub.Collection("workouts").SetReachable(false)

	_, err := c.Fetch(context.Background(), "w1")
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.True(t, IsTransient(err))
}

func TestClient_NetworkFailureIsUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := NewClient(url, "workouts")
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), "w1")
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestServer_BadBody(t *testing.T) {
	ts := httptest.NewServer(NewServer(NewHub(), nil).Routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/collections/w/records", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient("not a url", "c")
	assert.Error(t, err)
	_, err = NewClient("http://localhost", "")
	assert.Error(t, err)
}
