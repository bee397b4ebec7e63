package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/syncer"
	"github.com/roach88/offsync/internal/testutil"
)

type fixture struct {
	ctx    context.Context
	coll   *store.Collection
	remote *remote.Memory
	clock  *testutil.ManualClock
	net    *connectivity.Manual
	cache  *cache.Tiered
	mgr    *syncer.Manager
	repo   *Repository
}

type fixtureConfig struct {
	remote        *remote.Memory
	memoryEntries int
	freshness     time.Duration
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, fixtureConfig{})
}

func newFixtureWith(t *testing.T, cfg fixtureConfig) *fixture {
	t.Helper()
	if cfg.remote == nil {
		cfg.remote = remote.NewMemory()
	}
	if cfg.memoryEntries == 0 {
		cfg.memoryEntries = 16
	}
	if cfg.freshness == 0 {
		cfg.freshness = time.Hour
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "repo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := testutil.NewLogger(t)
	mem, err := cache.NewMemory(cfg.memoryEntries)
	require.NoError(t, err)
	disk, err := cache.NewDisk(afero.NewMemMapFs(), "/cache/workouts", 1<<20, cache.WithDiskLogger(logger))
	require.NoError(t, err)

	f := &fixture{
		ctx:    context.Background(),
		coll:   st.Collection("workouts"),
		remote: cfg.remote,
		clock:  testutil.NewManualClock(time.Time{}),
		net:    connectivity.NewManual(true),
		cache:  cache.NewTiered(mem, disk),
	}
	f.mgr, err = syncer.New(f.coll, f.remote,
		syncer.WithClock(f.clock),
		syncer.WithMonitor(f.net),
		syncer.WithRandom(func() float64 { return 0 }),
		syncer.WithLogger(logger),
	)
	require.NoError(t, err)
	t.Cleanup(f.mgr.Close)

	f.repo, err = New(f.coll, f.remote, f.mgr,
		WithCache(f.cache),
		WithFreshness(cfg.freshness),
		WithLogger(logger),
	)
	require.NoError(t, err)
	t.Cleanup(f.repo.Close)
	return f
}

func (f *fixture) put(t *testing.T, id, payload string) *record.Record {
	t.Helper()
	rec, err := f.repo.Put(f.ctx, id, record.MustPayload(payload))
	require.NoError(t, err)
	return rec
}

func (f *fixture) sync(t *testing.T) syncer.SyncReport {
	t.Helper()
	report, err := f.repo.Sync(f.ctx)
	require.NoError(t, err)
	return report
}

func TestRepository_ReadYourWritesOffline(t *testing.T) {
	f := newFixture(t)
	f.net.Set(false)

	f.put(t, "w1", `{"reps":10}`)
	rec, err := f.repo.Get(f.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, `{"reps":10}`, rec.Payload.String())
	assert.Equal(t, record.StatePendingCreate, rec.SyncState)

	f.put(t, "w1", `{"reps":12}`)
	rec, err = f.repo.Get(f.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, `{"reps":12}`, rec.Payload.String())
	assert.Equal(t, int64(2), rec.LocalVersion)

	// Durable in the store, not only the caches.
	f.cache.Purge()
	rec, err = f.repo.Get(f.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, `{"reps":12}`, rec.Payload.String())
	assert.Empty(t, f.remote.Calls())
}

func TestRepository_PutAssignsID(t *testing.T) {
	f := newFixture(t)

	rec, err := f.repo.Put(f.ctx, "", record.MustPayload(`{"reps":1}`))
	require.NoError(t, err)
	assert.Len(t, rec.ID, 36)

	_, err = f.repo.Put(f.ctx, "w1", nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestRepository_PutSamePayloadIsNoop(t *testing.T) {
	f := newFixture(t)
	f.put(t, "w1", `{"reps":10}`)
	f.sync(t)

	rec := f.put(t, "w1", `{"reps":10}`)
	assert.Equal(t, int64(1), rec.LocalVersion)
	assert.Equal(t, record.StateClean, rec.SyncState)
	_, queued := f.mgr.Task("w1")
	assert.False(t, queued)
}

func TestRepository_GetFetchesMissFromRemote(t *testing.T) {
	f := newFixture(t)
	f.remote.Seed("w9", record.MustPayload(`{"reps":3}`))

	rec, err := f.repo.Get(f.ctx, "w9")
	require.NoError(t, err)
	assert.Equal(t, record.StateClean, rec.SyncState)
	assert.Equal(t, "r1", rec.Revision)
	assert.Equal(t, f.clock.Now(), rec.SyncedAt)

	_, tier := f.cache.Lookup("w9")
	assert.Equal(t, cache.TierMemory, tier)
	stored, err := f.coll.Get(f.ctx, "w9")
	require.NoError(t, err)
	assert.Equal(t, `{"reps":3}`, stored.Payload.String())
}

func TestRepository_GetDistinguishesMissingFromUnreachable(t *testing.T) {
	f := newFixture(t)

	_, err := f.repo.Get(f.ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	f.remote.SetReachable(false)
	_, err = f.repo.Get(f.ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)

	f.remote.SetReachable(true)
	f.net.Set(false)
	_, err = f.repo.Get(f.ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRepository_DeleteTombstonesUntilSynced(t *testing.T) {
	f := newFixture(t)
	f.put(t, "w1", `{"reps":10}`)
	f.sync(t)

	require.NoError(t, f.repo.Delete(f.ctx, "w1"))
	_, err := f.repo.Get(f.ctx, "w1")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := f.repo.List(f.ctx, store.Query{})
	require.NoError(t, err)
	assert.Empty(t, list)

	st, err := f.repo.Status(f.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, record.StatePendingDelete, st.SyncState)

	// Deleting again is idempotent.
	require.NoError(t, f.repo.Delete(f.ctx, "w1"))

	f.sync(t)
	_, err = f.repo.Status(f.ctx, "w1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok := f.remote.Snapshot("w1")
	assert.False(t, ok)
}

func TestRepository_DeleteNeverSyncedRemovesAtOnce(t *testing.T) {
	f := newFixture(t)
	f.net.Set(false)
	f.put(t, "w1", `{"reps":10}`)

	require.NoError(t, f.repo.Delete(f.ctx, "w1"))
	_, err := f.repo.Status(f.ctx, "w1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, f.mgr.Pending())

	f.net.Set(true)
	f.sync(t)
	assert.Empty(t, f.remote.Calls())

	assert.ErrorIs(t, f.repo.Delete(f.ctx, "w1"), ErrNotFound)
}

func TestRepository_ConflictRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.put(t, "w1", `{"reps":10}`)
	f.sync(t)

	f.remote.Seed("w1", record.MustPayload(`{"reps":99}`))
	f.put(t, "w1", `{"reps":12}`)
	assert.Equal(t, 1, f.sync(t).Conflicts)

	_, err := f.repo.Put(f.ctx, "w1", record.MustPayload(`{"reps":13}`))
	assert.ErrorIs(t, err, ErrConflicted)
	assert.ErrorIs(t, f.repo.Delete(f.ctx, "w1"), ErrConflicted)

	st, err := f.repo.Status(f.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, record.StateConflicted, st.SyncState)
	require.NotNil(t, st.Conflict)
	assert.Equal(t, "r2", st.Conflict.Remote.Revision)

	conflicts, err := f.repo.Conflicts(f.ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	_, err = f.repo.Resolve(f.ctx, "w1", record.ResolveKeepRemote())
	require.NoError(t, err)

	rec, err := f.repo.Get(f.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, `{"reps":99}`, rec.Payload.String())
	assert.Equal(t, record.StateClean, rec.SyncState)
}

func TestRepository_CacheFollowsSyncOutcome(t *testing.T) {
	f := newFixture(t)
	f.put(t, "w1", `{"reps":10}`)
	f.sync(t)

	cached, tier := f.cache.Lookup("w1")
	require.Equal(t, cache.TierMemory, tier)
	assert.Equal(t, record.StateClean, cached.SyncState)
	assert.Equal(t, "r1", cached.Revision)
}

func TestRepository_StaleReadRefreshesInBackground(t *testing.T) {
	f := newFixtureWith(t, fixtureConfig{freshness: time.Minute})
	f.put(t, "w1", `{"reps":10}`)
	f.sync(t)
	f.remote.Seed("w1", record.MustPayload(`{"reps":50}`))

	// Fresh: no refetch.
	rec, err := f.repo.Get(f.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, `{"reps":10}`, rec.Payload.String())

	f.clock.Advance(2 * time.Minute)
	rec, err = f.repo.Get(f.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, `{"reps":10}`, rec.Payload.String(), "stale read is served without blocking")

	require.Eventually(t, func() bool {
		stored, err := f.coll.Get(f.ctx, "w1")
		return err == nil && stored.Revision == "r2"
	}, 2*time.Second, 5*time.Millisecond)

	f.repo.Close()
	rec, err = f.repo.Get(f.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, `{"reps":50}`, rec.Payload.String())
	assert.Equal(t, record.StateClean, rec.SyncState)
}

func TestRepository_RefreshKeepsLocalChanges(t *testing.T) {
	f := newFixture(t)
	f.put(t, "w1", `{"reps":10}`)
	f.sync(t)
	f.remote.Seed("w1", record.MustPayload(`{"reps":50}`))

	f.put(t, "w1", `{"reps":11}`)
	rec, err := f.repo.Refresh(f.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, `{"reps":11}`, rec.Payload.String())
	assert.Equal(t, record.StatePendingUpdate, rec.SyncState)
}

func TestRepository_RefreshDropsRemotelyDeletedCleanRecord(t *testing.T) {
	f := newFixture(t)
	f.put(t, "w1", `{"reps":10}`)
	f.sync(t)
	f.remote.Remove("w1")

	_, err := f.repo.Refresh(f.ctx, "w1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.coll.Get(f.ctx, "w1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, tier := f.cache.Lookup("w1")
	assert.Equal(t, cache.TierNone, tier)
}

func TestRepository_RekeyEvictsOldID(t *testing.T) {
	f := newFixtureWith(t, fixtureConfig{
		remote: remote.NewMemory(remote.WithServerIDs(record.NewFixedGenerator("srv-1"))),
	})
	f.put(t, "tmp-1", `{"reps":1}`)
	f.sync(t)

	_, tier := f.cache.Lookup("tmp-1")
	assert.Equal(t, cache.TierNone, tier)

	rec, err := f.repo.Get(f.ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, record.StateClean, rec.SyncState)
}

func TestRepository_StatusReportsRetry(t *testing.T) {
	f := newFixture(t)
	f.remote.SetReachable(false)
	f.put(t, "w1", `{"reps":10}`)
	f.sync(t)

	st, err := f.repo.Status(f.ctx, "w1")
	require.NoError(t, err)
	assert.True(t, st.Pending())
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, f.clock.Now().Add(time.Second), st.NextRetryAt)
	require.NotNil(t, st.Failure)
	assert.Equal(t, record.FailureTransient, st.Failure.Code)
	assert.False(t, st.InFlight)

	sum, err := f.repo.Summary(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.States[record.StatePendingCreate])
	assert.Equal(t, 1, sum.Queued)
	assert.Equal(t, 1, sum.Failed)
	assert.True(t, sum.Online)
	assert.NotNil(t, sum.Disk)
}

func TestRepository_Purge(t *testing.T) {
	f := newFixture(t)
	f.net.Set(false)
	f.put(t, "w1", `{"reps":10}`)

	require.NoError(t, f.repo.Purge(f.ctx, "w1"))
	assert.Empty(t, f.mgr.Pending())
	_, tier := f.cache.Lookup("w1")
	assert.Equal(t, cache.TierNone, tier)
	assert.ErrorIs(t, f.repo.Purge(f.ctx, "w1"), ErrNotFound)
}

func TestRepository_DiskTierPromotes(t *testing.T) {
	f := newFixtureWith(t, fixtureConfig{memoryEntries: 1})
	f.put(t, "a", `{"n":1}`)
	f.put(t, "b", `{"n":2}`)

	assert.False(t, f.cache.Memory().Contains("a"))
	rec, err := f.repo.Get(f.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, rec.Payload.String())
	assert.True(t, f.cache.Memory().Contains("a"))
}

func TestRepository_ConcurrentPutsSerialize(t *testing.T) {
	f := newFixture(t)
	f.net.Set(false)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.repo.Put(f.ctx, "w1", record.MustPayload(fmt.Sprintf(`{"reps":%d}`, i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := f.repo.Status(f.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), st.LocalVersion)
	assert.Equal(t, record.StatePendingCreate, st.SyncState)
	assert.Len(t, f.mgr.Pending(), 1)
}

func TestRepository_GetRacingDeleteNeverRefillsCache(t *testing.T) {
	f := newFixture(t)
	const n = 50
	for i := 0; i < n; i++ {
		f.put(t, fmt.Sprintf("w%d", i), `{"reps":10}`)
	}
	f.sync(t)

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("w%d", i)
		// Force Get down the store read and cache fill path.
		f.cache.Evict(id)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.repo.Get(f.ctx, id)
			if err != nil {
				assert.ErrorIs(t, err, ErrNotFound)
			}
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, f.repo.Delete(f.ctx, id))
		}()
		wg.Wait()

		_, err := f.repo.Get(f.ctx, id)
		assert.ErrorIs(t, err, ErrNotFound, id)
		_, tier := f.cache.Lookup(id)
		assert.Equal(t, cache.TierNone, tier, id)
	}
}

func TestNew_RejectsMismatchedManager(t *testing.T) {
	f := newFixture(t)
	other, err := store.Open(filepath.Join(t.TempDir(), "other.db"))
	require.NoError(t, err)
	defer other.Close()

	_, err = New(other.Collection("profiles"), f.remote, f.mgr)
	assert.Error(t, err)
}
