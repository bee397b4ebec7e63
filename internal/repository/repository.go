package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/syncer"
)

var (
	// ErrNotFound means the record exists neither locally nor remotely.
	ErrNotFound = errors.New("repository: record not found")

	// ErrUnavailable means the record is not held locally and the remote
	// could not be reached to find out whether it exists.
	ErrUnavailable = errors.New("repository: remote unavailable")

	// ErrConflicted rejects writes to a record with an unresolved conflict.
	ErrConflicted = errors.New("repository: record has an unresolved conflict")

	// ErrEmptyPayload rejects writes without a payload.
	ErrEmptyPayload = errors.New("repository: payload is required")
)

const (
	// DefaultFreshness is how long a synced record is served without a
	// background re-fetch.
	DefaultFreshness = 5 * time.Minute

	// DefaultFetchTimeout bounds a blocking remote fetch on a read miss.
	DefaultFetchTimeout = 10 * time.Second

	// DefaultMemoryEntries is the memory cache capacity when no cache is
	// supplied.
	DefaultMemoryEntries = 256
)

// errUnchanged aborts a write whose payload matches what is stored.
var errUnchanged = errors.New("unchanged")

// Repository is the read/write facade for one collection. Reads go through
// the memory and disk caches to the local store and finally the remote;
// writes are durable once the local store accepts them and sync in the
// background.
type Repository struct {
	coll         *store.Collection
	src          remote.Source
	sync         *syncer.Manager
	cache        *cache.Tiered
	ids          record.IDGenerator
	freshness    time.Duration
	fetchTimeout time.Duration
	logger       *slog.Logger

	flight singleflight.Group
	bg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Repository.
type Option func(*Repository)

// WithCache sets the cache tiers. Without one a memory-only cache is used.
func WithCache(c *cache.Tiered) Option {
	return func(r *Repository) {
		r.cache = c
	}
}

// WithFreshness sets how long a synced record is considered current.
// Zero or negative disables background re-fetching.
func WithFreshness(d time.Duration) Option {
	return func(r *Repository) {
		r.freshness = d
	}
}

// WithFetchTimeout bounds remote fetches.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Repository) {
		r.fetchTimeout = d
	}
}

// WithIDGenerator sets the generator for ids of records created without one.
func WithIDGenerator(g record.IDGenerator) Option {
	return func(r *Repository) {
		r.ids = g
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) {
		r.logger = l
	}
}

// New creates a Repository over coll, fetching misses from src and syncing
// writes through mgr. mgr must manage the same collection.
func New(coll *store.Collection, src remote.Source, mgr *syncer.Manager, opts ...Option) (*Repository, error) {
	if coll == nil || src == nil || mgr == nil {
		return nil, fmt.Errorf("repository: collection, remote and sync manager are required")
	}
	if mgr.Collection() != coll.Name() {
		return nil, fmt.Errorf("repository: sync manager serves %q, not %q", mgr.Collection(), coll.Name())
	}

	r := &Repository{
		coll:         coll,
		src:          src,
		sync:         mgr,
		ids:          record.UUIDv7Generator{},
		freshness:    DefaultFreshness,
		fetchTimeout: DefaultFetchTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		mem, err := cache.NewMemory(DefaultMemoryEntries)
		if err != nil {
			return nil, err
		}
		r.cache = cache.NewTiered(mem, nil)
	}
	r.logger = r.logger.With("component", "repository", "collection", coll.Name())
	r.ctx, r.cancel = context.WithCancel(context.Background())

	mgr.Subscribe(syncer.ObserverFunc(r.onSyncEvent))
	return r, nil
}

// Collection returns the collection name.
func (r *Repository) Collection() string {
	return r.coll.Name()
}

// Manager returns the sync manager behind the repository.
func (r *Repository) Manager() *syncer.Manager {
	return r.sync
}

// Cache returns the cache tiers.
func (r *Repository) Cache() *cache.Tiered {
	return r.cache
}

// Close stops background refreshes and waits for them to finish.
func (r *Repository) Close() {
	r.cancel()
	r.bg.Wait()
}

// onSyncEvent keeps the caches in step with sync outcomes. It runs under the
// record lock of the event's record.
func (r *Repository) onSyncEvent(e syncer.Event) {
	if e.OldID != "" {
		r.cache.Evict(e.OldID)
	}
	if e.Record == nil || e.Record.Tombstoned() {
		r.cache.Evict(e.RecordID)
		return
	}
	r.cache.Put(e.Record)
}

// Get returns the record for id. Local state always wins: a record with
// unsynced changes is returned as the client last wrote it. Tombstoned
// records are reported as not found.
//
// When the record is missing locally, Get blocks on a remote fetch and
// returns ErrNotFound if the remote does not have it, or ErrUnavailable if
// the remote cannot be reached.
func (r *Repository) Get(ctx context.Context, id string) (*record.Record, error) {
	rec, found, err := r.getLocal(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return r.fetch(ctx, id)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	r.refreshIfStale(rec)
	return rec, nil
}

// getLocal serves id from the cache tiers or the local store. found is
// false when neither holds the record; a tombstone is found with a nil
// record. The record lock is held so a fill or promotion cannot overwrite
// a concurrent write or delete with the copy read before it.
func (r *Repository) getLocal(ctx context.Context, id string) (*record.Record, bool, error) {
	unlock := r.sync.Lock(id)
	defer unlock()

	if rec, tier := r.cache.Lookup(id); tier != cache.TierNone {
		r.logger.Debug("cache hit", "id", id, "tier", tier)
		return rec, true, nil
	}

	rec, err := r.coll.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("get %s: %w", id, err)
	case rec.Tombstoned():
		return nil, true, nil
	}
	r.cache.Put(rec)
	return rec, true, nil
}

// Put stores payload under id and queues it for sync. An empty id gets a
// fresh UUIDv7. Writing the payload a record already holds is a no-op.
func (r *Repository) Put(ctx context.Context, id string, payload record.Payload) (*record.Record, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if id == "" {
		id = r.ids.Generate()
	}

	unlock := r.sync.Lock(id)
	defer unlock()

	now := r.sync.Now()
	var unchanged *record.Record
	next, err := r.coll.Update(ctx, id, func(cur *record.Record) (*record.Record, error) {
		next := &record.Record{ID: id}
		if cur != nil {
			if cur.SyncState == record.StateConflicted {
				return nil, ErrConflicted
			}
			if !cur.Tombstoned() && cur.Payload.Equal(payload) {
				unchanged = cur
				return nil, errUnchanged
			}
			next = cur.Clone()
		}
		next.Payload = payload.Clone()
		next.LocalVersion++
		next.UpdatedAt = now
		if next.Failure != nil && next.Failure.Code == record.FailureRejected {
			next.Failure = nil
		}
		next.SyncState = syncer.PendingState(next, record.OpUpdate)
		return next, nil
	})
	if errors.Is(err, errUnchanged) {
		return unchanged, nil
	}
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", id, err)
	}

	r.cache.Put(next)
	outcome := r.sync.Enqueue(next, record.OpUpdate)
	r.logger.Debug("record written", "id", id, "local_version", next.LocalVersion, "sync", outcome)
	return next.Clone(), nil
}

// Delete tombstones the record and queues its remote deletion. A record the
// remote has never seen is removed at once.
func (r *Repository) Delete(ctx context.Context, id string) error {
	unlock := r.sync.Lock(id)
	defer unlock()

	now := r.sync.Now()
	next, err := r.coll.Update(ctx, id, func(cur *record.Record) (*record.Record, error) {
		if cur == nil {
			return nil, ErrNotFound
		}
		if cur.SyncState == record.StateConflicted {
			return nil, ErrConflicted
		}
		if cur.Tombstoned() {
			return nil, errUnchanged
		}
		next := cur.Clone()
		next.LocalVersion++
		next.UpdatedAt = now
		next.SyncState = syncer.PendingState(next, record.OpDelete)
		return next, nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}

	r.cache.Evict(id)
	if r.sync.Enqueue(next, record.OpDelete) == syncer.Cancelled {
		if err := r.coll.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	r.logger.Debug("record deleted", "id", id)
	return nil
}

// List returns records from the local store. It reflects what the client
// currently believes and never contacts the remote.
func (r *Repository) List(ctx context.Context, q store.Query) ([]*record.Record, error) {
	return r.coll.List(ctx, q)
}

// Purge removes a record locally without telling the remote, discarding any
// pending change and conflict.
func (r *Repository) Purge(ctx context.Context, id string) error {
	unlock := r.sync.Lock(id)
	defer unlock()

	if err := r.coll.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("purge %s: %w", id, err)
	}
	r.cache.Evict(id)
	r.sync.Forget(id)
	r.logger.Info("record purged", "id", id)
	return nil
}

// Sync runs a sync pass now.
func (r *Repository) Sync(ctx context.Context) (syncer.SyncReport, error) {
	return r.sync.RunPendingSync(ctx)
}

// SyncRecord syncs one record now. See syncer.Manager.SyncRecord.
func (r *Repository) SyncRecord(ctx context.Context, id string) error {
	return r.sync.SyncRecord(ctx, id)
}

// Conflicts lists unresolved conflicts.
func (r *Repository) Conflicts(ctx context.Context) ([]*record.ConflictRecord, error) {
	return r.sync.Conflicts(ctx)
}

// Resolve settles the conflict for id.
func (r *Repository) Resolve(ctx context.Context, id string, res record.Resolution) (*record.Record, error) {
	return r.sync.ResolveConflict(ctx, id, res)
}
