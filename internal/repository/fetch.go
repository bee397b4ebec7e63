package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
)

// fetch loads id from the remote and adopts it locally. Concurrent fetches
// for the same id share one remote call.
func (r *Repository) fetch(ctx context.Context, id string) (*record.Record, error) {
	if !r.sync.Monitor().IsOnline() {
		return nil, fmt.Errorf("%w: offline", ErrUnavailable)
	}

	v, err, _ := r.flight.Do(id, func() (any, error) {
		return r.fetchAndAdopt(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	rec := v.(*record.Record)
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// fetchAndAdopt returns the adopted record, or nil when the record is gone
// both remotely and locally.
func (r *Repository) fetchAndAdopt(ctx context.Context, id string) (*record.Record, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	snap, err := r.src.Fetch(fetchCtx, id)
	cancel()

	switch {
	case errors.Is(err, remote.ErrNotFound):
		return r.adoptDeletion(ctx, id)
	case err != nil:
		if remote.IsTransient(err) {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("fetch %s: %w", id, err)
	}
	return r.adopt(ctx, id, snap)
}

// adopt stores a remote snapshot unless the local record has changes of its
// own, which always win until they are synced.
func (r *Repository) adopt(ctx context.Context, id string, snap *record.Snapshot) (*record.Record, error) {
	unlock := r.sync.Lock(id)
	defer unlock()

	now := r.sync.Now()
	next, err := r.coll.Update(ctx, id, func(cur *record.Record) (*record.Record, error) {
		if cur != nil && cur.SyncState != record.StateClean {
			return cur, nil
		}
		next := &record.Record{ID: id, UpdatedAt: now}
		if cur != nil {
			next = cur.Clone()
		}
		if next.Revision != snap.Revision {
			next.Payload = snap.Payload.Clone()
			next.Revision = snap.Revision
			next.UpdatedAt = now
		}
		next.SyncedAt = now
		next.SyncState = record.StateClean
		next.Failure = nil
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("adopt %s: %w", id, err)
	}

	if next.Tombstoned() {
		r.cache.Evict(id)
		return nil, nil
	}
	r.cache.Put(next)
	r.logger.Debug("record fetched", "id", id, "revision", next.Revision, "state", next.SyncState)
	return next, nil
}

// adoptDeletion handles a remote NotFound: a clean local copy is dropped,
// a local copy with unsynced changes is kept.
func (r *Repository) adoptDeletion(ctx context.Context, id string) (*record.Record, error) {
	unlock := r.sync.Lock(id)
	defer unlock()

	cur, err := r.coll.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		r.cache.Evict(id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if cur.SyncState != record.StateClean || cur.NeverSynced() {
		if cur.Tombstoned() {
			return nil, nil
		}
		return cur, nil
	}

	if err := r.coll.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("drop %s: %w", id, err)
	}
	r.cache.Evict(id)
	r.logger.Info("record deleted remotely", "id", id)
	return nil, nil
}

// Refresh fetches id from the remote now, bypassing the freshness window.
// Local records with unsynced changes are returned unchanged.
func (r *Repository) Refresh(ctx context.Context, id string) (*record.Record, error) {
	return r.fetch(ctx, id)
}

// refreshIfStale schedules a background re-fetch for a stale clean record.
// The caller is never blocked; failures are logged and retried on a later
// read.
func (r *Repository) refreshIfStale(rec *record.Record) {
	if r.freshness <= 0 || !rec.Stale(r.sync.Now(), r.freshness) {
		return
	}
	if !r.sync.Monitor().IsOnline() || r.ctx.Err() != nil {
		return
	}

	id := rec.ID
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		_, err, shared := r.flight.Do(id, func() (any, error) {
			return r.fetchAndAdopt(r.ctx, id)
		})
		if err != nil && r.ctx.Err() == nil {
			r.logger.Warn("background refresh failed", "id", id, "error", err)
		} else if !shared {
			r.logger.Debug("background refresh finished", "id", id)
		}
	}()
}
