package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/syncer"
)

// Status is the caller-visible sync state of one record.
type Status struct {
	ID           string                 `json:"id"`
	SyncState    record.SyncState       `json:"sync_state"`
	Revision     string                 `json:"revision,omitempty"`
	LocalVersion int64                  `json:"local_version"`
	UpdatedAt    time.Time              `json:"updated_at"`
	SyncedAt     time.Time              `json:"synced_at"`
	Failure      *record.Failure        `json:"failure,omitempty"`
	Attempts     int                    `json:"attempts,omitempty"`
	NextRetryAt  time.Time              `json:"next_retry_at,omitempty"`
	InFlight     bool                   `json:"in_flight,omitempty"`
	Conflict     *record.ConflictRecord `json:"conflict,omitempty"`
}

// Pending reports whether the record has local changes not yet confirmed.
func (s Status) Pending() bool {
	return s.SyncState.IsPending()
}

// Status reports the sync state of id, including tombstoned records.
func (r *Repository) Status(ctx context.Context, id string) (Status, error) {
	rec, err := r.coll.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Status{}, ErrNotFound
	}
	if err != nil {
		return Status{}, fmt.Errorf("status %s: %w", id, err)
	}

	st := Status{
		ID:           rec.ID,
		SyncState:    rec.SyncState,
		Revision:     rec.Revision,
		LocalVersion: rec.LocalVersion,
		UpdatedAt:    rec.UpdatedAt,
		SyncedAt:     rec.SyncedAt,
		Failure:      rec.Failure,
		InFlight:     r.sync.InFlight(id),
	}
	if task, ok := r.sync.Task(id); ok {
		st.Attempts = task.Attempts
		if !task.Held {
			st.NextRetryAt = task.NextRetryAt
		}
	}
	if rec.SyncState == record.StateConflicted {
		c, err := r.sync.Conflict(ctx, id)
		if err != nil && !errors.Is(err, syncer.ErrNoConflict) {
			return Status{}, fmt.Errorf("status %s: %w", id, err)
		}
		st.Conflict = c
	}
	return st, nil
}

// Summary aggregates the collection's sync state.
type Summary struct {
	Collection string                   `json:"collection"`
	States     map[record.SyncState]int `json:"states"`
	Queued     int                      `json:"queued"`
	Conflicts  int                      `json:"conflicts"`
	Failed     int                      `json:"failed"`
	Exhausted  int                      `json:"exhausted"`
	Online     bool                     `json:"online"`
	Memory     cache.Stats              `json:"memory_cache"`
	Disk       *cache.Stats             `json:"disk_cache,omitempty"`
}

// Summary reports per-state counts, queue depth and cache effectiveness.
func (r *Repository) Summary(ctx context.Context) (Summary, error) {
	counts, err := r.coll.Count(ctx)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{
		Collection: r.coll.Name(),
		States:     counts,
		Queued:     len(r.sync.Pending()),
		Conflicts:  counts[record.StateConflicted],
		Online:     r.sync.Monitor().IsOnline(),
		Memory:     r.cache.Memory().Stats(),
	}
	if d, ok := r.cache.Disk().(*cache.Disk); ok && d != nil {
		ds := d.Stats()
		s.Disk = &ds
	}

	failed, err := r.coll.List(ctx, store.Query{IncludeDeleted: true})
	if err != nil {
		return Summary{}, err
	}
	for _, rec := range failed {
		if rec.Failure == nil {
			continue
		}
		s.Failed++
		if rec.Failure.Exhausted {
			s.Exhausted++
		}
	}
	return s, nil
}
