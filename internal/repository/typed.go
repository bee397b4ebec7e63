package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/store"
)

// Entity is a decoded record of a domain type.
type Entity[T any] struct {
	ID        string
	Value     T
	Revision  string
	SyncState record.SyncState
	UpdatedAt time.Time
}

// Typed wraps a Repository with JSON encoding for one domain type, such as
// a workout or a user profile.
type Typed[T any] struct {
	repo *Repository
}

// NewTyped returns a typed view of repo.
func NewTyped[T any](repo *Repository) *Typed[T] {
	return &Typed[T]{repo: repo}
}

func decodeEntity[T any](rec *record.Record) (Entity[T], error) {
	e := Entity[T]{
		ID:        rec.ID,
		Revision:  rec.Revision,
		SyncState: rec.SyncState,
		UpdatedAt: rec.UpdatedAt,
	}
	if err := rec.Payload.Decode(&e.Value); err != nil {
		return Entity[T]{}, fmt.Errorf("decode %s: %w", rec.ID, err)
	}
	return e, nil
}

// Get returns the entity for id.
func (t *Typed[T]) Get(ctx context.Context, id string) (Entity[T], error) {
	rec, err := t.repo.Get(ctx, id)
	if err != nil {
		return Entity[T]{}, err
	}
	return decodeEntity[T](rec)
}

// Put encodes v and stores it under id. An empty id gets a fresh one.
func (t *Typed[T]) Put(ctx context.Context, id string, v T) (Entity[T], error) {
	payload, err := record.PayloadOf(v)
	if err != nil {
		return Entity[T]{}, fmt.Errorf("encode %s: %w", id, err)
	}
	rec, err := t.repo.Put(ctx, id, payload)
	if err != nil {
		return Entity[T]{}, err
	}
	return decodeEntity[T](rec)
}

// Delete removes the entity for id.
func (t *Typed[T]) Delete(ctx context.Context, id string) error {
	return t.repo.Delete(ctx, id)
}

// List returns the entities matching q from the local store.
func (t *Typed[T]) List(ctx context.Context, q store.Query) ([]Entity[T], error) {
	recs, err := t.repo.List(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]Entity[T], 0, len(recs))
	for _, rec := range recs {
		e, err := decodeEntity[T](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
