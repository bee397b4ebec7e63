package remote

import (
	"context"

	"github.com/roach88/offsync/internal/record"
)

// Source is the Remote Data Source for one entity collection.
type Source interface {
	// Fetch returns the current remote state, ErrNotFound or ErrUnreachable.
	Fetch(ctx context.Context, id string) (*record.Snapshot, error)

	// Create stores a new record. id is the client-proposed id; the remote
	// may assign a different one, reported in Ack.ID.
	Create(ctx context.Context, id string, payload record.Payload) (Ack, error)

	// Update replaces the payload only if expectedRevision matches the
	// current remote revision; otherwise it returns a *ConflictError.
	Update(ctx context.Context, id string, payload record.Payload, expectedRevision string) (string, error)

	// Delete removes the record only if expectedRevision matches.
	Delete(ctx context.Context, id string, expectedRevision string) error
}

// Ack is the remote acknowledgement of a create.
type Ack struct {
	ID       string `json:"id"`
	Revision string `json:"revision"`
}
