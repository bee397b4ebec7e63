package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/offsync/internal/record"
)

// Collection is the Local Store view of one entity collection.
// It is safe for concurrent use.
type Collection struct {
	db   *sql.DB
	name string
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Get returns the record with the given id, or ErrNotFound.
// Tombstoned records are returned; filtering them is the caller's concern.
func (c *Collection) Get(ctx context.Context, id string) (*record.Record, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE collection = ? AND id = ?
	`, c.name, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// Put inserts or replaces a record.
func (c *Collection) Put(ctx context.Context, rec *record.Record) error {
	if err := upsertRecord(ctx, c.db, c.name, rec); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// Delete physically removes a record together with any conflict for it.
// Deleting a missing record is not an error.
func (c *Collection) Delete(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	defer tx.Rollback()

	if err := deleteRecord(ctx, tx, c.name, id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// UpdateFunc receives the current record (nil when absent) and returns the
// record to store. Returning a nil record deletes the row; returning an error
// aborts the transaction unchanged.
//
// The function runs while the store's single connection is held and must not
// call back into the store.
type UpdateFunc func(cur *record.Record) (*record.Record, error)

// Update performs an atomic read-modify-write of one record and returns the
// stored result (nil if deleted).
func (c *Collection) Update(ctx context.Context, id string, fn UpdateFunc) (*record.Record, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE collection = ? AND id = ?
	`, c.name, id)

	cur, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		cur = nil
	} else if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	next, err := fn(cur)
	if err != nil {
		return nil, err
	}

	if next == nil {
		if cur != nil {
			if err := deleteRecord(ctx, tx, c.name, id); err != nil {
				return nil, fmt.Errorf("update record: %w", err)
			}
		}
	} else {
		if next.ID != id {
			return nil, fmt.Errorf("update record: id changed from %q to %q", id, next.ID)
		}
		if err := upsertRecord(ctx, tx, c.name, next); err != nil {
			return nil, fmt.Errorf("update record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	return next, nil
}

// Rekey moves a record (and any conflict for it) from oldID to newID, used
// when the remote assigns its own id on create. Fails if newID is taken.
func (c *Collection) Rekey(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rekey record: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE collection = ? AND id = ?
	`, c.name, newID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("rekey record: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("rekey record: id %q already exists", newID)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE records SET id = ? WHERE collection = ? AND id = ?
	`, newID, c.name, oldID)
	if err != nil {
		return fmt.Errorf("rekey record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conflicts SET record_id = ? WHERE collection = ? AND record_id = ?
	`, newID, c.name, oldID); err != nil {
		return fmt.Errorf("rekey record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rekey record: %w", err)
	}
	return nil
}

// ListPending returns every record with unsynced local changes or an
// unresolved conflict, ordered by id.
func (c *Collection) ListPending(ctx context.Context) ([]*record.Record, error) {
	return c.List(ctx, Query{
		States: []record.SyncState{
			record.StatePendingCreate,
			record.StatePendingUpdate,
			record.StatePendingDelete,
			record.StateConflicted,
		},
		IncludeDeleted: true,
	})
}

// Count returns the number of records per sync state.
func (c *Collection) Count(ctx context.Context) (map[record.SyncState]int, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT sync_state, COUNT(*) FROM records
		WHERE collection = ?
		GROUP BY sync_state
		ORDER BY sync_state COLLATE BINARY
	`, c.name)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[record.SyncState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("count records: %w", err)
		}
		counts[record.SyncState(state)] = n
	}
	return counts, rows.Err()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertRecord(ctx context.Context, db execer, collection string, rec *record.Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	if !rec.SyncState.Valid() {
		return fmt.Errorf("record %s: invalid sync state %q", rec.ID, rec.SyncState)
	}
	if len(rec.Payload) == 0 {
		return fmt.Errorf("record %s: payload is required", rec.ID)
	}

	failure, err := marshalFailure(rec.Failure)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO records
		(collection, id, payload, revision, local_version, updated_at, synced_at, sync_state, failure)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			payload = excluded.payload,
			revision = excluded.revision,
			local_version = excluded.local_version,
			updated_at = excluded.updated_at,
			synced_at = excluded.synced_at,
			sync_state = excluded.sync_state,
			failure = excluded.failure
	`,
		collection,
		rec.ID,
		[]byte(rec.Payload),
		rec.Revision,
		rec.LocalVersion,
		toNanos(rec.UpdatedAt),
		toNanos(rec.SyncedAt),
		string(rec.SyncState),
		failure,
	)
	return err
}

func deleteRecord(ctx context.Context, db execer, collection, id string) error {
	if _, err := db.ExecContext(ctx, `
		DELETE FROM conflicts WHERE collection = ? AND record_id = ?
	`, collection, id); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		DELETE FROM records WHERE collection = ? AND id = ?
	`, collection, id)
	return err
}
