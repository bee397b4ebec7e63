package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/offsync/internal/record"
)

// PutConflict stores the unresolved conflict for a record, replacing any
// earlier one for the same record.
func (c *Collection) PutConflict(ctx context.Context, conflict *record.ConflictRecord) error {
	if err := upsertConflict(ctx, c.db, c.name, conflict); err != nil {
		return fmt.Errorf("put conflict: %w", err)
	}
	return nil
}

// SaveConflict stores rec and its conflict in one transaction, so a record is
// never observed as conflicted without the conflict that explains it.
func (c *Collection) SaveConflict(ctx context.Context, rec *record.Record, conflict *record.ConflictRecord) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	defer tx.Rollback()

	if err := upsertRecord(ctx, tx, c.name, rec); err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	if err := upsertConflict(ctx, tx, c.name, conflict); err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	return nil
}

// SettleConflict stores the resolved record and drops its conflict in one
// transaction.
func (c *Collection) SettleConflict(ctx context.Context, rec *record.Record) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settle conflict: %w", err)
	}
	defer tx.Rollback()

	if err := upsertRecord(ctx, tx, c.name, rec); err != nil {
		return fmt.Errorf("settle conflict: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM conflicts WHERE collection = ? AND record_id = ?
	`, c.name, rec.ID); err != nil {
		return fmt.Errorf("settle conflict: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("settle conflict: %w", err)
	}
	return nil
}

func upsertConflict(ctx context.Context, db execer, collection string, conflict *record.ConflictRecord) error {
	if conflict == nil || conflict.RecordID == "" || conflict.ID == "" {
		return fmt.Errorf("conflict id and record id are required")
	}

	local, err := marshalJSON(conflict.Local)
	if err != nil {
		return fmt.Errorf("marshal local: %w", err)
	}
	var remote sql.NullString
	if conflict.Remote != nil {
		s, err := marshalJSON(conflict.Remote)
		if err != nil {
			return fmt.Errorf("marshal remote: %w", err)
		}
		remote = sql.NullString{String: s, Valid: true}
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO conflicts
		(collection, record_id, id, operation, local, remote, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, record_id) DO UPDATE SET
			id = excluded.id,
			operation = excluded.operation,
			local = excluded.local,
			remote = excluded.remote,
			detected_at = excluded.detected_at
	`,
		collection,
		conflict.RecordID,
		conflict.ID,
		string(conflict.Operation),
		local,
		remote,
		toNanos(conflict.DetectedAt),
	)
	return err
}

// GetConflict returns the unresolved conflict for a record, or ErrNotFound.
func (c *Collection) GetConflict(ctx context.Context, recordID string) (*record.ConflictRecord, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, record_id, operation, local, remote, detected_at
		FROM conflicts
		WHERE collection = ? AND record_id = ?
	`, c.name, recordID)

	conflict, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	return conflict, nil
}

// DeleteConflict removes the conflict for a record. Missing is not an error.
func (c *Collection) DeleteConflict(ctx context.Context, recordID string) error {
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM conflicts WHERE collection = ? AND record_id = ?
	`, c.name, recordID)
	if err != nil {
		return fmt.Errorf("delete conflict: %w", err)
	}
	return nil
}

// ListConflicts returns all unresolved conflicts ordered by detection time.
func (c *Collection) ListConflicts(ctx context.Context) ([]*record.ConflictRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, record_id, operation, local, remote, detected_at
		FROM conflicts
		WHERE collection = ?
		ORDER BY detected_at ASC, record_id ASC COLLATE BINARY
	`, c.name)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := []*record.ConflictRecord{}
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("list conflicts: %w", err)
		}
		conflicts = append(conflicts, conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	return conflicts, nil
}

func scanConflict(row rowScanner) (*record.ConflictRecord, error) {
	var (
		conflict   record.ConflictRecord
		op         string
		local      string
		remote     sql.NullString
		detectedAt int64
	)
	if err := row.Scan(&conflict.ID, &conflict.RecordID, &op, &local, &remote, &detectedAt); err != nil {
		return nil, err
	}
	conflict.Operation = record.Operation(op)
	conflict.DetectedAt = fromNanos(detectedAt)

	conflict.Local = &record.Record{}
	if err := json.Unmarshal([]byte(local), conflict.Local); err != nil {
		return nil, fmt.Errorf("unmarshal local: %w", err)
	}
	if remote.Valid {
		conflict.Remote = &record.Snapshot{}
		if err := json.Unmarshal([]byte(remote.String), conflict.Remote); err != nil {
			return nil, fmt.Errorf("unmarshal remote: %w", err)
		}
	}
	return &conflict, nil
}
