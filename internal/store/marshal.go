package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/offsync/internal/record"
)

// recordColumns is the column list shared by every record SELECT.
const recordColumns = `id, payload, revision, local_version, updated_at, synced_at, sync_state, failure`

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record.Record, error) {
	var (
		rec       record.Record
		payload   []byte
		updatedAt int64
		syncedAt  int64
		state     string
		failure   sql.NullString
	)
	if err := row.Scan(&rec.ID, &payload, &rec.Revision, &rec.LocalVersion,
		&updatedAt, &syncedAt, &state, &failure); err != nil {
		return nil, err
	}

	parsed, err := record.ParseSyncState(state)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	rec.SyncState = parsed
	rec.Payload = record.Payload(payload)
	rec.UpdatedAt = fromNanos(updatedAt)
	rec.SyncedAt = fromNanos(syncedAt)

	if failure.Valid && failure.String != "" {
		var f record.Failure
		if err := json.Unmarshal([]byte(failure.String), &f); err != nil {
			return nil, fmt.Errorf("record %s: unmarshal failure: %w", rec.ID, err)
		}
		rec.Failure = &f
	}
	return &rec, nil
}

func marshalFailure(f *record.Failure) (sql.NullString, error) {
	if f == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal failure: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func marshalJSON(v any) (string, error) {
	data, err := record.MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// toNanos stores the zero time as 0 so "never" survives a round trip.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
