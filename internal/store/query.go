package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/offsync/internal/record"
)

// OrderField selects the primary sort key for List.
type OrderField string

const (
	OrderByID        OrderField = "id"
	OrderByUpdatedAt OrderField = "updated_at"
)

// Query filters and orders a List call. The zero Query lists every visible
// (non-tombstoned) record ordered by id.
type Query struct {
	// States restricts results to these sync states. Empty means all.
	States []record.SyncState

	// IDPrefix restricts results to ids starting with this prefix.
	IDPrefix string

	// UpdatedSince restricts results to records mutated at or after this time.
	UpdatedSince time.Time

	// IncludeDeleted includes tombstoned (pending_delete) records.
	IncludeDeleted bool

	OrderBy    OrderField
	Descending bool

	// Limit caps the result size. Zero means unlimited.
	Limit  int
	Offset int
}

// List returns the records matching q.
func (c *Collection) List(ctx context.Context, q Query) ([]*record.Record, error) {
	query, args, err := compileQuery(c.name, q)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := []*record.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

// compileQuery converts a Query to parameterized SQL. Values are always bound,
// never interpolated, and every query ends with a binary id tiebreak.
func compileQuery(collection string, q Query) (string, []any, error) {
	where := []string{"collection = ?"}
	args := []any{collection}

	if len(q.States) > 0 {
		placeholders := make([]string, len(q.States))
		for i, s := range q.States {
			if !s.Valid() {
				return "", nil, fmt.Errorf("invalid sync state %q", s)
			}
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "sync_state IN ("+strings.Join(placeholders, ", ")+")")
	}

	if !q.IncludeDeleted {
		where = append(where, "sync_state != ?")
		args = append(args, string(record.StatePendingDelete))
	}

	if q.IDPrefix != "" {
		where = append(where, "substr(id, 1, ?) = ?")
		args = append(args, len(q.IDPrefix), q.IDPrefix)
	}

	if !q.UpdatedSince.IsZero() {
		where = append(where, "updated_at >= ?")
		args = append(args, toNanos(q.UpdatedSince))
	}

	if q.Limit < 0 || q.Offset < 0 {
		return "", nil, fmt.Errorf("limit and offset must be non-negative")
	}

	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}

	var order string
	switch q.OrderBy {
	case "", OrderByID:
		order = "id COLLATE BINARY " + dir
	case OrderByUpdatedAt:
		order = "updated_at " + dir + ", id COLLATE BINARY " + dir
	default:
		return "", nil, fmt.Errorf("unsupported order field %q", q.OrderBy)
	}

	sql := "SELECT " + recordColumns + " FROM records WHERE " +
		strings.Join(where, " AND ") + " ORDER BY " + order

	if q.Limit > 0 {
		sql += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			sql += " OFFSET ?"
			args = append(args, q.Offset)
		}
	} else if q.Offset > 0 {
		sql += " LIMIT -1 OFFSET ?"
		args = append(args, q.Offset)
	}

	return sql, args, nil
}
