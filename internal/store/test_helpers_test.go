package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/offsync/internal/record"
)

// createTestStore opens a fresh database in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// createTestRecord builds a record with minimal required fields.
func createTestRecord(id string, state record.SyncState, payload string) *record.Record {
	return &record.Record{
		ID:           id,
		Payload:      record.MustPayload(payload),
		LocalVersion: 1,
		UpdatedAt:    baseTime,
		SyncState:    state,
	}
}
