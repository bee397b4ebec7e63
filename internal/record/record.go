package record

import (
	"fmt"
	"time"
)

// SyncState is the per-record position in the synchronization state machine.
type SyncState string

const (
	StateClean         SyncState = "clean"
	StatePendingCreate SyncState = "pending_create"
	StatePendingUpdate SyncState = "pending_update"
	StatePendingDelete SyncState = "pending_delete"
	StateConflicted    SyncState = "conflicted"
)

// AllStates lists every valid SyncState in state-machine order.
var AllStates = []SyncState{
	StateClean,
	StatePendingCreate,
	StatePendingUpdate,
	StatePendingDelete,
	StateConflicted,
}

// Valid reports whether s is a known state.
func (s SyncState) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// IsPending reports whether the record has local changes not yet confirmed
// by the remote source.
func (s SyncState) IsPending() bool {
	return s == StatePendingCreate || s == StatePendingUpdate || s == StatePendingDelete
}

// Operation maps a pending state to the remote operation that settles it.
func (s SyncState) Operation() (Operation, bool) {
	switch s {
	case StatePendingCreate:
		return OpCreate, true
	case StatePendingUpdate:
		return OpUpdate, true
	case StatePendingDelete:
		return OpDelete, true
	default:
		return "", false
	}
}

// ParseSyncState converts a stored or user-supplied string into a SyncState.
func ParseSyncState(s string) (SyncState, error) {
	state := SyncState(s)
	if !state.Valid() {
		return "", fmt.Errorf("unknown sync state %q", s)
	}
	return state, nil
}

// Operation is a remote mutation kind.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// PendingState returns the SyncState a record takes while op is queued.
func (op Operation) PendingState() SyncState {
	switch op {
	case OpCreate:
		return StatePendingCreate
	case OpDelete:
		return StatePendingDelete
	default:
		return StatePendingUpdate
	}
}

// FailureCode classifies the last sync failure recorded on a record.
type FailureCode string

const (
	FailureTransient FailureCode = "transient"
	FailureRejected  FailureCode = "rejected"
	FailureConflict  FailureCode = "conflict"
)

// Failure annotates a record with the outcome of its last unsuccessful sync.
//
// Exhausted is set once the retry budget is spent. The task stays queued at
// the capped interval; Exhausted only surfaces the condition to callers.
type Failure struct {
	Code      FailureCode `json:"code"`
	Reason    string      `json:"reason"`
	Attempts  int         `json:"attempts"`
	At        time.Time   `json:"at"`
	Exhausted bool        `json:"exhausted,omitempty"`
}

// Record is an entity instance plus its synchronization metadata.
type Record struct {
	ID           string    `json:"id"`
	Payload      Payload   `json:"payload"`
	Revision     string    `json:"revision,omitempty"`
	LocalVersion int64     `json:"local_version"`
	UpdatedAt    time.Time `json:"updated_at"`
	SyncedAt     time.Time `json:"synced_at"`
	SyncState    SyncState `json:"sync_state"`
	Failure      *Failure  `json:"failure,omitempty"`
}

// Clone returns a deep copy so callers and caches never share mutable state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = r.Payload.Clone()
	if r.Failure != nil {
		f := *r.Failure
		c.Failure = &f
	}
	return &c
}

// NeverSynced reports whether the remote source has never acknowledged this record.
func (r *Record) NeverSynced() bool {
	return r.Revision == ""
}

// Tombstoned reports whether the record is deleted locally and awaiting
// remote confirmation. Tombstoned records are invisible to reads.
func (r *Record) Tombstoned() bool {
	return r.SyncState == StatePendingDelete
}

// Stale reports whether a Clean record should be re-fetched: it has no
// confirmation time, or the last confirmation is older than window.
// Records with local changes are never stale; their local state wins until
// synced. Neither is a Clean record without a revision (a rejected create):
// the remote does not hold it, so a fetch could never make it fresh.
func (r *Record) Stale(now time.Time, window time.Duration) bool {
	if r.SyncState != StateClean || r.NeverSynced() {
		return false
	}
	if r.SyncedAt.IsZero() {
		return true
	}
	return now.Sub(r.SyncedAt) > window
}

// Snapshot is a record's state as reported by the remote source.
type Snapshot struct {
	ID       string  `json:"id"`
	Payload  Payload `json:"payload"`
	Revision string  `json:"revision"`
}

// SyncTask is the single outstanding unit of sync work for a record id.
//
// Held tasks belong to conflicted records and are skipped by dispatch until
// the conflict is resolved.
type SyncTask struct {
	RecordID    string    `json:"record_id"`
	Operation   Operation `json:"operation"`
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"next_retry_at"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Held        bool      `json:"held,omitempty"`
}

// Due reports whether the task may be dispatched at now.
func (t *SyncTask) Due(now time.Time) bool {
	return !t.Held && !t.NextRetryAt.After(now)
}

// ConflictRecord pairs the local record with the remote state returned on a
// revision mismatch. Remote is nil when the remote deleted the record.
type ConflictRecord struct {
	ID         string    `json:"id"`
	RecordID   string    `json:"record_id"`
	Operation  Operation `json:"operation"`
	Local      *Record   `json:"local"`
	Remote     *Snapshot `json:"remote,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// RemoteDeleted reports whether the conflict arose because the remote no
// longer has the record.
func (c *ConflictRecord) RemoteDeleted() bool {
	return c.Remote == nil
}
