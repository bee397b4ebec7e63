package syncer

import (
	"errors"
	"fmt"
)

// ErrNoConflict is returned by ResolveConflict when the record has no
// unresolved conflict.
var ErrNoConflict = errors.New("syncer: no conflict to resolve")

// ErrorCode categorizes sync failures.
type ErrorCode string

const (
	// CodeTransient is a network, server or timeout failure; retried with backoff.
	CodeTransient ErrorCode = "TRANSIENT"
	// CodeConflict is a revision mismatch; the record awaits resolution.
	CodeConflict ErrorCode = "CONFLICT"
	// CodeRejected is a non-retryable application error from the remote.
	CodeRejected ErrorCode = "REJECTED"
	// CodeNotFound means the remote no longer has the record.
	CodeNotFound ErrorCode = "NOT_FOUND"
	// CodeOffline means sync was deferred until connectivity returns.
	CodeOffline ErrorCode = "OFFLINE"
)

// SyncError describes why syncing one record did not settle it.
type SyncError struct {
	Code     ErrorCode
	RecordID string
	Message  string
	Err      error
}

func (e *SyncError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("%s: %s (id=%s)", e.Code, e.Message, e.RecordID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsTransientError reports whether err is a transient sync failure.
func IsTransientError(err error) bool { return hasCode(err, CodeTransient) }

// IsConflictError reports whether err is a revision conflict.
func IsConflictError(err error) bool { return hasCode(err, CodeConflict) }

// IsRejectedError reports whether err is a remote rejection.
func IsRejectedError(err error) bool { return hasCode(err, CodeRejected) }

// IsOfflineError reports whether sync was deferred for connectivity.
func IsOfflineError(err error) bool { return hasCode(err, CodeOffline) }
