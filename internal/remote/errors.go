package remote

import (
	"errors"
	"fmt"

	"github.com/roach88/offsync/internal/record"
)

var (
	// ErrNotFound means the remote has no record with the id.
	ErrNotFound = errors.New("remote: not found")

	// ErrUnreachable means the call did not reach a healthy remote
	// (network failure, timeout or server error). It is always retryable.
	ErrUnreachable = errors.New("remote: unreachable")
)

// ConflictError reports a revision mismatch. Current is the remote state the
// caller lost to.
type ConflictError struct {
	Current *record.Snapshot
}

func (e *ConflictError) Error() string {
	if e.Current == nil {
		return "remote: revision conflict"
	}
	return fmt.Sprintf("remote: revision conflict (current revision %s)", e.Current.Revision)
}

// RejectedError is a non-retryable application error such as a failed
// validation. Retrying the same payload will fail the same way.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "remote: rejected: " + e.Reason
}

// Unreachable wraps cause so that errors.Is(err, ErrUnreachable) holds while
// the underlying failure stays inspectable.
func Unreachable(cause error) error {
	if cause == nil {
		return ErrUnreachable
	}
	return fmt.Errorf("%w: %w", ErrUnreachable, cause)
}

// IsConflict reports whether err is a *ConflictError and returns it.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsRejected reports whether err is a *RejectedError and returns it.
func IsRejected(err error) (*RejectedError, bool) {
	var re *RejectedError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsTransient reports whether err should be retried with backoff. Errors
// outside the taxonomy (including context deadline) count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if _, ok := IsConflict(err); ok {
		return false
	}
	if _, ok := IsRejected(err); ok {
		return false
	}
	return true
}
