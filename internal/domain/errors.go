package domain

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error classification (spec.md §7).
// The control API and the scheduler's structured execution records both
// key off Kind rather than parsing error strings.
type Kind string

const (
	KindTransientSource   Kind = "TransientSource"
	KindPermanentSource   Kind = "PermanentSource"
	KindSinkConflict      Kind = "SinkConflict"
	KindInvalidTransition Kind = "InvalidTransition"
	KindIntegrityViolation Kind = "IntegrityViolation"
	KindNotFound          Kind = "NotFound"
)

// Error wraps an underlying error with a Kind and the operation that
// produced it, following the teacher's fmt.Errorf("...: %w", err) wrapping
// chains (e.g. lake/api/config/postgres.go) but keeping the kind queryable
// instead of re-parsing message text.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs an *Error. Op should name the component method that
// raised it, e.g. "executor.Run" or "approval.Approve".
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, else returns "" .
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

var (
	// ErrNotFound indicates an entity code or draft id that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition indicates a state-machine precondition failure,
	// e.g. approving a draft that is not PENDING_APPROVAL.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrIntegrityViolation indicates an attempt to create a second ACTIVE
	// or second draft row for the same entity_code.
	ErrIntegrityViolation = errors.New("integrity violation")
	// ErrSinkConflict indicates a uniqueness violation under
	// FAIL_ON_DUPLICATE.
	ErrSinkConflict = errors.New("sink conflict")
)
