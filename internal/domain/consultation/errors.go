package consultation

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestrator failures for the boundary layer.
type ErrorKind string

const (
	ErrKindNotFound             ErrorKind = "NotFound"
	ErrKindInvalidTransition    ErrorKind = "InvalidTransition"
	ErrKindValidation           ErrorKind = "Validation"
	ErrKindConflict             ErrorKind = "Conflict"
	ErrKindProviderCreateFailed ErrorKind = "ProviderCreateFailed"
	ErrKindPersistFailed        ErrorKind = "PersistFailed"
)

var (
	// ErrNotFound is returned by repositories when no row matches (id, facility).
	ErrNotFound = errors.New("reservation not found")
	// ErrVersionConflict is returned by conditional writes that lost a race.
	ErrVersionConflict = errors.New("reservation was modified concurrently")
)

// Error is the uniform failure returned by Service.Transition.
type Error struct {
	Kind    ErrorKind
	Message string
	Current Status
	Action  Action
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}
