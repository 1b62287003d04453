package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error by the lifecycle phase it belongs to, which
// determines how the orchestrator reacts to it.
type ErrorKind string

const (
	// ErrKindConfig indicates an invalid or incomplete experiment definition.
	// Pre-mutation: fatal to the run, nothing to roll back.
	ErrKindConfig ErrorKind = "config"

	// ErrKindConnection indicates the target could not be reached or
	// authenticated against. Pre-mutation.
	ErrKindConnection ErrorKind = "connection"

	// ErrKindDiscovery indicates target topology could not be enumerated
	// (e.g., insufficient permissions). Pre-mutation.
	ErrKindDiscovery ErrorKind = "discovery"

	// ErrKindValidation indicates an action request failed parameter binding
	// or was denied by policy. Pre-mutation, fail-closed.
	ErrKindValidation ErrorKind = "validation"

	// ErrKindAction indicates a mutating action failed mid-flight. Recorded
	// and continued; the run still soaks and rolls back.
	ErrKindAction ErrorKind = "action"

	// ErrKindPersistence indicates a rollback step could not be durably
	// appended. Unconditionally fatal to further execution: proceeding would
	// mean mutating without a recorded undo.
	ErrKindPersistence ErrorKind = "persistence"

	// ErrKindUndo indicates a single rollback step's undo attempt failed.
	// Retried with backoff, then recorded abandoned; never aborts the
	// remainder of rollback.
	ErrKindUndo ErrorKind = "undo"
)

// ChaosError is the classified error type used throughout the engine.
type ChaosError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Action is the action name involved, if applicable.
	Action string `json:"action,omitempty"`

	// RunID is the experiment run involved, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Ambiguous marks an action error whose mutation outcome is unknown
	// (e.g., a remote call timed out after the request was sent). The
	// orchestrator treats ambiguous failures as mutations and still captures
	// a best-effort rollback step.
	Ambiguous bool `json:"ambiguous,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ChaosError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Action != "" {
		msg += fmt.Sprintf(" (action=%s)", e.Action)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ChaosError) Unwrap() error {
	return e.Err
}

// Is matches two ChaosErrors by kind, so callers can test against a bare
// kind sentinel like errors.Is(err, &ChaosError{Kind: ErrKindAction}).
func (e *ChaosError) Is(target error) bool {
	t, ok := target.(*ChaosError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithAction adds action context to an error.
func (e *ChaosError) WithAction(action string) *ChaosError {
	e.Action = action
	return e
}

// WithRun adds run context to an error.
func (e *ChaosError) WithRun(runID string) *ChaosError {
	e.RunID = runID
	return e
}

// NewConfigError creates a config-kind error.
func NewConfigError(message string, err error) *ChaosError {
	return &ChaosError{Kind: ErrKindConfig, Message: message, Err: err}
}

// NewConnectionError creates a connection-kind error.
func NewConnectionError(message string, err error) *ChaosError {
	return &ChaosError{Kind: ErrKindConnection, Message: message, Err: err}
}

// NewDiscoveryError creates a discovery-kind error.
func NewDiscoveryError(message string, err error) *ChaosError {
	return &ChaosError{Kind: ErrKindDiscovery, Message: message, Err: err}
}

// NewValidationError creates a validation-kind error.
func NewValidationError(message string, err error) *ChaosError {
	return &ChaosError{Kind: ErrKindValidation, Message: message, Err: err}
}

// NewActionError creates an action-kind error.
func NewActionError(message string, err error) *ChaosError {
	return &ChaosError{Kind: ErrKindAction, Message: message, Err: err}
}

// NewAmbiguousActionError creates an action-kind error whose mutation
// outcome is unknown to the caller.
func NewAmbiguousActionError(message string, err error) *ChaosError {
	return &ChaosError{Kind: ErrKindAction, Message: message, Ambiguous: true, Err: err}
}

// NewPersistenceError creates a persistence-kind error.
func NewPersistenceError(message string, err error) *ChaosError {
	return &ChaosError{Kind: ErrKindPersistence, Message: message, Err: err}
}

// NewUndoError creates an undo-kind error.
func NewUndoError(message string, err error) *ChaosError {
	return &ChaosError{Kind: ErrKindUndo, Message: message, Err: err}
}

// KindOf returns the classification of err, or "" if err is not a ChaosError.
func KindOf(err error) ErrorKind {
	var e *ChaosError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsPreMutation returns true if the error occurred before any mutation could
// have happened, so the run fails clean with no rollback phase.
func IsPreMutation(err error) bool {
	switch KindOf(err) {
	case ErrKindConfig, ErrKindConnection, ErrKindDiscovery, ErrKindValidation:
		return true
	}
	return false
}

// IsPersistence returns true if the error means a rollback step could not be
// recorded.
func IsPersistence(err error) bool {
	return KindOf(err) == ErrKindPersistence
}

// IsAmbiguous returns true if the error is an action failure whose mutation
// outcome is unknown.
func IsAmbiguous(err error) bool {
	var e *ChaosError
	if errors.As(err, &e) {
		return e.Ambiguous
	}
	return false
}
