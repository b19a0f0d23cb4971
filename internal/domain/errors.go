package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound matches every NotFoundError under errors.Is.
var ErrNotFound = errors.New("not found")

// ValidationError reports malformed input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// NotFoundError reports an unknown mission, agent, subtask or other entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StateConflictError reports an operation that is invalid for the current
// state, including optimistic-lock mismatches.
type StateConflictError struct {
	Msg      string
	Expected string
	Actual   string
}

func (e StateConflictError) Error() string { return e.Msg }

// Conflictf builds a StateConflictError with a formatted message.
func Conflictf(expected, actual, format string, args ...any) StateConflictError {
	return StateConflictError{Msg: fmt.Sprintf(format, args...), Expected: expected, Actual: actual}
}

// AuthorizationError reports that the actor lacks the relationship the
// operation requires (worker, crew member, requester).
type AuthorizationError struct {
	ActorID string
	Role    string
	Subject string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s is not the %s of %s", e.ActorID, e.Role, e.Subject)
}

type AlreadySettledError struct {
	MissionID string
}

func (e AlreadySettledError) Error() string {
	return fmt.Sprintf("mission %s already settled", e.MissionID)
}

// PersistenceError wraps a durable-store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }
