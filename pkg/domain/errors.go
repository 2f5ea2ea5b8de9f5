package domain

import "fmt"

// ValidationError reports malformed or out-of-range input. The caller can
// recover by correcting the input; retrying unchanged will fail again.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// IllegalTransitionError reports an action with no entry in the transition
// table for the permit's current status and the acting role, including any
// mutation attempted against a terminal permit or by an unbound identity.
type IllegalTransitionError struct {
	PermitID string
	Status   PermitStatus
	Role     Role
	Action   Action
	Reason   string
}

func (e IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("illegal transition: %s %s by %s in status %s", e.PermitID, e.Action, e.Role, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// NotFoundError reports an unknown permit or user identifier.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ConflictError reports that a compare-and-swap persist lost to a concurrent
// transition, or that an allocated permit identifier collided on insert. The
// caller should reload and retry with fresh state.
type ConflictError struct {
	PermitID         string
	ExpectedRevision int64
	ActualRevision   int64
}

func (e ConflictError) Error() string {
	if e.ExpectedRevision == e.ActualRevision {
		return fmt.Sprintf("conflict: permit %s already exists", e.PermitID)
	}
	return fmt.Sprintf("conflict: permit %s revision moved from %d to %d", e.PermitID, e.ExpectedRevision, e.ActualRevision)
}

// CollaboratorError wraps a failure from the store, blob, or renderer
// collaborator. It is transient: the transition did not commit and the caller
// may retry the whole operation.
type CollaboratorError struct {
	Collaborator string
	Op           string
	Err          error
}

func (e CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collaborator, e.Op, e.Err)
}

// Unwrap exposes the underlying collaborator failure for errors.Is checks at
// the boundary; the wrapped shape itself never leaves the adapter layer.
func (e CollaboratorError) Unwrap() error { return e.Err }

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}
