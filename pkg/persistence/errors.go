// Package persistence provides standardized error types for persistence
// operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrIllegalArgument indicates a required query parameter or command
	// input is nil or invalid. Raised before any storage access.
	ErrIllegalArgument = errors.New("illegal argument")

	// ErrExecutionNotFound indicates an execution was not found by the given
	// identifier.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrJobNotFound indicates a job was not found by the given identifier.
	ErrJobNotFound = errors.New("job not found")

	// ErrDeploymentNotFound indicates a deployment was not found by the given
	// identifier.
	ErrDeploymentNotFound = errors.New("deployment not found")

	// ErrDefinitionNotFound indicates a process definition was not found by
	// the given identifier or key.
	ErrDefinitionNotFound = errors.New("process definition not found")

	// ErrAmbiguousResult indicates a single-result query matched more than
	// one row.
	ErrAmbiguousResult = errors.New("query returned more than one result")

	// ErrStaleEntity indicates a conditional update lost an optimistic
	// concurrency race. Expected and recoverable, never surfaced to end
	// callers.
	ErrStaleEntity = errors.New("stale entity revision")
)

// EntityError wraps entity-related errors with operation context.
type EntityError struct {
	Op       string // operation being performed (e.g. "SaveJob", "ExecutionByID")
	EntityID string // entity ID if applicable
	Err      error  // underlying error
}

func (e *EntityError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.EntityID, e.Err)
	}

	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

func (e *EntityError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEntityError creates a new entity error with context.
func NewEntityError(op, entityID string, err error) *EntityError {
	return &EntityError{
		Op:       op,
		EntityID: entityID,
		Err:      err,
	}
}

// IsNotFound checks if an error indicates any entity was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrDeploymentNotFound) ||
		errors.Is(err, ErrDefinitionNotFound)
}

// IsStaleEntity checks if an error indicates a lost optimistic concurrency
// race.
func IsStaleEntity(err error) bool {
	return errors.Is(err, ErrStaleEntity)
}

// IsIllegalArgument checks if an error indicates invalid command or query
// input.
func IsIllegalArgument(err error) bool {
	return errors.Is(err, ErrIllegalArgument)
}
