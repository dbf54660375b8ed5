// Package persistence provides standardized error types for storage
// operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowExecutionNotFound indicates a run was not found by id.
	ErrWorkflowExecutionNotFound = errors.New("workflow execution not found")

	// ErrNodeExecutionNotFound indicates no node execution matches the
	// given logical node execution id.
	ErrNodeExecutionNotFound = errors.New("node execution not found")

	// ErrPauseNotFound indicates no active pause exists for the run.
	ErrPauseNotFound = errors.New("workflow pause not found")

	// ErrPauseAlreadyResumed indicates the pause was consumed by another
	// caller; the second resumer must re-fetch state instead of retrying.
	ErrPauseAlreadyResumed = errors.New("workflow pause already resumed")

	// ErrMessageNotFound indicates a message record was not found by id.
	ErrMessageNotFound = errors.New("message not found")
)

// ExecutionError wraps execution-related storage errors with context.
type ExecutionError struct {
	Op    string // Operation being performed (e.g. "Save", "Get")
	RunID string // Workflow run id if applicable
	Err   error  // Underlying error
}

func (e *ExecutionError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
	}

	return fmt.Sprintf("%s operation failed: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates a new execution error with context.
func NewExecutionError(op, runID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, RunID: runID, Err: err}
}

// IsNotFound reports whether err indicates any of the not-found conditions.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowExecutionNotFound) ||
		errors.Is(err, ErrNodeExecutionNotFound) ||
		errors.Is(err, ErrPauseNotFound) ||
		errors.Is(err, ErrMessageNotFound)
}
