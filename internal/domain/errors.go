// Package domain defines core types, interfaces, and errors for the enrichment engine.
package domain

import (
	"fmt"
	"time"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a conflict (e.g., duplicate resource).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// InvalidTransitionError indicates a requested status change is not permitted
// from the job's current status. No state is mutated when it is returned.
type InvalidTransitionError struct {
	JobID int64
	From  JobStatus
	To    JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %d: cannot transition from %s to %s", e.JobID, e.From, e.To)
}

// RowSourceError wraps a failed count or page query against a row source.
type RowSourceError struct {
	Op  string // "count" or "fetch"
	Err error
}

func (e *RowSourceError) Error() string {
	return fmt.Sprintf("row source %s: %v", e.Op, e.Err)
}

func (e *RowSourceError) Unwrap() error { return e.Err }

// ProcessorError is a generic batch processor failure. It is recorded against
// the batch's rows and never ends the job.
type ProcessorError struct {
	JobID   int64
	Message string
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("job %d: processor: %s", e.JobID, e.Message)
}

// TimeoutError indicates a completion wait exceeded its deadline. The job
// itself is unaffected.
type TimeoutError struct {
	JobID int64
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for job %d", e.After, e.JobID)
}

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}
