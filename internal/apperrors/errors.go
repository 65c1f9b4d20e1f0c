// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrSetup            = errors.New("worker setup failed")
	ErrWorkerDiagnostic = errors.New("worker reported failure")
	ErrWorkerExit       = errors.New("worker exited non-zero")
	ErrTransport        = errors.New("transport error")
	ErrInternal         = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message, surfaced to API clients and job records
	Field    string // For validation errors (e.g., "imageAId", "aoi.north")
	Resource string // For not found/conflict (e.g., "job", "file")
	Op       string // Operation that failed (e.g., "artifact.outputDir")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the sentinel and, when present, the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Setup reports a local failure while preparing a worker launch.
// The job already exists when this happens, so it is recorded on the job rather than returned to the caller.
func Setup(op string, cause error) error {
	return &Error{
		Sentinel: ErrSetup,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// WorkerDiagnostic wraps text the worker wrote to its diagnostic stream.
func WorkerDiagnostic(text string) error {
	return &Error{
		Sentinel: ErrWorkerDiagnostic,
		Message:  text,
	}
}

// WorkerExit reports a non-zero worker exit.
func WorkerExit(code int) error {
	return &Error{
		Sentinel: ErrWorkerExit,
		Message:  fmt.Sprintf("Process failed with exit code %d", code),
	}
}

// Transport wraps a client-side network or decoding failure.
func Transport(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransport,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
