// Package apperrors provides structured application errors for the training pipeline.
//
// Pipeline failures are split into kinds so callers can branch on them with errors.Is
// instead of inspecting messages. API-facing kinds map to HTTP status codes.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")

	ErrTransport  = errors.New("transport error")
	ErrJobFailed  = errors.New("job failed")
	ErrProvision  = errors.New("provision error")
	ErrConnection = errors.New("connection error")
	ErrShip       = errors.New("ship error")
	ErrTimeout    = errors.New("timeout")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "ci.url")
	Resource string // For not found/conflict (e.g., "run")
	Op       string // Operation that failed (e.g., "ec2.RunInstances")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is/errors.As.
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

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return wrap(ErrInternal, op, cause)
}

// Transport reports an unreachable endpoint or a non-success response.
func Transport(op string, cause error) error {
	return wrap(ErrTransport, op, cause)
}

// TransportStatus reports an unexpected HTTP status from an endpoint.
func TransportStatus(op string, statusCode int) error {
	return &Error{
		Sentinel: ErrTransport,
		Message:  fmt.Sprintf("%s: unexpected status %d", op, statusCode),
		Op:       op,
	}
}

// JobFailed reports a terminal non-success result from CI.
func JobFailed(job string, build int, result string) error {
	return &Error{
		Sentinel: ErrJobFailed,
		Message:  fmt.Sprintf("ci job %s build %d finished with result %q", job, build, result),
		Resource: job,
	}
}

// Provision reports a rejected or failed resource creation.
func Provision(op string, cause error) error {
	return wrap(ErrProvision, op, cause)
}

// Connection reports a remote session that could not be established or a failed command.
func Connection(op string, cause error) error {
	return wrap(ErrConnection, op, cause)
}

// Ship reports a failed upload to object storage or the reporting service.
func Ship(op string, cause error) error {
	return wrap(ErrShip, op, cause)
}

// Timeout reports a polling loop that exceeded its bound.
func Timeout(op string, waited time.Duration) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  fmt.Sprintf("%s: gave up after %s", op, waited.Round(time.Millisecond)),
		Op:       op,
	}
}

func wrap(sentinel error, op string, cause error) error {
	return &Error{
		Sentinel: sentinel,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
