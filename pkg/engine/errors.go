package engine

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/openfroyo/sitekick/pkg/topology"
)

// ErrorClass represents the classification of an error for retry decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: dropped connections, timeouts.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates the host topology changed under a session.
	// The whole verify/execute sequence may be retried.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: unknown host, unsupported platform, missing site on a contract lookup.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource names the host, site, application or pool involved, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the step being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an EngineError of the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return classOf(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// IsRetryable returns true if the caller may retry the whole sequence.
// Transient and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeCanceled            = "CANCELED"
	ErrCodeUnavailable         = "UNAVAILABLE"
	ErrCodeUnsupportedPlatform = "UNSUPPORTED_PLATFORM"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// temporary is implemented by transport errors that may clear on retry.
type temporary interface {
	Temporary() bool
}

// classify wraps a platform failure in an EngineError. Errors that are
// already classified are returned unchanged.
func classify(message string, err error) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}

	var tmp temporary
	var netErr net.Error
	switch {
	case errors.Is(err, topology.ErrConflict):
		return NewConflictError(message, err).WithCode(ErrCodeConflict)
	case errors.Is(err, topology.ErrHostNotFound):
		return NewPermanentError(message, err).WithCode(ErrCodeNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		return NewTransientError(message, err).WithCode(ErrCodeTimeout)
	case errors.Is(err, context.Canceled):
		return NewPermanentError(message, err).WithCode(ErrCodeCanceled)
	case errors.As(err, &tmp) && tmp.Temporary():
		return NewTransientError(message, err).WithCode(ErrCodeUnavailable)
	case errors.As(err, &netErr):
		return NewTransientError(message, err).WithCode(ErrCodeUnavailable)
	default:
		return NewPermanentError(message, err).WithCode(ErrCodeInternal)
	}
}
