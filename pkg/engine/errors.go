package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary control-plane unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassFatal indicates the desired spec is invalid per the provider
	// and no amount of retrying will fix it. Requires operator correction.
	ErrorClassFatal ErrorClass = "fatal"
)

// EngineError represents a classified error with resource context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the logical name that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewFatalError creates a new fatal error.
func NewFatalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassFatal,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(name string) *EngineError {
	e.Resource = name
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

// NewCycleError creates the build-time error for a dependency cycle.
// The cycle path is recorded in the message so operators can see the
// offending resources without digging through graph internals.
func NewCycleError(cycle []string) *EngineError {
	return NewFatalError(
		fmt.Sprintf("dependency cycle detected: %s", strings.Join(cycle, " -> ")),
		nil,
	).WithCode(ErrCodeCycleDetected)
}

// NewUnknownReferenceError creates the build-time error for a dependency
// name that does not resolve to a declared resource.
func NewUnknownReferenceError(from, target string) *EngineError {
	return NewFatalError(
		fmt.Sprintf("resource %q depends on undeclared resource %q", from, target),
		nil,
	).WithCode(ErrCodeUnknownReference).WithResource(from)
}

// NewStoreLockedError indicates another cycle holds the state store lease.
// This defers the cycle; it is not an error to the caller of the loop.
func NewStoreLockedError(holder string) *EngineError {
	return NewTransientError(
		fmt.Sprintf("state store lease held by %s", holder),
		nil,
	).WithCode(ErrCodeStoreLocked)
}

// NewUnresolvablePlanError indicates an internal invariant violation: a
// dependency targets a resource the differ produced no delta for. The cycle
// aborts entirely.
func NewUnresolvablePlanError(from, target string) *EngineError {
	return NewFatalError(
		fmt.Sprintf("plan references resource %q with no computed delta (required by %q)", target, from),
		nil,
	).WithCode(ErrCodeUnresolvablePlan).WithResource(from)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassFatal
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and throttled errors are retryable; fatal errors are not.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// IsStoreLocked returns true if the error means another cycle holds the lease.
func IsStoreLocked(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeStoreLocked
	}
	return false
}

// Common error codes.
const (
	ErrCodeCycleDetected    = "CYCLE_DETECTED"
	ErrCodeUnknownReference = "UNKNOWN_REFERENCE"
	ErrCodeStoreLocked      = "STORE_LOCKED"
	ErrCodeUnresolvablePlan = "UNRESOLVABLE_PLAN"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
