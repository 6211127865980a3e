package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for scheduling decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed next iteration.
	// Examples: store unavailable, network timeouts to a remote worker host.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a lost optimistic claim.
	// Another scheduler instance or iteration already moved the record.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: missing credentials, unknown worker executable, malformed request detail.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassCancelled indicates the work was terminated by a cancellation signal.
	// It is the only class allowed to abort the remaining components of a request.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// RequestID is the deployment request that caused the error, if applicable.
	RequestID int64 `json:"request_id,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	if e.RequestID != 0 && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (request=%d, operation=%s)", e.Class, msg, e.RequestID, e.Operation)
	}
	if e.RequestID != 0 {
		return fmt.Sprintf("[%s] %s (request=%d)", e.Class, msg, e.RequestID)
	}
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation=%s)", e.Class, msg, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code match.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// ErrCancelled is the distinguished cancellation outcome of a dispatch or
// component. Match it with errors.Is.
var ErrCancelled = &EngineError{
	Class:   ErrorClassCancelled,
	Message: "terminated by cancellation",
	Code:    ErrCodeCancelled,
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewCancelledError creates a cancellation error that matches ErrCancelled.
func NewCancelledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassCancelled,
		Message: message,
		Code:    ErrCodeCancelled,
		Err:     err,
	}
}

// WithRequest adds request context to an error.
func (e *EngineError) WithRequest(requestID int64) *EngineError {
	e.RequestID = requestID
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

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsCancelled reports whether err is a cancellation outcome. Context
// cancellation and deadline errors count as cancellation.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	var e *EngineError
	if errors.As(err, &e) && e.Class == ErrorClassCancelled {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeClaimLost          = "CLAIM_LOST"
	ErrCodeCredentialsMissing = "CREDENTIALS_MISSING"
	ErrCodeWorkerNotFound     = "WORKER_NOT_FOUND"
	ErrCodeWorkerSpawn        = "WORKER_SPAWN_FAILED"
	ErrCodeWorkerExit         = "WORKER_EXIT"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeInternal           = "INTERNAL_ERROR"
)
