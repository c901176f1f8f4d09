// Package errors provides error codes shared by the sync client and server.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code that survives the client/server boundary.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrPermission ErrorCode = "PERMISSION_DENIED"

	// Sync taxonomy
	ErrNetwork     ErrorCode = "NETWORK_ERROR"     // retryable, counted toward retryCount
	ErrAuth        ErrorCode = "AUTH_ERROR"        // refresh credentials, not counted
	ErrConflict    ErrorCode = "SYNC_CONFLICT"     // diverted to the conflict store
	ErrPersistence ErrorCode = "PERSISTENCE_ERROR" // server-side, reported as failed
	ErrValidation  ErrorCode = "VALIDATION_ERROR"  // malformed payload, fail fast

	// Domain errors
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrQueueItemNotFound ErrorCode = "QUEUE_ITEM_NOT_FOUND"
	ErrConflictNotFound  ErrorCode = "CONFLICT_NOT_FOUND"
	ErrAlreadyResolved   ErrorCode = "CONFLICT_ALREADY_RESOLVED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error, or anything it wraps, carries a specific code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost AppError in the chain.
// Errors that carry no code are reported as ErrInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var conflictErr *ConflictError
	if stderrors.As(err, &conflictErr) {
		return ErrConflict
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether the scheduler should count the error against the
// item's retry budget and try again later. Unclassified errors are treated as
// transient so that no queue item is lost to an unexpected failure mode.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrAuth, ErrConflict, ErrValidation:
		return false
	default:
		return err != nil
	}
}

// Version is one side of a divergence: the payload and the timestamp it was
// observed at.
type Version struct {
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// ConflictError is returned by a type handler when the server holds a newer,
// different value for the same natural key than the queued mutation.
type ConflictError struct {
	EntityType string
	EntityKey  string
	Local      Version
	Server     Version
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: server@%d newer than local@%d",
		e.EntityType, e.EntityKey, e.Server.Timestamp, e.Local.Timestamp)
}

// AsConflict extracts a ConflictError from the chain.
func AsConflict(err error) (*ConflictError, bool) {
	var conflictErr *ConflictError
	if stderrors.As(err, &conflictErr) {
		return conflictErr, true
	}
	return nil, false
}
