// Package errors provides the structured error kinds used across the
// coordinator and their HTTP status mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeStaleVersion     ErrorCode = "STALE_VERSION"
	ErrCodeMissingChunk     ErrorCode = "MISSING_CHUNK"
	ErrCodeDeltaIntegrity   ErrorCode = "DELTA_INTEGRITY_ERROR"
	ErrCodeConflictDetected ErrorCode = "CONFLICT_DETECTED"
	ErrCodeSessionTimeout   ErrorCode = "SESSION_TIMEOUT"
	ErrCodeTargetOffline    ErrorCode = "TARGET_OFFLINE"
	ErrCodeTransport        ErrorCode = "TRANSPORT_ERROR"
	ErrCodeInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrCodeRateLimited      ErrorCode = "RATE_LIMITED"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// New creates a new SyncError
func New(code ErrorCode, message string) *SyncError {
	return &SyncError{Code: code, Message: message}
}

// Wrap creates a new SyncError wrapping a cause
func Wrap(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{Code: code, Message: message, Cause: cause}
}

// NotFound builds a NOT_FOUND error for an entity
func NotFound(kind, id string) *SyncError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s %s not found", kind, id))
}

// StaleVersion builds a STALE_VERSION error
func StaleVersion(fileID string) *SyncError {
	return New(ErrCodeStaleVersion,
		fmt.Sprintf("submitted clock for file %s is not a descendant of the current head", fileID))
}

// MissingChunk builds a MISSING_CHUNK error
func MissingChunk(hash string) *SyncError {
	return New(ErrCodeMissingChunk, fmt.Sprintf("chunk %s is not present in the chunk store", hash))
}

// DeltaIntegrity builds a DELTA_INTEGRITY_ERROR
func DeltaIntegrity(message string) *SyncError {
	return New(ErrCodeDeltaIntegrity, message)
}

// CodeOf extracts the error code from err, ErrCodeInternal if it carries none
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error code to its HTTP status
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeStaleVersion:
		return http.StatusConflict
	case ErrCodeMissingChunk:
		return http.StatusPreconditionFailed
	case ErrCodeDeltaIntegrity:
		return http.StatusUnprocessableEntity
	case ErrCodeSessionTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeTargetOffline, ErrCodeTransport:
		return http.StatusBadGateway
	case ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
