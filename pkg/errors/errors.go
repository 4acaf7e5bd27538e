// Package errors provides a structured error system for NoteCore with error codes, categories, and context.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for NoteCore operations.
type ErrorCode string

// Error code constants organized by component.
const (
	// Cache errors. Recoverable: the cache degrades to a miss or no-op.
	ErrCodeCacheRead   ErrorCode = "CACHE_READ"
	ErrCodeCacheWrite  ErrorCode = "CACHE_WRITE"
	ErrCodeCacheEncode ErrorCode = "CACHE_ENCODE"
	ErrCodeCacheClosed ErrorCode = "CACHE_CLOSED"

	// Storage errors. Reads and verifies are recoverable; an unresolved
	// write-verification failure aborts that operation.
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"
	ErrCodeWriteVerify  ErrorCode = "WRITE_VERIFY"
	ErrCodeBackupFailed ErrorCode = "BACKUP_FAILED"
	ErrCodePathInvalid  ErrorCode = "PATH_INVALID"
	ErrCodeFileNotFound ErrorCode = "FILE_NOT_FOUND"

	// Lock errors. Recoverable and retryable by the caller.
	ErrCodeLockTimeout ErrorCode = "LOCK_TIMEOUT"

	// Rate limit errors. Signals "denied", never an internal fault.
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"

	// Configuration errors.
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Internal system errors.
	ErrCodeStoreBusy     ErrorCode = "STORE_BUSY"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryCache         ErrorCategory = "cache"
	CategoryStorage       ErrorCategory = "storage"
	CategoryLock          ErrorCategory = "lock"
	CategoryRateLimit     ErrorCategory = "rate_limit"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryInternal      ErrorCategory = "internal"
)

// NoteCoreError represents a structured error with context and metadata.
type NoteCoreError struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	// Retryable marks errors the caller may retry without changing the request.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *NoteCoreError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *NoteCoreError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *NoteCoreError) Is(target error) bool {
	if ncErr, ok := target.(*NoteCoreError); ok {
		return e.Code == ncErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *NoteCoreError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	for k, v := range e.Context {
		parts = append(parts, fmt.Sprintf("%s=%q", k, v))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("NoteCoreError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new NoteCore error with default values.
func NewError(code ErrorCode, message string) *NoteCoreError {
	return &NoteCoreError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "CACHE_"):
		return CategoryCache
	case strings.HasPrefix(codeStr, "STORAGE_") || strings.HasPrefix(codeStr, "WRITE_") ||
		strings.HasPrefix(codeStr, "BACKUP_") || strings.HasPrefix(codeStr, "PATH_") ||
		strings.HasPrefix(codeStr, "FILE_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "LOCK_"):
		return CategoryLock
	case strings.HasPrefix(codeStr, "RATE_"):
		return CategoryRateLimit
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeLockTimeout:   true,
		ErrCodeStoreBusy:     true,
		ErrCodeCacheRead:     true,
		ErrCodeCacheWrite:    true,
		ErrCodeStorageRead:   true,
		ErrCodeInternalError: true,
	}
	return retryableCodes[code]
}

// WithContext adds contextual information to an error.
func (e *NoteCoreError) WithContext(key, value string) *NoteCoreError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component for an error.
func (e *NoteCoreError) WithComponent(component string) *NoteCoreError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *NoteCoreError) WithOperation(operation string) *NoteCoreError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *NoteCoreError) WithCause(cause error) *NoteCoreError {
	e.Cause = cause
	return e
}

// IsCode reports whether err is a NoteCoreError carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	var ncErr *NoteCoreError
	if stderrors.As(err, &ncErr) {
		return ncErr.Code == code
	}
	return false
}

// IsRetryable reports whether err is a NoteCoreError marked retryable.
func IsRetryable(err error) bool {
	var ncErr *NoteCoreError
	if stderrors.As(err, &ncErr) {
		return ncErr.Retryable
	}
	return false
}
