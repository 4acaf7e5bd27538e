package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

// TestNewError tests error construction and field population
func TestNewError(t *testing.T) {
	err := NewError(ErrCodeCacheRead, "read failed")

	if err.Code != ErrCodeCacheRead {
		t.Errorf("expected code %s, got %s", ErrCodeCacheRead, err.Code)
	}
	if err.Category != CategoryCache {
		t.Errorf("expected category %s, got %s", CategoryCache, err.Category)
	}
	if err.Message != "read failed" {
		t.Errorf("unexpected message: %s", err.Message)
	}
	if err.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
	if !err.Retryable {
		t.Error("cache read errors should default to retryable")
	}
}

// TestGetCategory tests code-prefix to category mapping
func TestGetCategory(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		category ErrorCategory
	}{
		{ErrCodeCacheWrite, CategoryCache},
		{ErrCodeStorageRead, CategoryStorage},
		{ErrCodeWriteVerify, CategoryStorage},
		{ErrCodeBackupFailed, CategoryStorage},
		{ErrCodeLockTimeout, CategoryLock},
		{ErrCodeRateLimited, CategoryRateLimit},
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeStoreBusy, CategoryInternal},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		if got := GetCategory(tt.code); got != tt.category {
			t.Errorf("GetCategory(%s) = %s, want %s", tt.code, got, tt.category)
		}
	}
}

// TestErrorChaining tests fluent builders and unwrapping
func TestErrorChaining(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := NewError(ErrCodeStorageWrite, "write failed").
		WithComponent("fileops").
		WithOperation("write").
		WithContext("path", "/tmp/a.txt").
		WithCause(cause)

	if err.Component != "fileops" {
		t.Errorf("unexpected component: %s", err.Component)
	}
	if err.Operation != "write" {
		t.Errorf("unexpected operation: %s", err.Operation)
	}
	if err.Context["path"] != "/tmp/a.txt" {
		t.Errorf("unexpected context: %v", err.Context)
	}
	if !stderrors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected cause in message, got: %s", err.Error())
	}
}

// TestIsCode tests code matching through wrapping
func TestIsCode(t *testing.T) {
	inner := NewError(ErrCodeLockTimeout, "lock timed out")
	wrapped := fmt.Errorf("operation failed: %w", inner)

	if !IsCode(wrapped, ErrCodeLockTimeout) {
		t.Error("expected IsCode to match through wrapping")
	}
	if IsCode(wrapped, ErrCodeCacheRead) {
		t.Error("expected IsCode to reject a different code")
	}
	if IsCode(nil, ErrCodeLockTimeout) {
		t.Error("expected IsCode(nil) to be false")
	}
	if IsCode(fmt.Errorf("plain"), ErrCodeLockTimeout) {
		t.Error("expected IsCode to reject plain errors")
	}
}

// TestIsRetryable tests the retryable flag propagation
func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewError(ErrCodeStoreBusy, "busy")) {
		t.Error("store busy should be retryable")
	}
	if IsRetryable(NewError(ErrCodeInvalidConfig, "bad config")) {
		t.Error("config errors should not be retryable")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors should not be retryable")
	}
}
