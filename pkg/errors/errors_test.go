package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Details == nil || err.Context == nil {
			t.Error("Details/Context maps not initialized")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets correct retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeNetworkError, "offline").Retryable {
			t.Error("NetworkError should be retryable by default")
		}
		if NewError(ErrCodeObjectNotFound, "missing").Retryable {
			t.Error("ObjectNotFound should not be retryable by default")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeNetworkError, CategoryConnection},
		{ErrCodeObjectNotFound, CategoryStorage},
		{ErrCodeStorageWrite, CategoryStorage},
		{ErrCodeNotEmpty, CategoryFilesystem},
		{ErrCodeMountFailed, CategoryFilesystem},
		{ErrCodeCacheFull, CategoryResource},
		{ErrCodeServiceUnavailable, CategoryState},
		{ErrCodeRetryExhausted, CategoryOperation},
		{ErrCodeUnknownError, CategoryInternal},
	}

	for _, tt := range tests {
		if got := GetCategory(tt.code); got != tt.want {
			t.Errorf("GetCategory(%v) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeStorageWrite, "insert failed").
		WithComponent("metastore").
		WithOperation("create").
		WithCause(fmt.Errorf("disk full"))

	msg := err.Error()
	if !strings.HasPrefix(msg, "[metastore:create] STORAGE_WRITE: insert failed") {
		t.Errorf("Error() = %q", msg)
	}
	if !strings.HasSuffix(msg, "disk full") {
		t.Errorf("Error() should include cause, got %q", msg)
	}
	if !strings.Contains(err.String(), "Component=metastore") {
		t.Errorf("String() = %q", err.String())
	}
}

func TestErrorMatching(t *testing.T) {
	t.Parallel()

	notFound := NewError(ErrCodeObjectNotFound, "no such child")
	wrapped := fmt.Errorf("lookup: %w", notFound)

	if !errors.Is(wrapped, NewError(ErrCodeObjectNotFound, "")) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(wrapped, NewError(ErrCodeStorageRead, "")) {
		t.Error("errors.Is should not match a different code")
	}
	if !IsNotFound(wrapped) {
		t.Error("IsNotFound should see through fmt wrapping")
	}

	nested := Wrap(ErrCodeOperationFailed, notFound, "rename failed")
	if !HasCode(nested, ErrCodeObjectNotFound) {
		t.Error("HasCode should walk the cause chain")
	}
	if HasCode(fmt.Errorf("plain"), ErrCodeObjectNotFound) {
		t.Error("HasCode should be false for foreign errors")
	}

	var target *CloudDiskError
	if !errors.As(nested, &target) || target.Code != ErrCodeOperationFailed {
		t.Errorf("errors.As returned %v", target)
	}
	if errors.Unwrap(nested) != notFound {
		t.Error("Unwrap should return the cause")
	}
}
