package transfer

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// TestTransientError_Error verifies error message formatting
func TestTransientError_Error(t *testing.T) {
	tests := []struct {
		name       string
		err        *TransientError
		wantFormat string
	}{
		{
			name: "with HTTP status code",
			err: &TransientError{
				Operation:  "fetch",
				URL:        "https://example.com/a.pdf",
				StatusCode: 503,
			},
			wantFormat: "transient error during fetch of https://example.com/a.pdf (HTTP 503)",
		},
		{
			name: "without HTTP status code",
			err: &TransientError{
				Operation: "fetch",
				URL:       "https://example.com/a.pdf",
				Err:       errors.New("connection refused"),
			},
			wantFormat: "transient error during fetch of https://example.com/a.pdf: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantFormat {
				t.Errorf("Error() = %q, want %q", got, tt.wantFormat)
			}
		})
	}
}

// TestPermanentError_Error verifies error message formatting
func TestPermanentError_Error(t *testing.T) {
	err := &PermanentError{
		Operation:  "fetch",
		URL:        "https://example.com/gone",
		StatusCode: 404,
		Reason:     "404 Not Found",
	}

	expected := "permanent error during fetch of https://example.com/gone (HTTP 404): 404 Not Found"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestStoreError_Error verifies error message formatting
func TestStoreError_Error(t *testing.T) {
	err := &StoreError{
		Operation: "put",
		Key:       "books/a.pdf",
		Err:       errors.New("bucket not found"),
	}

	expected := "object store error during put of 'books/a.pdf': bucket not found"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestErrorTypes_Unwrap verifies error chain traversal
func TestErrorTypes_Unwrap(t *testing.T) {
	cause := errors.New("underlying cause")

	tests := []struct {
		name string
		err  error
	}{
		{name: "TransientError", err: &TransientError{Operation: "fetch", Err: cause}},
		{name: "PermanentError", err: &PermanentError{Operation: "fetch", Err: cause}},
		{name: "MissingFileError", err: &MissingFileError{Path: "/tmp/x", Err: cause}},
		{name: "CredentialsError", err: &CredentialsError{Operation: "put", Err: cause}},
		{name: "StoreError", err: &StoreError{Operation: "put", Err: cause}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if unwrapped := errors.Unwrap(tt.err); unwrapped != cause {
				t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
			}

			wrapped := fmt.Errorf("context: %w", tt.err)
			if !errors.Is(wrapped, cause) {
				t.Error("errors.Is() should find cause in wrapped chain")
			}
		})
	}
}

// TestCredentialsError_As verifies programmatic error type detection
func TestCredentialsError_As(t *testing.T) {
	wrapped := fmt.Errorf("relay: %w", &CredentialsError{Operation: "put"})

	var target *CredentialsError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As() should extract CredentialsError from wrapped chain")
	}

	if target.Operation != "put" {
		t.Errorf("Operation = %q, want %q", target.Operation, "put")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "transient", err: &TransientError{Operation: "fetch"}, want: "transient"},
		{name: "permanent", err: fmt.Errorf("fetch: %w", &PermanentError{Operation: "fetch"}), want: "permanent"},
		{name: "missing file", err: &MissingFileError{Path: "/tmp/x"}, want: "missing_file"},
		{name: "credentials", err: &CredentialsError{Operation: "put"}, want: "credentials"},
		{name: "store", err: &StoreError{Operation: "put"}, want: "store"},
		{name: "canceled", err: fmt.Errorf("fetch: %w", context.Canceled), want: "canceled"},
		{name: "unknown", err: errors.New("boom"), want: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestErrorTypes_Nil verifies nil error handling
func TestErrorTypes_Nil(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "TransientError with nil Err", err: &TransientError{Operation: "fetch", StatusCode: 502}},
		{name: "PermanentError with nil Err", err: &PermanentError{Operation: "fetch", Reason: "gone"}},
		{name: "MissingFileError with nil Err", err: &MissingFileError{Path: "/tmp/x"}},
		{name: "CredentialsError with nil Err", err: &CredentialsError{Operation: "put"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if unwrapped := errors.Unwrap(tt.err); unwrapped != nil {
				t.Errorf("Unwrap() = %v, want nil", unwrapped)
			}

			if errMsg := tt.err.Error(); errMsg == "" {
				t.Error("Error() should return non-empty string even when Err is nil")
			}
		})
	}
}
