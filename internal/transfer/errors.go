package transfer

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrItemsFailed is returned by a run in which at least one item failed outright.
	ErrItemsFailed = errors.New("one or more items failed")

	// ErrRateLimited is returned by enumerators when the remote listing API refuses more requests.
	ErrRateLimited = errors.New("rate limited by remote listing API")
)

// TransientError represents failures worth retrying: timeouts, connection errors,
// 5xx responses and rate limiting.
type TransientError struct {
	Operation  string // The operation that failed (e.g., "fetch", "list")
	URL        string // The remote resource
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error  // Underlying error, if any
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient error during %s of %s (HTTP %d)", e.Operation, e.URL, e.StatusCode)
	}

	return fmt.Sprintf("transient error during %s of %s: %v", e.Operation, e.URL, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError represents failures that will not succeed on retry, such as
// 4xx responses other than 429.
type PermanentError struct {
	Operation  string
	URL        string
	StatusCode int
	Reason     string // Human-readable explanation
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent error during %s of %s (HTTP %d): %s", e.Operation, e.URL, e.StatusCode, e.Reason)
	}

	return fmt.Sprintf("permanent error during %s of %s: %s", e.Operation, e.URL, e.Reason)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// MissingFileError is returned by the relay when the staged file is not on local disk.
type MissingFileError struct {
	Path string
	Err  error
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("file not found locally: %s", e.Path)
}

func (e *MissingFileError) Unwrap() error {
	return e.Err
}

// CredentialsError represents missing or rejected object-store credentials.
type CredentialsError struct {
	Operation string
	Err       error
}

func (e *CredentialsError) Error() string {
	return fmt.Sprintf("credentials unavailable or rejected during %s", e.Operation)
}

func (e *CredentialsError) Unwrap() error {
	return e.Err
}

// StoreError represents any other object-store failure.
type StoreError struct {
	Operation string
	Key       string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("object store error during %s of '%s': %v", e.Operation, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// KindOf maps an error to a bounded label used in status records and metrics.
func KindOf(err error) string {
	var (
		transientErr   *TransientError
		permanentErr   *PermanentError
		missingFileErr *MissingFileError
		credentialsErr *CredentialsError
		storeErr       *StoreError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &missingFileErr):
		return "missing_file"
	case errors.As(err, &credentialsErr):
		return "credentials"
	case errors.As(err, &storeErr):
		return "store"
	case errors.As(err, &permanentErr):
		return "permanent"
	case errors.As(err, &transientErr):
		return "transient"
	default:
		return "unknown"
	}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var transientErr *TransientError

	return errors.As(err, &transientErr)
}
