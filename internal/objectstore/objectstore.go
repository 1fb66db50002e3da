// Package objectstore defines the destination store the relay pushes staged files into.
package objectstore

import (
	"context"
	"io"
	"time"

	"github.com/italolelis/dataset_relay/internal/transfer"
)

// Object is a single entry returned by List.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Store is a flat key/value object store. Implementations return
// *transfer.CredentialsError when the store rejects the configured identity and
// *transfer.StoreError for any other failure.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Close() error
}

// Classify wraps err in the transfer error matching whether the store denied access.
func Classify(operation, key string, denied bool, err error) error {
	if err == nil {
		return nil
	}

	if denied {
		return &transfer.CredentialsError{Operation: operation, Err: err}
	}

	return &transfer.StoreError{Operation: operation, Key: key, Err: err}
}
