// Package relay pushes staged files into the destination object store.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/dataset_relay/internal/logctx"
	"github.com/italolelis/dataset_relay/internal/objectstore"
	"github.com/italolelis/dataset_relay/internal/transfer"
)

// Relay uploads local files to an object store and removes them once stored.
type Relay struct {
	store objectstore.Store
}

// New creates a Relay for store.
func New(store objectstore.Store) *Relay {
	return &Relay{store: store}
}

// Exists reports whether key is already present in the destination.
func (r *Relay) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := r.store.Exists(ctx, key)
	if err != nil {
		return false, wrapStoreErr("exists", key, err)
	}

	return ok, nil
}

// Upload stores the file at localPath under key and deletes the local copy after the
// store accepted it. It returns the number of bytes uploaded. Nothing is retried here.
func (r *Relay) Upload(ctx context.Context, localPath, key string) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	file, err := os.Open(localPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, &transfer.MissingFileError{Path: localPath, Err: err}
		}

		return 0, fmt.Errorf("failed to open staged file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()

		return 0, fmt.Errorf("failed to stat staged file: %w", err)
	}

	size := info.Size()

	logger.DebugContext(ctx, "uploading file", "key", key, "file_size", humanize.Bytes(uint64(size)))

	putErr := r.store.Put(ctx, key, file, size)
	file.Close()

	if putErr != nil {
		return 0, wrapStoreErr("put", key, putErr)
	}

	if err := os.Remove(localPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.WarnContext(ctx, "failed to remove staged file after upload", "path", localPath, "err", err)
	}

	logger.InfoContext(ctx, "file relayed", "key", key, "file_size", humanize.Bytes(uint64(size)))

	return size, nil
}

// wrapStoreErr leaves already classified store errors untouched and wraps anything else as a StoreError.
func wrapStoreErr(operation, key string, err error) error {
	var (
		credentialsErr *transfer.CredentialsError
		storeErr       *transfer.StoreError
	)

	if errors.As(err, &credentialsErr) || errors.As(err, &storeErr) {
		return err
	}

	return &transfer.StoreError{Operation: operation, Key: key, Err: err}
}
