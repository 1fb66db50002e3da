// Package blobstore implements objectstore.Store on top of gocloud.dev/blob, so the
// destination can be any bucket URL it understands (s3://, gs://, file://, mem://).
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/italolelis/dataset_relay/internal/objectstore"
)

// Store is an objectstore.Store backed by a gocloud bucket.
type Store struct {
	bucket *blob.Bucket
}

// Open opens the bucket at bucketURL.
func Open(ctx context.Context, bucketURL string) (*Store, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, objectstore.Classify("open", bucketURL, denied(err), fmt.Errorf("error opening bucket: %w", err))
	}

	return New(bkt), nil
}

// New wraps an already opened bucket.
func New(bkt *blob.Bucket) *Store {
	return &Store{bucket: bkt}
}

// Exists reports whether key is present in the bucket.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return false, objectstore.Classify("exists", key, denied(err), err)
	}

	return ok, nil
}

// Put streams r to key. The content type is sniffed from the first bytes written.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return objectstore.Classify("put", key, denied(err), err)
	}

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()

		return objectstore.Classify("put", key, denied(err), err)
	}

	// The object only becomes visible once Close succeeds.
	if err := w.Close(); err != nil {
		return objectstore.Classify("put", key, denied(err), err)
	}

	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return objectstore.Classify("delete", key, denied(err), err)
	}

	return nil
}

// List returns every object whose key starts with prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]objectstore.Object, error) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})

	var objects []objectstore.Object

	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, objectstore.Classify("list", prefix, denied(err), err)
		}

		if obj.IsDir {
			continue
		}

		objects = append(objects, objectstore.Object{Key: obj.Key, Size: obj.Size, ModTime: obj.ModTime})
	}

	return objects, nil
}

// Close closes the bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}

func denied(err error) bool {
	return gcerrors.Code(err) == gcerrors.PermissionDenied
}
