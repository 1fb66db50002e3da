package objectstore

import (
	"context"
	"io"

	"github.com/italolelis/dataset_relay/internal/telemetry"
)

// InstrumentedStore wraps Store with telemetry.
type InstrumentedStore struct {
	store     Store
	telemetry *telemetry.Telemetry
	storeType string
}

// NewInstrumentedStore creates a new instrumented object store.
func NewInstrumentedStore(store Store, tel *telemetry.Telemetry, storeType string) *InstrumentedStore {
	return &InstrumentedStore{
		store:     store,
		telemetry: tel,
		storeType: storeType,
	}
}

// Exists checks for a key with telemetry.
func (s *InstrumentedStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool

	err := s.telemetry.InstrumentRelayOperation(ctx, s.storeType, "exists", nil, func(ctx context.Context) error {
		var err error

		exists, err = s.store.Exists(ctx, key)

		return err
	})

	return exists, err
}

// Put uploads an object with telemetry.
func (s *InstrumentedStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	return s.telemetry.InstrumentRelayOperation(ctx, s.storeType, "put", &size, func(ctx context.Context) error {
		return s.store.Put(ctx, key, r, size)
	})
}

// Delete removes an object with telemetry.
func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	return s.telemetry.InstrumentRelayOperation(ctx, s.storeType, "delete", nil, func(ctx context.Context) error {
		return s.store.Delete(ctx, key)
	})
}

// List lists objects with telemetry.
func (s *InstrumentedStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var result []Object

	err := s.telemetry.InstrumentRelayOperation(ctx, s.storeType, "list", nil, func(ctx context.Context) error {
		var err error

		result, err = s.store.List(ctx, prefix)

		return err
	})

	return result, err
}

// Close closes the underlying store.
func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}
