package storage

import (
	"context"

	"github.com/italolelis/dataset_relay/internal/telemetry"
	"github.com/italolelis/dataset_relay/internal/transfer"
)

// InstrumentedRecorder wraps a Recorder with telemetry.
type InstrumentedRecorder struct {
	recorder  Recorder
	telemetry *telemetry.Telemetry
}

// NewInstrumentedRecorder creates a new instrumented recorder.
func NewInstrumentedRecorder(recorder Recorder, tel *telemetry.Telemetry) *InstrumentedRecorder {
	return &InstrumentedRecorder{
		recorder:  recorder,
		telemetry: tel,
	}
}

// Upsert writes a record with telemetry.
func (r *InstrumentedRecorder) Upsert(ctx context.Context, rec TransferRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "upsert", func(ctx context.Context) error {
		return r.recorder.Upsert(ctx, rec)
	})
}

// Get reads a record with telemetry.
func (r *InstrumentedRecorder) Get(ctx context.Context, group string) (*TransferRecord, error) {
	var result *TransferRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get", func(ctx context.Context) error {
		result, err = r.recorder.Get(ctx, group)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// List reads records by status with telemetry.
func (r *InstrumentedRecorder) List(ctx context.Context, status transfer.Status) ([]TransferRecord, error) {
	var result []TransferRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list", func(ctx context.Context) error {
		result, err = r.recorder.List(ctx, status)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// History returns the upsert history when the wrapped recorder keeps one.
func (r *InstrumentedRecorder) History(ctx context.Context, group string) ([]TransferEvent, error) {
	hr, ok := r.recorder.(HistoryReader)
	if !ok {
		return nil, nil
	}

	var result []TransferEvent

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "history", func(ctx context.Context) error {
		result, err = hr.History(ctx, group)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// Close closes the wrapped recorder.
func (r *InstrumentedRecorder) Close() error {
	return r.recorder.Close()
}
