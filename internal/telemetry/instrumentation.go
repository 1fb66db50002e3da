package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span and metric attributes must stay bounded: operation names, statuses, store
// and transport types. URLs, keys and group names go to logs, never to attributes.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with a span.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", duration.Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments status store operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentRelayOperation instruments object store operations. bytes is read after
// fn returns so callers can report the uploaded size.
func (t *Telemetry) InstrumentRelayOperation(ctx context.Context, store, operation string, bytes *int64, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "relay_"+operation, "object_store", func(ctx context.Context) error {
		ctx, span := t.Tracer().Start(ctx, "relay_"+operation)
		defer span.End()

		span.SetAttributes(
			attribute.String("store.type", store),
			attribute.String("store.operation", operation),
		)

		return fn(ctx)
	})

	var n int64
	if bytes != nil && err == nil {
		n = *bytes
	}

	t.RecordRelay(store, operation, statusOf(err), n)

	return err
}

// InstrumentItem instruments the full pipeline for one work item. fn reports the
// final item status.
func (t *Telemetry) InstrumentItem(ctx context.Context, fn func(ctx context.Context) string) string {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveItems()
	defer t.DecrementActiveItems()

	var status string

	_ = t.InstrumentOperation(ctx, "process_item", "pipeline", func(ctx context.Context) error {
		status = fn(ctx)

		return nil
	})

	t.RecordItem(status, time.Since(start))

	return status
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
