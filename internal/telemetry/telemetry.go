package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	loggerProvider *sdklog.LoggerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	registry       *promclient.Registry
	serviceName    string

	// RED Metrics (Rate, Errors, Duration) for the status API
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Business Metrics
	itemsTotal          metric.Int64Counter
	itemsActive         metric.Int64UpDownCounter
	itemDuration        metric.Float64Histogram
	fetchAttemptsTotal  metric.Int64Counter
	fetchDuration       metric.Float64Histogram
	relayOperations     metric.Int64Counter
	relayBytes          metric.Int64Counter
	enumeratedItems     metric.Int64Counter
	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram

	// System health
	systemErrors metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, additionally pushes metrics and logs over OTLP gRPC.
	OTLPEndpoint string
	// ExportInterval is the OTLP metric push interval.
	ExportInterval time.Duration
}

// New creates a new telemetry instance. A disabled instance is safe to use and records nothing.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Prometheus exporter on a dedicated registry
	registry := promclient.NewRegistry()

	// Unit suffixes are left out so counters keep their plain names (items_total, not items_ratio_total).
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry), prometheus.WithoutUnits())
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	var loggerProvider *sdklog.LoggerProvider

	if cfg.OTLPEndpoint != "" {
		metricExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
		}

		interval := cfg.ExportInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}

		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval)),
		))

		logExporter, err := otlploggrpc.New(ctx,
			otlploggrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlploggrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp log exporter: %w", err)
		}

		loggerProvider = sdklog.NewLoggerProvider(
			sdklog.WithResource(res),
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		)
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		loggerProvider: loggerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		registry:       registry,
		serviceName:    cfg.ServiceName,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime metrics: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("dataset_relay")
	}

	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// MeterProvider returns the SDK meter provider, or nil when telemetry is disabled.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return t.meterProvider
}

// LogHandler returns an slog handler that exports records over OTLP, or nil when no
// OTLP endpoint is configured.
func (t *Telemetry) LogHandler() slog.Handler {
	if t == nil || t.loggerProvider == nil {
		return nil
	}

	return otelslog.NewHandler(t.serviceName, otelslog.WithLoggerProvider(t.loggerProvider))
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordItem records the final status of a work item.
func (t *Telemetry) RecordItem(status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	if t.itemsTotal != nil {
		t.itemsTotal.Add(context.Background(), 1, attrs)
	}

	if t.itemDuration != nil {
		t.itemDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementActiveItems increments the number of items being processed.
func (t *Telemetry) IncrementActiveItems() {
	if t != nil && t.itemsActive != nil {
		t.itemsActive.Add(context.Background(), 1)
	}
}

// DecrementActiveItems decrements the number of items being processed.
func (t *Telemetry) DecrementActiveItems() {
	if t != nil && t.itemsActive != nil {
		t.itemsActive.Add(context.Background(), -1)
	}
}

// RecordFetchAttempt records a single HTTP fetch attempt.
func (t *Telemetry) RecordFetchAttempt(transport, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("status", status),
	)

	if t.fetchAttemptsTotal != nil {
		t.fetchAttemptsTotal.Add(context.Background(), 1, attrs)
	}

	if t.fetchDuration != nil {
		t.fetchDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// RecordRelay records an object-store operation.
func (t *Telemetry) RecordRelay(store, operation, status string, bytes int64) {
	if t == nil {
		return
	}

	if t.relayOperations != nil {
		t.relayOperations.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("store", store),
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}

	if bytes > 0 && t.relayBytes != nil {
		t.relayBytes.Add(context.Background(), bytes,
			metric.WithAttributes(attribute.String("store", store)),
		)
	}
}

// RecordEnumerated records the number of work items produced by an enumerator.
func (t *Telemetry) RecordEnumerated(source string, count int) {
	if t != nil && t.enumeratedItems != nil {
		t.enumeratedItems.Add(context.Background(), int64(count),
			metric.WithAttributes(attribute.String("source", source)),
		)
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.dbOperationsTotal != nil {
		t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	}

	if t.dbOperationDuration != nil {
		t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.registry == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops every provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error

	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}

	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}

	if t.loggerProvider != nil {
		errs = append(errs, t.loggerProvider.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	if err := t.initializeBusinessMetrics(); err != nil {
		return err
	}

	var err error

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeBusinessMetrics() error {
	var err error

	t.itemsTotal, err = t.meter.Int64Counter(
		"items_total",
		metric.WithDescription("Total number of work items processed, by final status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create items_total counter: %w", err)
	}

	t.itemsActive, err = t.meter.Int64UpDownCounter(
		"items_active",
		metric.WithDescription("Number of work items currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create items_active counter: %w", err)
	}

	t.itemDuration, err = t.meter.Float64Histogram(
		"item_duration_seconds",
		metric.WithDescription("Work item processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create item_duration histogram: %w", err)
	}

	t.fetchAttemptsTotal, err = t.meter.Int64Counter(
		"fetch_attempts_total",
		metric.WithDescription("Total number of HTTP fetch attempts, by transport"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fetch_attempts_total counter: %w", err)
	}

	t.fetchDuration, err = t.meter.Float64Histogram(
		"fetch_attempt_duration_seconds",
		metric.WithDescription("HTTP fetch attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fetch_attempt_duration histogram: %w", err)
	}

	t.relayOperations, err = t.meter.Int64Counter(
		"relay_operations_total",
		metric.WithDescription("Total number of object store operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create relay_operations_total counter: %w", err)
	}

	t.relayBytes, err = t.meter.Int64Counter(
		"relay_uploaded_bytes",
		metric.WithDescription("Total number of bytes uploaded to the object store"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create relay_uploaded_bytes counter: %w", err)
	}

	t.enumeratedItems, err = t.meter.Int64Counter(
		"enumerated_items_total",
		metric.WithDescription("Total number of work items produced by enumerators"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create enumerated_items_total counter: %w", err)
	}

	t.dbOperationsTotal, err = t.meter.Int64Counter(
		"db_operations_total",
		metric.WithDescription("Total number of database operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operations_total counter: %w", err)
	}

	t.dbOperationDuration, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}
