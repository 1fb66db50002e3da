package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/italolelis/dataset_relay/internal/logctx"
)

// RequestIDHeader carries the request id in and out of the status server.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 64

type ctxKey string

const requestIDKey ctxKey = "request_id"

// quietPaths are polled by probes and scrapers; successful hits are logged at debug.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// RequestID reuses a well-formed upstream X-Request-ID or generates one, stores it in the
// context and the log attributes, and echoes it in the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey, id)
		ctx = logctx.WithAttrs(ctx, slog.String("request_id", id))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request id set by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)

	return id
}

// validRequestID accepts ids that are safe to copy into logs and headers.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}

	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}

	return true
}

// HTTPLogging logs one line per request, at a level derived from the status code.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()

		sw := newStatusWriter(w)
		next.ServeHTTP(sw, r)

		level := slog.LevelInfo

		switch {
		case sw.status >= http.StatusInternalServerError:
			level = slog.LevelError
		case sw.status >= http.StatusBadRequest:
			level = slog.LevelWarn
		case quietPaths[r.URL.Path]:
			level = slog.LevelDebug
		}

		logctx.LoggerFromContext(ctx).Log(ctx, level, "http request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"route", routePattern(r),
			"status", sw.status,
			"bytes", sw.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// HTTPMiddleware records RED metrics and a span per request.
type HTTPMiddleware struct {
	telemetry *Telemetry
}

// NewHTTPMiddleware creates the RED middleware.
func NewHTTPMiddleware(telemetry *Telemetry) *HTTPMiddleware {
	return &HTTPMiddleware{telemetry: telemetry}
}

// Middleware wraps next.
func (m *HTTPMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.telemetry == nil {
			next.ServeHTTP(w, r)

			return
		}

		start := time.Now()

		m.telemetry.IncrementHTTPInFlight()
		defer m.telemetry.DecrementHTTPInFlight()

		ctx, span := m.telemetry.Tracer().Start(r.Context(), "http_request")
		defer span.End()

		sw := newStatusWriter(w)
		next.ServeHTTP(sw, r.WithContext(ctx))

		// chi fills in the pattern while routing, so it is read afterwards. Raw paths
		// would put group names into metric labels.
		route := routePattern(r)

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", sw.status),
			attribute.Int64("http.response_size", sw.bytes),
		)

		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, "HTTP "+strconv.Itoa(sw.status))
		}

		m.telemetry.RecordHTTPRequest(r.Method, route, getStatusClass(sw.status), time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}

	return "unmatched"
}

// getStatusClass returns 2xx, 3xx, 4xx, 5xx or unknown.
func getStatusClass(code int) string {
	if code < 200 || code > 599 {
		return "unknown"
	}

	return strconv.Itoa(code/100) + "xx"
}

// statusWriter remembers the status code and body size written by a handler.
type statusWriter struct {
	http.ResponseWriter

	status      int
	bytes       int64
	wroteHeader bool
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	if sw, ok := w.(*statusWriter); ok {
		return sw
	}

	return &statusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}

	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)

	return n, err
}
