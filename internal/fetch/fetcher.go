package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/dataset_relay/internal/fetch/progress"
	"github.com/italolelis/dataset_relay/internal/logctx"
	"github.com/italolelis/dataset_relay/internal/telemetry"
	"github.com/italolelis/dataset_relay/internal/transfer"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	TransportPrimary  = "primary"
	TransportFallback = "fallback"

	defaultProgressInterval = 100 * 1024 * 1024 // 100MB
)

// Options configures a Fetcher.
type Options struct {
	Policy RetryPolicy
	// FallbackTimeout bounds the single fallback attempt. Defaults to 300s.
	FallbackTimeout time.Duration
	// DisableFallback skips the fallback attempt.
	DisableFallback bool
	UserAgent       string
	// ProgressInterval is the number of bytes between progress log lines.
	ProgressInterval int64
	Telemetry        *telemetry.Telemetry

	// Primary and Fallback override the default HTTP clients.
	Primary  *http.Client
	Fallback *http.Client
}

// Fetcher downloads URLs to local disk. The primary transport streams the body and
// retries transient failures; once its attempts are exhausted a plain blocking
// client gets one last try.
type Fetcher struct {
	policy           RetryPolicy
	primary          *http.Client
	fallback         *http.Client
	disableFallback  bool
	userAgent        string
	progressInterval int64
	telemetry        *telemetry.Telemetry
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	primary := opts.Primary
	if primary == nil {
		primary = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	fallbackTimeout := opts.FallbackTimeout
	if fallbackTimeout <= 0 {
		fallbackTimeout = 300 * time.Second
	}

	fallback := opts.Fallback
	if fallback == nil {
		fallback = &http.Client{Timeout: fallbackTimeout}
	}

	interval := opts.ProgressInterval
	if interval == 0 {
		interval = defaultProgressInterval
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "dataset-relay"
	}

	return &Fetcher{
		policy:           opts.Policy,
		primary:          primary,
		fallback:         fallback,
		disableFallback:  opts.DisableFallback,
		userAgent:        userAgent,
		progressInterval: interval,
		telemetry:        opts.Telemetry,
	}
}

// Fetch downloads rawURL into dir, naming the file after the URL's last path segment.
// The returned error is a *transfer.TransientError or *transfer.PermanentError, or the
// context error when ctx is done. No partial file is left behind on failure.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dir string) (*transfer.FetchResult, error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	dest := filepath.Join(dir, transfer.FileName(rawURL))
	attempts := 0

	operation := func() (int64, error) {
		attempts++

		n, err := f.attempt(ctx, f.primary, f.policy.Timeout, TransportPrimary, rawURL, dest)
		if err == nil {
			return n, nil
		}

		if ctx.Err() != nil {
			return 0, backoff.Permanent(ctx.Err())
		}

		if !transfer.IsTransient(err) {
			return 0, backoff.Permanent(err)
		}

		return 0, err
	}

	size, primaryErr := backoff.Retry(ctx, operation,
		backoff.WithBackOff(f.policy.BackOff()),
		backoff.WithMaxTries(uint(f.policy.attempts())),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.WarnContext(ctx, "fetch attempt failed, retrying", "url", rawURL, "attempt", attempts, "retry_in", next.String(), "err", err)
		}),
	)
	if primaryErr == nil {
		return &transfer.FetchResult{Path: dest, Size: size, Transport: TransportPrimary, Attempts: attempts}, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if f.disableFallback {
		return nil, primaryErr
	}

	logger.WarnContext(ctx, "primary transport exhausted, trying fallback", "url", rawURL, "attempts", attempts, "err", primaryErr)

	attempts++

	size, err := f.attempt(ctx, f.fallback, 0, TransportFallback, rawURL, dest)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("fallback failed after primary error (%v): %w", primaryErr, err)
	}

	return &transfer.FetchResult{Path: dest, Size: size, Transport: TransportFallback, Attempts: attempts}, nil
}

func (f *Fetcher) attempt(ctx context.Context, client *http.Client, timeout time.Duration, transport, rawURL, dest string) (int64, error) {
	start := time.Now()

	n, err := f.download(ctx, client, timeout, transport, rawURL, dest)

	status := "success"
	if err != nil {
		status = transfer.KindOf(err)
	}

	f.telemetry.RecordFetchAttempt(transport, status, time.Since(start))

	return n, err
}

func (f *Fetcher) download(ctx context.Context, client *http.Client, timeout time.Duration, transport, rawURL, dest string) (int64, error) {
	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, &transfer.PermanentError{Operation: "fetch", URL: rawURL, Reason: "invalid request", Err: err}
	}

	req.Header.Set("User-Agent", f.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return 0, &transfer.TransientError{Operation: "fetch", URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if err := checkStatus(rawURL, resp); err != nil {
		return 0, err
	}

	var body io.Reader = resp.Body
	if transport == TransportPrimary {
		body = f.progressReader(ctx, rawURL, resp)
	}

	n, err := writeFile(dest, body)
	if err != nil {
		return 0, &transfer.TransientError{Operation: "fetch", URL: rawURL, Err: err}
	}

	return n, nil
}

func (f *Fetcher) progressReader(ctx context.Context, rawURL string, resp *http.Response) io.Reader {
	logger := logctx.LoggerFromContext(ctx)

	if resp.ContentLength > 0 {
		logger.DebugContext(ctx, "downloading file", "url", rawURL, "file_size", humanize.Bytes(uint64(resp.ContentLength)))
	}

	return progress.NewReader(resp.Body, resp.ContentLength, f.progressInterval, func(read, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"url", rawURL,
				"downloaded", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(read)*100/float64(total), 2))
		} else {
			logger.DebugContext(ctx, "download progress", "url", rawURL, "downloaded", humanize.Bytes(uint64(read)))
		}
	})
}

// checkStatus classifies non-2xx responses: 429 and 5xx are transient, any other
// status is permanent.
func checkStatus(rawURL string, resp *http.Response) error {
	code := resp.StatusCode

	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return &transfer.TransientError{Operation: "fetch", URL: rawURL, StatusCode: code}
	default:
		return &transfer.PermanentError{Operation: "fetch", URL: rawURL, StatusCode: code, Reason: resp.Status}
	}
}

// writeFile streams r into a temporary file next to dest and renames it into place.
func writeFile(dest string, r io.Reader) (int64, error) {
	out, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	tmp := out.Name()

	n, copyErr := io.Copy(out, r)
	closeErr := out.Close()

	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmp)

		return 0, fmt.Errorf("failed to copy file: %w", err)
	}

	if err := os.Chmod(tmp, filePerm); err != nil {
		_ = os.Remove(tmp)

		return 0, fmt.Errorf("failed to set file mode: %w", err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)

		return 0, fmt.Errorf("failed to move file into place: %w", err)
	}

	return n, nil
}
