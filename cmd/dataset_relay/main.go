package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/italolelis/dataset_relay/internal/cleanup"
	"github.com/italolelis/dataset_relay/internal/config"
	"github.com/italolelis/dataset_relay/internal/fetch"
	"github.com/italolelis/dataset_relay/internal/http/rest"
	"github.com/italolelis/dataset_relay/internal/logctx"
	"github.com/italolelis/dataset_relay/internal/notifier"
	"github.com/italolelis/dataset_relay/internal/pipeline"
	"github.com/italolelis/dataset_relay/internal/relay"
	"github.com/italolelis/dataset_relay/internal/storage"
	"github.com/italolelis/dataset_relay/internal/telemetry"
	"github.com/italolelis/dataset_relay/internal/transfer"
)

var version = "dev"

const (
	exitFatal       = 1
	exitItemsFailed = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)

	switch {
	case err == nil:
	case errors.Is(err, transfer.ErrItemsFailed):
		stop()
		os.Exit(exitItemsFailed)
	default:
		slog.Error("fatal error", "err", err)
		stop()
		os.Exit(exitFatal)
	}
}

// flags holds the command line overrides. Only flags set explicitly replace the
// environment configuration.
type flags struct {
	source      string
	input       string
	maxParallel int
	storeDriver string
	bucketURL   string
	keyPrefix   string
	recorder    string
	dbPath      string
	stagingDir  string
	logLevel    string
	bindAddress string
	noProgress  bool
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:           "dataset_relay",
		Short:         "Fetch dataset files, relay them to an object store and record every transfer",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}

			f.apply(cmd, cfg)

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			return start(cmd.Context(), cfg, !f.noProgress)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&f.source, "source", "", "Enumeration source: static|lines|html|hf|github|bucket (SOURCE)")
	fs.StringVarP(&f.input, "input", "i", "", "Source input: manifest, URL list or page (INPUT)")
	fs.IntVarP(&f.maxParallel, "max-parallel", "p", 0, "Number of items processed at once, 0 means one per CPU (MAX_PARALLEL)")
	fs.StringVar(&f.storeDriver, "store", "", "Object store driver: blob|s3 (STORE_DRIVER)")
	fs.StringVar(&f.bucketURL, "bucket-url", "", "Destination bucket URL for the blob driver (BUCKET_URL)")
	fs.StringVar(&f.keyPrefix, "key-prefix", "", "Prefix for destination keys (KEY_PREFIX)")
	fs.StringVar(&f.recorder, "recorder", "", "Transfer recorder: sqlite|surreal (RECORDER)")
	fs.StringVar(&f.dbPath, "db-path", "", "SQLite database path (DB_PATH)")
	fs.StringVar(&f.stagingDir, "staging-dir", "", "Local staging directory (STAGING_DIR)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error (LOG_LEVEL)")
	fs.StringVar(&f.bindAddress, "web-bind-address", "", "Serve status and metrics on this address while running (WEB_BIND_ADDRESS)")
	fs.BoolVar(&f.noProgress, "no-progress", false, "Disable the progress bar")

	return cmd
}

func (f *flags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed

	if changed("source") {
		cfg.Source = f.source
	}

	if changed("input") {
		cfg.Input = f.input
	}

	if changed("max-parallel") {
		cfg.MaxParallel = f.maxParallel
	}

	if changed("store") {
		cfg.StoreDriver = f.storeDriver
	}

	if changed("bucket-url") {
		cfg.BucketURL = f.bucketURL
	}

	if changed("key-prefix") {
		cfg.KeyPrefix = f.keyPrefix
	}

	if changed("recorder") {
		cfg.Recorder = f.recorder
	}

	if changed("db-path") {
		cfg.DBPath = f.dbPath
	}

	if changed("staging-dir") {
		cfg.StagingDir = f.stagingDir
	}

	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}

	if changed("web-bind-address") {
		cfg.Web.BindAddress = f.bindAddress
	}
}

// start sets up telemetry and logging and hands over to run.
func start(ctx context.Context, cfg *config.Config, progress bool) error {
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	var extra []slog.Handler
	if h := tel.LogHandler(); h != nil {
		extra = append(extra, h)
	}

	logger, closeLog, err := logctx.NewLogger(logctx.Options{
		Level:    cfg.SlogLevel(),
		FilePath: cfg.LogFile,
		Extra:    extra,
	})
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer closeLog()

	slog.SetDefault(logger)

	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	logger.Info("dataset relay starting...",
		"version", version,
		"log_level", cfg.LogLevel,
		"source", cfg.Source,
		"store", cfg.StoreDriver,
		"recorder", cfg.Recorder,
	)

	return run(logctx.WithLogger(ctx, logger), cfg, tel, runID, progress)
}

func run(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, runID string, progress bool) error {
	logger := logctx.LoggerFromContext(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// =========================================================================
	// Start Recorder
	recorder, err := buildRecorder(ctx, cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build recorder: %w", err)
	}
	defer recorder.Close()

	// =========================================================================
	// Start Object Store
	store, err := buildStore(ctx, cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build object store: %w", err)
	}
	defer store.Close()

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	if cfg.Web.BindAddress != "" {
		server := setupServer(ctx, recorder, tel, cfg)

		go func() {
			logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- err
			}
		}()

		defer shutdownServer(ctx, server, cfg.Web.ShutdownTimeout)
	}

	// =========================================================================
	// Start Cleanup
	removed, err := cleanup.SweepStaging(ctx, cfg.StagingDir, cfg.StagingRetention)
	if err != nil {
		logger.Warn("failed to sweep staging directory", "dir", cfg.StagingDir, "err", err)
	} else if removed > 0 {
		logger.Info("removed stale staging entries", "dir", cfg.StagingDir, "count", removed)
	}

	// =========================================================================
	// Enumerate
	enumerator, err := buildEnumerator(ctx, cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build enumerator: %w", err)
	}

	items, err := enumerator.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate work items: %w", err)
	}

	tel.RecordEnumerated(cfg.Source, len(items))
	logger.Info("work items enumerated", "source", cfg.Source, "count", len(items))

	// =========================================================================
	// Start Pipeline
	fetcher := fetch.New(fetch.Options{
		Policy: fetch.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryDelay,
			Jitter:      cfg.RetryJitter,
			Exponential: cfg.RetryExponential,
			Timeout:     cfg.RequestTimeout,
		},
		FallbackTimeout: cfg.FallbackTimeout,
		DisableFallback: cfg.DisableFallback,
		UserAgent:       "dataset-relay/" + version,
		Telemetry:       tel,
	})

	var bar *pb.ProgressBar
	if progress && len(items) > 0 {
		bar = pb.New(len(items)).SetWriter(os.Stderr).Start()
	}

	driver := pipeline.New(fetcher, relay.New(store), recorder, pipeline.Options{
		StagingDir: cfg.StagingDir,
		Workers:    cfg.MaxParallel,
		RunID:      runID,
		Telemetry:  tel,
		OnOutcome: func(transfer.Outcome) {
			if bar != nil {
				bar.Increment()
			}
		},
	})

	type result struct {
		summary pipeline.Summary
		err     error
	}

	done := make(chan result, 1)

	go func() {
		summary, err := driver.Run(ctx, items)
		done <- result{summary: summary, err: err}
	}()

	var res result

	select {
	case err := <-serverErrors:
		logger.Error("status server failed, stopping run", "err", err)
		cancel()
		<-done

		return fmt.Errorf("server error: %w", err)
	case res = <-done:
	}

	if bar != nil {
		bar.Finish()
	}

	// =========================================================================
	// Notify
	notify(ctx, cfg, runID, res.summary)

	if res.err != nil {
		logger.Info("run interrupted", "err", res.err)

		return res.err
	}

	return res.summary.Err()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, recorder storage.Recorder, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	if h := tel.Handler(); h != nil {
		r.Handle("/metrics", h)
	}

	r.Mount("/", rest.NewRecordsHandler(recorder).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func shutdownServer(ctx context.Context, server *http.Server, timeout time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("start shutdown")

	// Give outstanding requests a deadline for completion.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			logger.Error("could not stop server gracefully", "err", err)
		}
	}
}

func notify(ctx context.Context, cfg *config.Config, runID string, summary pipeline.Summary) {
	if cfg.DiscordWebhookURL == "" {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL, Username: "dataset_relay"}

	icon := "✅"
	if summary.Failed > 0 {
		icon = "❌"
	}

	content := fmt.Sprintf("%s Run %s finished: %d succeeded, %d skipped, %d failed of %d items (%s in %s)",
		icon, runID, summary.Succeeded, summary.Skipped, summary.Failed, summary.Total,
		humanize.Bytes(uint64(summary.Bytes)), summary.Duration.Round(time.Second),
	)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := notif.Notify(ctx, content); err != nil {
		logger.Error("failed to send notification", "err", err)
	}
}
