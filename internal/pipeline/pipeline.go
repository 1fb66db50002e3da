// Package pipeline drives work items through existence check, fetch, relay and
// status recording on a bounded pool of workers.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/dataset_relay/internal/logctx"
	"github.com/italolelis/dataset_relay/internal/storage"
	"github.com/italolelis/dataset_relay/internal/telemetry"
	"github.com/italolelis/dataset_relay/internal/transfer"
)

// Relay checks and uploads destination objects. It is implemented by *relay.Relay.
type Relay interface {
	Exists(ctx context.Context, key string) (bool, error)
	Upload(ctx context.Context, localPath, key string) (int64, error)
}

// Options configures a Driver.
type Options struct {
	StagingDir string
	// Workers bounds the number of items processed at once. Zero means
	// min(len(items), runtime.NumCPU()).
	Workers   int
	RunID     string
	Telemetry *telemetry.Telemetry
	// OnOutcome is called once per finished item. Calls are serialized.
	OnOutcome func(transfer.Outcome)
}

// Summary aggregates the outcomes of a run.
type Summary struct {
	Total     int
	Succeeded int
	Skipped   int
	Failed    int
	Bytes     int64
	Duration  time.Duration
}

// Err returns transfer.ErrItemsFailed when at least one item failed.
func (s Summary) Err() error {
	if s.Failed > 0 {
		return fmt.Errorf("%w: %d of %d", transfer.ErrItemsFailed, s.Failed, s.Total)
	}

	return nil
}

func (s *Summary) add(o transfer.Outcome) {
	s.Total++
	s.Bytes += o.Bytes()

	switch o.Status() {
	case transfer.StatusSuccess:
		s.Succeeded++
	case transfer.StatusSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
}

// Driver runs the per-item pipeline.
type Driver struct {
	fetcher  transfer.Fetcher
	relay    Relay
	recorder storage.Recorder
	opts     Options
}

// New creates a Driver.
func New(fetcher transfer.Fetcher, relay Relay, recorder storage.Recorder, opts Options) *Driver {
	if opts.StagingDir == "" {
		opts.StagingDir = os.TempDir()
	}

	return &Driver{
		fetcher:  fetcher,
		relay:    relay,
		recorder: recorder,
		opts:     opts,
	}
}

// Run processes items and returns once all scheduled items finished. A failing item never
// stops the run; the returned error is only set when ctx was canceled, in which case
// the remaining items are not started.
func (d *Driver) Run(ctx context.Context, items []*transfer.WorkItem) (Summary, error) {
	logger := logctx.LoggerFromContext(ctx)
	start := time.Now()

	workers := d.opts.Workers
	if workers <= 0 {
		workers = min(len(items), runtime.NumCPU())
	}

	workers = max(workers, 1)

	logger.InfoContext(ctx, "starting run", "items", len(items), "workers", workers, "run_id", d.opts.RunID)

	var (
		mu      sync.Mutex
		summary Summary
		g       errgroup.Group
	)

	g.SetLimit(workers)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			outcome := d.processItem(ctx, item)

			mu.Lock()
			defer mu.Unlock()

			summary.add(outcome)

			if d.opts.OnOutcome != nil {
				d.opts.OnOutcome(outcome)
			}

			return nil
		})
	}

	_ = g.Wait()

	summary.Duration = time.Since(start)

	logger.InfoContext(ctx, "run finished",
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"bytes", humanize.Bytes(uint64(summary.Bytes)),
		"duration", summary.Duration,
	)

	if err := ctx.Err(); err != nil {
		return summary, err
	}

	return summary, nil
}

// processItem moves every source of item through the pipeline. Panics are turned into
// failed outcomes for the sources not yet finished.
func (d *Driver) processItem(ctx context.Context, item *transfer.WorkItem) (outcome transfer.Outcome) {
	ctx = logctx.WithAttrs(ctx, slog.Int64("item_id", item.ID), slog.String("group", item.Group))
	logger := logctx.LoggerFromContext(ctx)

	outcome.Item = item

	d.opts.Telemetry.InstrumentItem(ctx, func(ctx context.Context) (status string) {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic while processing item: %v", r)

				logger.ErrorContext(ctx, "recovered from panic", "panic", r, "stack", string(debug.Stack()))
				d.opts.Telemetry.RecordSystemError("pipeline", "panic")

				for _, src := range item.Sources[len(outcome.Files):] {
					now := time.Now().UTC()

					d.record(ctx, storage.TransferRecord{
						GroupName:    item.RecordKey(src),
						SourceURL:    src.URL,
						RelayKey:     src.Key,
						Status:       transfer.StatusFailed,
						StartTime:    now,
						EndTime:      now,
						ErrorMessage: err.Error(),
						ErrorKind:    "panic",
					})

					outcome.Files = append(outcome.Files, transfer.FileOutcome{Source: src, Status: transfer.StatusFailed, Err: err})
				}

				status = string(outcome.Status())
			}
		}()

		for _, src := range item.Sources {
			outcome.Files = append(outcome.Files, d.processSource(ctx, item, src))
		}

		return string(outcome.Status())
	})

	return outcome
}

func (d *Driver) processSource(ctx context.Context, item *transfer.WorkItem, src transfer.Source) transfer.FileOutcome {
	logger := logctx.LoggerFromContext(ctx).With("url", src.URL, "key", src.Key)
	recordKey := item.RecordKey(src)

	rec := storage.TransferRecord{
		GroupName: recordKey,
		SourceURL: src.URL,
		RelayKey:  src.Key,
		StartTime: time.Now().UTC(),
	}

	fail := func(err error) transfer.FileOutcome {
		rec.Status = transfer.StatusFailed
		rec.EndTime = time.Now().UTC()
		rec.ErrorMessage = err.Error()
		rec.ErrorKind = transfer.KindOf(err)
		d.record(ctx, rec)

		return transfer.FileOutcome{Source: src, Status: transfer.StatusFailed, Err: err}
	}

	exists, err := d.relay.Exists(ctx, src.Key)
	if err != nil {
		logger.ErrorContext(ctx, "failed to check destination", "err", err)

		return fail(err)
	}

	if exists {
		logger.InfoContext(ctx, "destination already exists, skipping")

		rec.Status = transfer.StatusSkipped
		rec.EndTime = time.Now().UTC()
		d.record(ctx, rec)

		return transfer.FileOutcome{Source: src, Status: transfer.StatusSkipped}
	}

	rec.Status = transfer.StatusPending
	d.record(ctx, rec)

	dir := d.stagingDir(item, src)
	defer d.removeStaging(ctx, dir)

	res, err := d.fetcher.Fetch(ctx, src.URL, dir)
	if err != nil {
		logger.ErrorContext(ctx, "failed to fetch source", "err", err)

		return fail(err)
	}

	n, err := d.relay.Upload(ctx, res.Path, src.Key)
	if err != nil {
		logger.ErrorContext(ctx, "failed to relay file", "err", err)

		return fail(err)
	}

	rec.Status = transfer.StatusSuccess
	rec.ByteSize = n
	rec.EndTime = time.Now().UTC()
	d.record(ctx, rec)

	return transfer.FileOutcome{Source: src, Status: transfer.StatusSuccess, Bytes: n}
}

// stagingDir namespaces staged files per item and URL so equal file names never collide.
func (d *Driver) stagingDir(item *transfer.WorkItem, src transfer.Source) string {
	return filepath.Join(d.opts.StagingDir, fmt.Sprintf("%d-%s", item.ID, transfer.URLHash(src.URL)))
}

func (d *Driver) removeStaging(ctx context.Context, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove staging directory", "dir", dir, "err", err)
	}
}

// record writes rec and only logs failures. The write outlives ctx cancellation so the
// final state of an interrupted item still lands.
func (d *Driver) record(ctx context.Context, rec storage.TransferRecord) {
	rec.RunID = d.opts.RunID

	if err := d.recorder.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to record transfer status",
			"record", rec.GroupName, "status", rec.Status, "err", err)
	}
}
