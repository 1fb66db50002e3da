package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/dataset_relay/internal/logctx"
)

// SweepStaging deletes entries of the staging directory that were last modified more than
// keepDuration ago. These are left behind by runs that were killed before they could clean
// up. It returns the number of entries removed.
func SweepStaging(ctx context.Context, dir string, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}

		return 0, err
	}

	removed := 0

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		path := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // already deleted
			}

			logger.ErrorContext(ctx, "failed to stat staged entry", "path", path, "err", err)

			return removed, err
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			logger.ErrorContext(ctx, "failed to delete expired staged entry", "path", path, "err", err)

			return removed, err
		}

		removed++

		logger.InfoContext(ctx, "deleted expired staged entry",
			"path", path, "age", humanize.RelTime(info.ModTime(), now, "old", "from now"))
	}

	return removed, nil
}
