package logctx

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Options configures the process logger.
type Options struct {
	Level  slog.Level
	Stdout io.Writer // defaults to os.Stdout
	// FilePath, when set, receives a JSON copy of every record.
	FilePath string
	// Extra handlers receive every record as well, e.g. an OTLP log bridge.
	Extra []slog.Handler
}

// NewLogger builds a JSON logger wrapped in a TraceHandler, fanning out to a log file
// and any extra handlers. The returned function closes the log file.
func NewLogger(opts Options) (*slog.Logger, func() error, error) {
	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(out, &slog.HandlerOptions{Level: opts.Level}),
	}

	closer := func() error { return nil }

	if opts.FilePath != "" {
		file, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", opts.FilePath, err)
		}

		handlers = append(handlers, slog.NewJSONHandler(file, &slog.HandlerOptions{Level: opts.Level}))
		closer = file.Close
	}

	handlers = append(handlers, opts.Extra...)

	var h slog.Handler = handlers[0]
	if len(handlers) > 1 {
		h = slogmulti.Fanout(handlers...)
	}

	return slog.New(NewTraceHandler(h)), closer, nil
}
