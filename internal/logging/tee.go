package logging

import (
	"context"
	"errors"
	"log/slog"
	"os"
)

// teeHandler writes each record to the console handler and to the log file
// handler. Each side filters by its own level.
type teeHandler struct {
	console slog.Handler
	file    slog.Handler
}

func (h teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.console.Enabled(ctx, level) || h.file.Enabled(ctx, level)
}

func (h teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	if h.console.Enabled(ctx, record.Level) {
		if err := h.console.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	if h.file.Enabled(ctx, record.Level) {
		if err := h.file.Handle(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{console: h.console.WithAttrs(attrs), file: h.file.WithAttrs(attrs)}
}

func (h teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{console: h.console.WithGroup(name), file: h.file.WithGroup(name)}
}

// withLogFile copies everything logger emits into file. File records carry
// the daemon pid so restarts appending to one log stay distinguishable.
func withLogFile(logger *slog.Logger, file slog.Handler) *slog.Logger {
	if file == nil {
		return logger
	}
	file = file.WithAttrs([]slog.Attr{slog.Int(FieldPID, os.Getpid())})
	if logger == nil {
		return slog.New(file)
	}
	return slog.New(teeHandler{console: logger.Handler(), file: file})
}
