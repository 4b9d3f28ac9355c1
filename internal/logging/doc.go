// Package logging assembles structured slog loggers and formatting helpers used
// across the dispatcher and its clients.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so the receive loop can tag log
// lines with a per-request correlation ID. The package also provides a no-op
// logger for tests and wiring code that cannot fail.
package logging
