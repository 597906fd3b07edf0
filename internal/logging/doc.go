// Package logging assembles structured slog loggers and formatting helpers used
// across the conversion engine.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so executor and selector code
// can automatically tag log lines with task IDs, route steps, and correlation
// IDs. The package also provides a no-op logger for tests and wiring code that
// cannot fail.
package logging
