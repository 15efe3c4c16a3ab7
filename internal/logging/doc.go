// Package logging assembles structured slog loggers and formatting helpers used
// across reel.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so engine code automatically
// tags log lines with job IDs, stages, workers, and correlation IDs. Per-stage
// level overrides and per-job log files are layered on top of the root logger.
// A no-op logger is provided for tests and wiring code that cannot fail.
package logging
