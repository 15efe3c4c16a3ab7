// Package services defines shared utilities consumed by the pipeline engine,
// the stage handlers and the external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, stage names, worker slots, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that classify failures
//     (validation, transient, corrupt checkpoint, invalid handle, cancelled)
//     so the engine can decide between retry, restart, and terminal status.
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
