// Package api defines wire-format types and converters shared by the IPC
// and HTTP surfaces. It translates queue, engine and cache models into
// transport-friendly DTOs so clients render without coupling to internal
// types.
//
// DTOs use camelCase JSON tags. Statuses are exposed as lowercase strings
// and timestamps use RFC3339 with milliseconds. ControlJobs runs batch job
// commands one ref at a time so each ref reports its own outcome.
package api
