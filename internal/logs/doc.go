// Package logs tails the daemon and per-job log files for the CLI.
//
// A negative offset returns the last N lines; a non-negative offset resumes
// where the previous call stopped, so `reel logs --follow` can poll the
// daemon with the returned offset. An optional substring filter narrows the
// daemon log to one job.
//
// Analyze reads JSON or console-format logs and groups failures by stage,
// error kind and event type, then cross-references the failing jobs with
// the queue.
package logs
