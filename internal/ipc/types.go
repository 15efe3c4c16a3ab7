package ipc

import (
	"reel/internal/api"
	"reel/internal/queue"
)

// serviceName is the JSON-RPC service the daemon registers.
const serviceName = "Reel"

// StartRequest resumes job processing in a running daemon.
type StartRequest struct{}

// StartResponse indicates whether processing started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest halts job processing but keeps the daemon reachable.
type StopRequest struct{}

// StopResponse indicates the stop was applied.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// ShutdownRequest asks the daemon process to exit.
type ShutdownRequest struct{}

// ShutdownResponse acknowledges the shutdown request.
type ShutdownResponse struct {
	Accepted bool `json:"accepted"`
}

// StatusRequest requests daemon status.
type StatusRequest struct{}

// StatusResponse wraps the daemon status payload.
type StatusResponse struct {
	api.DaemonStatus
}

// SubmitRequest admits one or more media files.
type SubmitRequest struct {
	Paths    []string `json:"paths"`
	Priority *int     `json:"priority,omitempty"`
}

// SubmitFailure reports a path that was not admitted.
type SubmitFailure struct {
	Path     string `json:"path"`
	Error    string `json:"error"`
	Rejected bool   `json:"rejected"`
}

// SubmitResponse lists admitted jobs and per-path failures.
type SubmitResponse struct {
	Jobs     []api.Job       `json:"jobs"`
	Failures []SubmitFailure `json:"failures,omitempty"`
}

// QueueListRequest filters the job listing by status names.
type QueueListRequest struct {
	Statuses []string `json:"statuses"`
}

// QueueListResponse returns jobs in admission order.
type QueueListResponse struct {
	Jobs []api.Job `json:"jobs"`
}

// JobRef names a job by id or unique id prefix.
type JobRef struct {
	Ref string `json:"ref"`
}

// QueueShowResponse carries a single job; Job is nil when no job matches.
type QueueShowResponse struct {
	Job *api.Job `json:"job,omitempty"`
}

// JobControlResponse reports the job after a cancel, pause or resume.
type JobControlResponse struct {
	Job     api.Job `json:"job"`
	Changed bool    `json:"changed"`
}

// QueueRemoveResponse reports whether a terminal job was removed.
type QueueRemoveResponse struct {
	Removed bool `json:"removed"`
}

// QueueClearRequest removes terminal jobs, optionally by status.
type QueueClearRequest struct {
	Statuses []string `json:"statuses"`
}

// QueueClearResponse reports the number of removed jobs.
type QueueClearResponse struct {
	Removed int64 `json:"removed"`
}

// ReprocessRequest reruns a finished job from a named stage.
type ReprocessRequest struct {
	Ref      string `json:"ref"`
	From     string `json:"from"`
	Priority *int   `json:"priority,omitempty"`
}

// ResubmitRequest continues a failed or cancelled job from its checkpoint.
type ResubmitRequest struct {
	Ref      string `json:"ref"`
	Priority *int   `json:"priority,omitempty"`
}

// JobResponse carries a newly admitted job.
type JobResponse struct {
	Job api.Job `json:"job"`
}

// QueueHealthRequest requests aggregate queue counts.
type QueueHealthRequest struct{}

// QueueHealthResponse returns aggregate queue counts.
type QueueHealthResponse struct {
	queue.HealthSummary
}

// DatabaseHealthRequest requests queue database diagnostics.
type DatabaseHealthRequest struct{}

// DatabaseHealthResponse returns queue database diagnostics.
type DatabaseHealthResponse struct {
	queue.DatabaseHealth
}

// CacheStatusRequest requests model cache state.
type CacheStatusRequest struct{}

// CacheStatusResponse returns model cache state.
type CacheStatusResponse struct {
	api.CacheStatus
}

// CacheClearRequest evicts idle models; an empty Kind clears every kind.
type CacheClearRequest struct {
	Kind string `json:"kind"`
}

// CacheClearResponse reports evictions. InUse is set when some models stayed
// loaded because running stages hold them.
type CacheClearResponse struct {
	Evicted int    `json:"evicted"`
	InUse   string `json:"inUse,omitempty"`
}

// IdentityListRequest lists known speaker identities.
type IdentityListRequest struct{}

// IdentityListResponse returns known speaker identities.
type IdentityListResponse struct {
	Identities []api.Identity `json:"identities"`
}

// IdentityRemoveRequest forgets one identity.
type IdentityRemoveRequest struct {
	Fingerprint string `json:"fingerprint"`
}

// IdentityRemoveResponse acknowledges removal.
type IdentityRemoveResponse struct {
	Removed bool `json:"removed"`
}

// LogTailRequest reads the daemon log, or a job log when Job is set.
type LogTailRequest struct {
	Job        string `json:"job,omitempty"`
	Offset     int64  `json:"offset"`
	Limit      int    `json:"limit"`
	Follow     bool   `json:"follow"`
	WaitMillis int    `json:"waitMillis"`
	Filter     string `json:"filter,omitempty"`
}

// LogTailResponse returns log lines and the offset to resume from.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}
