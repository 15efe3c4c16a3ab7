package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// DaemonStopReason is the progress message recorded when a running job is
// requeued because the daemon is shutting down.
const DaemonStopReason = "Daemon stopped"

var allStatuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusPaused,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// AllStatuses returns every job status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus converts a user-supplied status name.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether the status is final. Terminal jobs are never
// resurrected; reprocessing admits a new job.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// SkipPlan is the persisted routing decision for a job. A nil plan on a job
// means routing has not been decided yet.
type SkipPlan struct {
	Skip       []string `json:"skip,omitempty"`
	Confidence float64  `json:"confidence"`
	Source     string   `json:"source"`
}

// Job is a unit of work flowing through the pipeline.
type Job struct {
	ID               string
	Seq              int64
	SourcePath       string
	Status           Status
	Priority         int
	StageIndex       int
	StartStage       int
	CheckpointCursor int
	Segments         int
	DurationSeconds  float64
	CancelRequested  bool
	PauseRequested   bool
	ParentID         string
	SkipPlan         *SkipPlan
	Outputs          map[string]string
	ErrorMessage     string
	Attempts         int
	ProgressStage    string
	ProgressPercent  float64
	ProgressMessage  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
	LastHeartbeat    *time.Time
}

// SubmitRequest describes a job to admit.
type SubmitRequest struct {
	// ID is assigned when empty. Admission presets it when job state must
	// be staged on disk before the job becomes visible to workers.
	ID              string
	SourcePath      string
	Priority        int
	Segments        int
	DurationSeconds float64
	ParentID        string
	// StartStage and Outputs seed a reprocessed or resubmitted job with its
	// parent's completed stage outputs.
	StartStage int
	Outputs    map[string]string
	SkipPlan   *SkipPlan
}

// Progress is the engine-owned progress snapshot persisted on the job row.
type Progress struct {
	StageIndex int
	Cursor     int
	Stage      string
	Percent    float64
	Message    string
}

// HealthSummary aggregates queue state for status output.
type HealthSummary struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// DatabaseHealth reports diagnostic information about the queue database.
type DatabaseHealth struct {
	DBPath           string `json:"db_path"`
	DatabaseExists   bool   `json:"database_exists"`
	DatabaseReadable bool   `json:"database_readable"`
	SchemaVersion    int    `json:"schema_version"`
	TotalJobs        int    `json:"total_jobs"`
	IntegrityCheck   bool   `json:"integrity_check"`
	Error            string `json:"error,omitempty"`
}
