package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Job describes a queue entry in a transport-friendly format.
type Job struct {
	ID              string            `json:"id"`
	SourcePath      string            `json:"sourcePath"`
	Status          string            `json:"status"`
	Priority        int               `json:"priority"`
	StageIndex      int               `json:"stageIndex"`
	StartStage      int               `json:"startStage,omitempty"`
	Cursor          int               `json:"cursor"`
	Segments        int               `json:"segments"`
	DurationSeconds float64           `json:"durationSeconds,omitempty"`
	Progress        JobProgress       `json:"progress"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
	Attempts        int               `json:"attempts"`
	ParentID        string            `json:"parentId,omitempty"`
	CancelRequested bool              `json:"cancelRequested,omitempty"`
	PauseRequested  bool              `json:"pauseRequested,omitempty"`
	SkipPlan        *SkipPlan         `json:"skipPlan,omitempty"`
	Outputs         map[string]string `json:"outputs,omitempty"`
	CreatedAt       string            `json:"createdAt,omitempty"`
	UpdatedAt       string            `json:"updatedAt,omitempty"`
	StartedAt       string            `json:"startedAt,omitempty"`
	FinishedAt      string            `json:"finishedAt,omitempty"`
}

// JobProgress captures stage progress information for a job.
type JobProgress struct {
	Stage   string  `json:"stage"`
	Percent float64 `json:"percent"`
	Message string  `json:"message"`
}

// SkipPlan is the routing decision recorded on a job.
type SkipPlan struct {
	Skip       []string `json:"skip,omitempty"`
	Confidence float64  `json:"confidence"`
	Source     string   `json:"source"`
}

// ActiveJob is a job a worker currently holds.
type ActiveJob struct {
	Worker string `json:"worker"`
	JobID  string `json:"jobId"`
	Stage  string `json:"stage"`
	Cursor int    `json:"cursor"`
	Units  int    `json:"units"`
	Since  string `json:"since,omitempty"`
}

// EngineStatus summarizes engine execution state.
type EngineStatus struct {
	Running     bool           `json:"running"`
	Workers     int            `json:"workers"`
	Active      []ActiveJob    `json:"active"`
	QueueStats  map[string]int `json:"queueStats"`
	LastError   string         `json:"lastError,omitempty"`
	LastJobID   string         `json:"lastJobId,omitempty"`
	StageHealth []StageHealth  `json:"stageHealth"`
}

// StageHealth mirrors readiness reporting for pipeline stages.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// CacheEntry is one loaded model.
type CacheEntry struct {
	Kind        string   `json:"kind"`
	Fingerprint string   `json:"fingerprint"`
	Ready       bool     `json:"ready"`
	RefCount    int      `json:"refCount"`
	Holders     []string `json:"holders,omitempty"`
	SizeBytes   int64    `json:"sizeBytes"`
	LoadedAt    string   `json:"loadedAt,omitempty"`
	LastUsed    string   `json:"lastUsed,omitempty"`
}

// CacheStatus describes the shared model cache.
type CacheStatus struct {
	Entries      []CacheEntry `json:"entries"`
	BudgetBytes  int64        `json:"budgetBytes"`
	UsedBytes    int64        `json:"usedBytes"`
	Hits         int64        `json:"hits"`
	Misses       int64        `json:"misses"`
	Evictions    int64        `json:"evictions"`
	LoadFailures int64        `json:"loadFailures"`
}

// CheckpointUsage reports disk consumption of the job data root.
type CheckpointUsage struct {
	Root       string `json:"root"`
	Jobs       int    `json:"jobs"`
	UsedBytes  int64  `json:"usedBytes"`
	FreeBytes  uint64 `json:"freeBytes"`
	TotalBytes uint64 `json:"totalBytes"`
}

// NotificationStats counts progress event deliveries.
type NotificationStats struct {
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running       bool              `json:"running"`
	PID           int               `json:"pid"`
	QueueDBPath   string            `json:"queueDbPath"`
	LockFilePath  string            `json:"lockFilePath"`
	Watching      string            `json:"watching,omitempty"`
	MetricsAddr   string            `json:"metricsAddr,omitempty"`
	Pipeline      []string          `json:"pipeline"`
	Engine        EngineStatus      `json:"engine"`
	Cache         CacheStatus       `json:"cache"`
	Checkpoints   CheckpointUsage   `json:"checkpoints"`
	Notifications NotificationStats `json:"notifications"`
}

// Identity is a known speaker identity.
type Identity struct {
	Fingerprint string  `json:"fingerprint"`
	Name        string  `json:"name"`
	Confidence  float64 `json:"confidence"`
	Source      string  `json:"source,omitempty"`
	UpdatedAt   string  `json:"updatedAt,omitempty"`
}

// QueueStatsResponse provides a normalized queue stats payload.
type QueueStatsResponse struct {
	Counts map[string]int `json:"counts"`
}

// JobListResponse wraps a collection of jobs for API responses.
type JobListResponse struct {
	Jobs []Job `json:"jobs"`
}
