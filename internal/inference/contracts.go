package inference

import (
	"context"
	"encoding/json"
	"time"

	"reel/internal/modelcache"
	"reel/internal/queue"
)

// UnitRequest is one unit of stage work sent to a runner.
type UnitRequest struct {
	StageKind    string          `json:"stage_kind"`
	Stage        string          `json:"stage"`
	JobID        string          `json:"job_id"`
	InputRef     string          `json:"input_ref"`
	Unit         int             `json:"unit"`
	Units        int             `json:"units"`
	StartSeconds float64         `json:"start_seconds"`
	EndSeconds   float64         `json:"end_seconds"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Config       map[string]any  `json:"config,omitempty"`
}

// Runner executes stage units. model is the cached instance acquired for the
// stage, or nil for stages that need none.
type Runner interface {
	RunUnit(ctx context.Context, req UnitRequest, model modelcache.Instance) (json.RawMessage, error)
}

// Features describe a job to the router.
type Features struct {
	JobID           string   `json:"job_id"`
	SourcePath      string   `json:"source_path"`
	DurationSeconds float64  `json:"duration_seconds"`
	Segments        int      `json:"segments"`
	Stages          []string `json:"stages"`
	Skippable       []string `json:"skippable"`
	From            int      `json:"from"`
}

// Router predicts which stages a job can skip.
type Router interface {
	Predict(ctx context.Context, features Features) (queue.SkipPlan, error)
}

// Identity is a known speaker in the reference store.
type Identity struct {
	Fingerprint string    `json:"fingerprint"`
	Name        string    `json:"name"`
	Voiceprint  []float64 `json:"voiceprint,omitempty"`
	Confidence  float64   `json:"confidence"`
	Source      string    `json:"source,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IdentityStore is the reference store consulted by cross-reference matching.
// Lookup returns nil when the fingerprint is unknown.
type IdentityStore interface {
	Lookup(ctx context.Context, fingerprint string) (*Identity, error)
	Upsert(ctx context.Context, fingerprint string, identity Identity) error
	All(ctx context.Context) ([]Identity, error)
}

// EventType classifies progress events.
type EventType string

const (
	EventJobStarted    EventType = "job_started"
	EventUnitCommitted EventType = "unit_committed"
	EventStageComplete EventType = "stage_completed"
	EventStageSkipped  EventType = "stage_skipped"
	EventJobFinished   EventType = "job_finished"
)

// Event is a progress notification.
type Event struct {
	Type    EventType `json:"type"`
	JobID   string    `json:"job_id"`
	Stage   string    `json:"stage,omitempty"`
	Cursor  int       `json:"cursor"`
	Units   int       `json:"units,omitempty"`
	Percent float64   `json:"percent"`
	Status  string    `json:"status,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Sink receives progress events. Emit must not block the caller and has no
// error result: delivery failures never affect a job.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NopSink discards events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(context.Context, Event) {}
