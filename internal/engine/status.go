package engine

import (
	"context"
	"errors"
	"time"

	"reel/internal/modelcache"
	"reel/internal/queue"
	"reel/internal/stage"
)

// ActiveJob describes a job a worker currently holds.
type ActiveJob struct {
	Worker string    `json:"worker"`
	JobID  string    `json:"job_id"`
	Stage  string    `json:"stage"`
	Cursor int       `json:"cursor"`
	Units  int       `json:"units"`
	Since  time.Time `json:"since"`
}

// StatusSummary is a point-in-time view of the engine.
type StatusSummary struct {
	Running     bool                     `json:"running"`
	Workers     int                      `json:"workers"`
	Active      []ActiveJob              `json:"active"`
	LastError   string                   `json:"last_error,omitempty"`
	LastJobID   string                   `json:"last_job_id,omitempty"`
	QueueStats  map[queue.Status]int     `json:"queue_stats"`
	StageHealth []stage.Health           `json:"stage_health"`
	Cache       []modelcache.EntryStatus `json:"cache,omitempty"`
	CacheStats  modelcache.Counters      `json:"cache_stats"`
}

// Status reports worker activity, queue counts and stage health.
func (e *Engine) Status(ctx context.Context) (StatusSummary, error) {
	stats, err := e.store.Stats(ctx)
	if err != nil {
		return StatusSummary{}, err
	}

	e.mu.RLock()
	summary := StatusSummary{
		Running:    e.running,
		Workers:    max(e.cfg.Queue.WorkerSlots, 1),
		LastJobID:  e.lastJob,
		QueueStats: stats,
	}
	if e.lastErr != nil {
		summary.LastError = e.lastErr.Error()
	}
	for _, a := range e.active {
		summary.Active = append(summary.Active, *a)
	}
	e.mu.RUnlock()

	wiring := e.wiring()
	for _, h := range e.set.Handlers() {
		summary.StageHealth = append(summary.StageHealth, h.HealthCheck(ctx, wiring))
	}
	if e.cache != nil {
		summary.Cache = e.cache.Status()
		summary.CacheStats = e.cache.Counters()
	}
	return summary, nil
}

func (e *Engine) wiring() stage.Wiring {
	w := stage.Wiring{Identities: e.identities != nil}
	if e.cache == nil {
		return w
	}
	w.Models = func(kind string) error {
		if !e.cache.Registered(kind) {
			return errors.New("no loader registered")
		}
		if e.modelCheck != nil {
			return e.modelCheck(kind)
		}
		return nil
	}
	return w
}

func (e *Engine) trackStart(worker string, job *queue.Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[worker] = &ActiveJob{
		Worker: worker,
		JobID:  job.ID,
		Stage:  job.ProgressStage,
		Cursor: job.CheckpointCursor,
		Since:  time.Now(),
	}
}

func (e *Engine) liveJobIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.active))
	for _, a := range e.active {
		ids = append(ids, a.JobID)
	}
	return ids
}

func (e *Engine) trackStop(worker string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, worker)
}

func (e *Engine) updateActive(jobID, stageName string, cursor, units int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.active {
		if a.JobID == jobID {
			a.Stage = stageName
			a.Cursor = cursor
			a.Units = units
			return
		}
	}
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

func (e *Engine) setLastJob(id string) {
	e.mu.Lock()
	e.lastJob = id
	e.mu.Unlock()
}
