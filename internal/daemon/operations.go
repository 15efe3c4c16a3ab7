package daemon

import (
	"context"
	"fmt"
	"strings"

	"reel/internal/admission"
	"reel/internal/api"
	"reel/internal/inference"
	"reel/internal/logging"
	"reel/internal/queue"
	"reel/internal/services"
)

// Submit admits a media file and wakes an idle worker.
func (d *Daemon) Submit(ctx context.Context, sourcePath string, priority *int) (*queue.Job, error) {
	job, err := d.admitter.Submit(ctx, admission.Request{SourcePath: sourcePath, Priority: priority})
	if err != nil {
		return nil, err
	}
	d.engine.Wake()
	return job, nil
}

// Reprocess queues a new job that reruns a finished job from stage from,
// reusing the parent's earlier outputs.
func (d *Daemon) Reprocess(ctx context.Context, ref, from string, priority *int) (*queue.Job, error) {
	job, err := d.admitter.Reprocess(ctx, ref, from, priority)
	if err != nil {
		return nil, err
	}
	d.engine.Wake()
	return job, nil
}

// Resubmit queues a new job that continues a failed or cancelled job from
// its preserved checkpoint.
func (d *Daemon) Resubmit(ctx context.Context, ref string, priority *int) (*queue.Job, error) {
	job, err := d.admitter.Resubmit(ctx, ref, priority)
	if err != nil {
		return nil, err
	}
	d.engine.Wake()
	return job, nil
}

// ListJobs returns jobs filtered by optional statuses.
func (d *Daemon) ListJobs(ctx context.Context, statuses []queue.Status) ([]*queue.Job, error) {
	return d.store.List(ctx, statuses...)
}

// Job resolves a job by id or unique id prefix.
func (d *Daemon) Job(ctx context.Context, ref string) (*queue.Job, error) {
	return d.store.Resolve(ctx, strings.TrimSpace(ref))
}

// Cancel cancels a queued or paused job now, or flags a running job for
// cancellation at its next safe point.
func (d *Daemon) Cancel(ctx context.Context, ref string) (*queue.Job, bool, error) {
	return d.control(ctx, ref, "cancel", d.store.Cancel)
}

// Pause parks a queued job or flags a running one.
func (d *Daemon) Pause(ctx context.Context, ref string) (*queue.Job, bool, error) {
	return d.control(ctx, ref, "pause", d.store.Pause)
}

// Resume returns a paused job to the queue.
func (d *Daemon) Resume(ctx context.Context, ref string) (*queue.Job, bool, error) {
	job, changed, err := d.control(ctx, ref, "resume", d.store.Resume)
	if changed {
		d.engine.Wake()
	}
	return job, changed, err
}

func (d *Daemon) control(ctx context.Context, ref, op string, fn func(context.Context, string) (bool, error)) (*queue.Job, bool, error) {
	job, err := d.Job(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	changed, err := fn(ctx, job.ID)
	if err != nil {
		return nil, false, err
	}
	d.logger.Info("job control",
		logging.String(logging.FieldEventType, "job_"+op),
		logging.String(logging.FieldJobID, job.ID),
		logging.Bool("changed", changed))
	if updated, err := d.store.GetByID(ctx, job.ID); err == nil && updated != nil {
		job = updated
	}
	return job, changed, nil
}

// Remove deletes a terminal job and its checkpoint data.
func (d *Daemon) Remove(ctx context.Context, ref string) (bool, error) {
	job, err := d.Job(ctx, ref)
	if err != nil {
		return false, err
	}
	removed, err := d.store.Remove(ctx, job.ID)
	if err != nil || !removed {
		return removed, err
	}
	if err := d.checkpoints.Purge(ctx, job.ID, false); err != nil {
		return true, fmt.Errorf("purge job data: %w", err)
	}
	return true, nil
}

// Clear removes terminal jobs, optionally restricted to statuses, and
// deletes checkpoint data no remaining job refers to.
func (d *Daemon) Clear(ctx context.Context, statuses []queue.Status) (int64, error) {
	removed, err := d.store.ClearTerminal(ctx, statuses...)
	if err != nil {
		return 0, err
	}
	swept, err := d.sweepOrphans(ctx)
	if err != nil {
		return removed, err
	}
	d.logger.Info("queue cleared",
		logging.String(logging.FieldEventType, "queue_clear"),
		logging.Int64("removed_count", removed),
		logging.Int("purged_job_dirs", swept))
	return removed, nil
}

func (d *Daemon) sweepOrphans(ctx context.Context) (int, error) {
	dirs, err := d.checkpoints.Jobs()
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, id := range dirs {
		job, err := d.store.GetByID(ctx, id)
		if err != nil {
			return swept, err
		}
		if job != nil {
			continue
		}
		if err := d.checkpoints.Purge(ctx, id, false); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// CacheStatus reports loaded models and cache counters.
func (d *Daemon) CacheStatus() api.CacheStatus {
	return api.FromCache(d.cache.Status(), d.cache.Counters(), d.cache.Budget())
}

// CacheClear evicts idle models of kind, or of every kind when kind is empty.
// Models held by running stages stay loaded and are reported in the error.
func (d *Daemon) CacheClear(kind string) (int, error) {
	evicted, err := d.cache.Clear(strings.TrimSpace(kind))
	d.logger.Info("model cache cleared",
		logging.String(logging.FieldEventType, "cache_clear"),
		logging.String("kind", kind),
		logging.Int("evicted", evicted),
		logging.Bool("entries_in_use", err != nil))
	return evicted, err
}

// QueueHealth returns aggregate queue counts.
func (d *Daemon) QueueHealth(ctx context.Context) (queue.HealthSummary, error) {
	return d.store.Health(ctx)
}

// DatabaseHealth returns queue database diagnostics.
func (d *Daemon) DatabaseHealth(ctx context.Context) (queue.DatabaseHealth, error) {
	return d.store.CheckHealth(ctx)
}

// Identities lists the known speaker identities.
func (d *Daemon) Identities(ctx context.Context) ([]inference.Identity, error) {
	return d.identities.List(ctx)
}

// ForgetIdentity removes one identity by fingerprint.
func (d *Daemon) ForgetIdentity(ctx context.Context, fingerprint string) error {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return services.Wrap(services.ErrValidation, "identity", "remove", "fingerprint is required", nil)
	}
	return d.identities.Remove(ctx, fingerprint)
}

func (d *Daemon) submitFromInbox(ctx context.Context, path string) {
	job, err := d.Submit(ctx, path, nil)
	if err != nil {
		level := d.logger.Warn
		if !admission.IsRejected(err) {
			level = d.logger.Error
		}
		level("inbox file not submitted",
			logging.String(logging.FieldEventType, "inbox_submit_failed"),
			logging.String("source", path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "file stays in the inbox unprocessed"))
		return
	}
	d.logger.Info("inbox file submitted",
		logging.String(logging.FieldEventType, "inbox_submit"),
		logging.String(logging.FieldJobID, job.ID),
		logging.String("source", path),
		logging.Int("segments", job.Segments))
}

// LogPath returns the per-job log for jobID, or the daemon log when jobID is
// empty.
func (d *Daemon) LogPath(jobID string) string {
	if strings.TrimSpace(jobID) == "" {
		return d.cfg.DaemonLogPath()
	}
	return d.cfg.JobLogPath(jobID)
}
