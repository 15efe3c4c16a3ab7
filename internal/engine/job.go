package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reel/internal/checkpoint"
	"reel/internal/inference"
	"reel/internal/logging"
	"reel/internal/metrics"
	"reel/internal/queue"
	"reel/internal/services"
)

// outcome is how a job left the worker.
type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeCancelled
	outcomePaused
	outcomeStopped
)

func (o outcome) String() string {
	switch o {
	case outcomeCompleted:
		return string(queue.StatusCompleted)
	case outcomeFailed:
		return string(queue.StatusFailed)
	case outcomeCancelled:
		return string(queue.StatusCancelled)
	case outcomePaused:
		return string(queue.StatusPaused)
	default:
		return "stopped"
	}
}

// jobRun is the per-job state of one worker attempt.
type jobRun struct {
	e       *Engine
	job     *queue.Job
	logger  *slog.Logger
	sampler *logging.ProgressSampler

	epoch     int
	outputs   map[string]string
	skipped   []string
	artifacts map[string][]byte
}

func (e *Engine) processJob(ctx context.Context, worker string, job *queue.Job) {
	e.trackStart(worker, job)
	defer e.trackStop(worker)
	ctx = services.WithJobID(ctx, job.ID)
	ctx = services.WithRequestID(ctx, uuid.NewString())

	jobLog, err := logging.OpenJobLog(e.cfg.JobLogPath(job.ID))
	if err != nil {
		e.logger.Warn("job log unavailable; continuing with daemon log only",
			logging.Error(err),
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldEventType, "job_log_unavailable"),
			logging.String(logging.FieldImpact, "per-job debug log will be missing"))
	}
	defer jobLog.Close()
	logger := logging.WithContext(ctx, jobLog.Attach(e.logger))

	run := &jobRun{
		e:         e,
		job:       job,
		logger:    logger,
		sampler:   logging.NewProgressSampler(10),
		outputs:   make(map[string]string),
		artifacts: make(map[string][]byte),
	}

	e.metrics.JobStarted()
	defer e.metrics.JobStopped()

	hbCtx, hbCancel := context.WithCancel(context.WithoutCancel(ctx))
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go e.heartbeat.StartLoop(hbCtx, &hbWG, job.ID)

	started := time.Now()
	logger.Info("job started",
		logging.String(logging.FieldEventType, "job_start"),
		logging.String("source", job.SourcePath),
		logging.Int("segments", job.Segments),
		logging.Int("stage_index", job.StageIndex),
		logging.Int("attempt", job.Attempts))

	result, runErr := run.execute(ctx)

	hbCancel()
	hbWG.Wait()

	// Bookkeeping must land even when the engine is shutting down.
	e.finishJob(context.WithoutCancel(ctx), run, result, runErr, time.Since(started))
}

func (e *Engine) finishJob(ctx context.Context, run *jobRun, result outcome, runErr error, elapsed time.Duration) {
	job := run.job
	logger := run.logger
	e.setLastJob(job.ID)
	e.metrics.JobFinished(result.String())

	switch result {
	case outcomeCompleted:
		if err := e.store.Finish(ctx, job.ID, queue.StatusCompleted, "Completed"); err != nil {
			e.recordBookkeepingError(logger, "finish", err)
		}
		if err := e.checkpoints.Purge(ctx, job.ID, true); err != nil {
			logging.WarnWithContext(logger, "checkpoint purge failed", "checkpoint_purge_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "stale checkpoint records remain on disk"))
		}
		logger.Info("job completed",
			logging.String(logging.FieldEventType, "job_complete"),
			logging.Duration("job_duration", elapsed),
			logging.Int("outputs", len(run.outputs)))
		e.emit(ctx, inference.Event{Type: inference.EventJobFinished, JobID: job.ID, Status: string(queue.StatusCompleted), Percent: 100})
	case outcomeCancelled:
		if err := e.store.Finish(ctx, job.ID, queue.StatusCancelled, "Cancelled at checkpoint"); err != nil {
			e.recordBookkeepingError(logger, "finish", err)
		}
		logger.Info("job cancelled",
			logging.String(logging.FieldEventType, "job_cancelled"),
			logging.Duration("job_duration", elapsed))
		e.emit(ctx, inference.Event{Type: inference.EventJobFinished, JobID: job.ID, Status: string(queue.StatusCancelled)})
	case outcomePaused:
		if err := e.store.Park(ctx, job.ID); err != nil {
			e.recordBookkeepingError(logger, "park", err)
		}
		logger.Info("job paused",
			logging.String(logging.FieldEventType, "job_paused"))
		e.emit(ctx, inference.Event{Type: inference.EventJobFinished, JobID: job.ID, Status: string(queue.StatusPaused)})
	case outcomeStopped:
		if err := e.store.Requeue(ctx, job.ID, queue.DaemonStopReason); err != nil {
			e.recordBookkeepingError(logger, "requeue", err)
		}
		logger.Info("job requeued for shutdown",
			logging.String(logging.FieldEventType, "job_requeued"))
	default:
		message := failureMessage(runErr)
		if err := e.store.Finish(ctx, job.ID, queue.StatusFailed, message); err != nil {
			e.recordBookkeepingError(logger, "finish", err)
		}
		e.logFailure(logger, runErr)
		e.setLastError(runErr)
		e.emit(ctx, inference.Event{Type: inference.EventJobFinished, JobID: job.ID, Status: string(queue.StatusFailed), Message: message})
	}
}

func (e *Engine) recordBookkeepingError(logger *slog.Logger, op string, err error) {
	e.setLastError(err)
	logging.ErrorWithContext(logger, "failed to persist job state", "job_persist_failed",
		logging.String("operation", op),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check queue database access"))
}

// execute runs every remaining stage of the job.
func (r *jobRun) execute(ctx context.Context) (outcome, error) {
	e := r.e
	pipeline := e.set.Pipeline

	rec, err := e.checkpoints.Latest(ctx, r.job.ID)
	if err != nil {
		return outcomeFailed, err
	}
	from, _ := pipeline.ResumePoint(rec, r.job.StageIndex)
	if rec != nil {
		r.epoch = rec.Epoch
		r.skipped = append(r.skipped, rec.Skipped...)
		for k, v := range rec.Outputs {
			r.outputs[k] = v
		}
		r.logger.Info("resuming from checkpoint",
			logging.String(logging.FieldEventType, "checkpoint_resume"),
			logging.Int("stage_index", rec.StageIndex),
			logging.String("stage_name", rec.StageName),
			logging.Int("cursor", rec.Cursor),
			logging.Int64("generation", rec.Generation))
	} else {
		for k, v := range r.job.Outputs {
			r.outputs[k] = v
		}
	}
	e.emit(ctx, inference.Event{Type: inference.EventJobStarted, JobID: r.job.ID, Stage: stageNameAt(pipeline.Names(), from)})

	skip, err := r.skipPlan(ctx, from)
	if err != nil {
		return outcomeFailed, err
	}

	for i := from; i < pipeline.Len(); i++ {
		desc := pipeline.At(i)
		if o, stop := r.safePoint(ctx); stop {
			return o, nil
		}
		if skip[desc.Name] {
			if err := r.skipStage(ctx, i); err != nil {
				return outcomeFailed, err
			}
			rec = nil
			continue
		}

		var resume *checkpoint.Record
		if rec != nil && rec.StageIndex == i {
			resume = rec
		}
		o, err := r.runStage(ctx, i, resume)
		if err != nil || o != outcomeCompleted {
			return o, err
		}
		rec = nil
	}
	return outcomeCompleted, nil
}

// safePoint reports whether the job must stop before the next unit or stage.
func (r *jobRun) safePoint(ctx context.Context) (outcome, bool) {
	if ctx.Err() != nil {
		return outcomeStopped, true
	}
	cancel, pause, err := r.e.store.Flags(ctx, r.job.ID)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeStopped, true
		}
		logging.WarnWithContext(r.logger, "could not read job flags; continuing", "job_flags_unavailable",
			logging.Error(err),
			logging.String(logging.FieldImpact, "cancel or pause takes effect at a later safe point"))
		return outcomeCompleted, false
	}
	switch {
	case cancel:
		return outcomeCancelled, true
	case pause:
		return outcomePaused, true
	}
	return outcomeCompleted, false
}

// commitStageBoundary records that stage i is finished (run or skipped) and
// mirrors the new position onto the job row.
func (r *jobRun) commitStageBoundary(ctx context.Context, i int, fingerprint string) error {
	e := r.e
	names := e.set.Pipeline.Names()
	ack, err := e.checkpoints.Commit(ctx, checkpoint.Record{
		JobID:            r.job.ID,
		Epoch:            r.epoch,
		StageIndex:       i + 1,
		StageName:        stageNameAt(names, i+1),
		Cursor:           0,
		Outputs:          copyOutputs(r.outputs),
		Skipped:          append([]string(nil), r.skipped...),
		StageFingerprint: fingerprint,
	})
	if err != nil {
		return err
	}
	e.metrics.Commit(ack.Applied)

	r.job.StageIndex = i + 1
	r.job.CheckpointCursor = 0
	r.job.Outputs = copyOutputs(r.outputs)
	r.job.ProgressStage = stageNameAt(names, i+1)
	r.job.ProgressPercent = overallPercent(i+1, 0, 1, len(names))
	r.job.ProgressMessage = fmt.Sprintf("%s done", names[i])
	return e.store.Update(ctx, r.job)
}

func (r *jobRun) skipStage(ctx context.Context, i int) error {
	desc := r.e.set.Pipeline.At(i)
	r.skipped = append(r.skipped, desc.Name)
	if err := r.commitStageBoundary(ctx, i, ""); err != nil {
		return err
	}
	r.logger.Info("stage skipped",
		logging.Args(append(logging.DecisionAttrs("stage_skip", "skipped", "routing plan"),
			logging.String(logging.FieldEventType, "stage_skipped"),
			logging.String(logging.FieldStage, desc.Name))...)...)
	r.e.metrics.Stage(desc.Name, metrics.ResultSkipped)
	r.e.emit(ctx, inference.Event{Type: inference.EventStageSkipped, JobID: r.job.ID, Stage: desc.Name,
		Percent: overallPercent(i+1, 0, 1, r.e.set.Pipeline.Len())})
	return nil
}

func (e *Engine) emit(ctx context.Context, event inference.Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	e.sink.Emit(ctx, event)
}

func failureMessage(err error) string {
	if err == nil {
		return "failed without error detail"
	}
	details := services.Details(err)
	message := strings.TrimSpace(details.Message)
	if message == "" {
		message = strings.TrimSpace(err.Error())
	}
	if details.Stage != "" && !strings.HasPrefix(message, details.Stage) {
		message = details.Stage + ": " + message
	}
	return message
}

func (e *Engine) logFailure(logger *slog.Logger, err error) {
	details := services.Details(err)
	attrs := []logging.Attr{
		logging.Alert("job_failure"),
		logging.String(logging.FieldEventType, "job_failure"),
		logging.String("operation", details.Operation),
		logging.String(logging.FieldImpact, "job failed; its checkpoint is kept for resubmission"),
	}
	attrs = append(attrs, logging.ErrorDetails(err)...)
	logger.Error("job failed", logging.Args(attrs...)...)
}

func stageNameAt(names []string, i int) string {
	if i >= 0 && i < len(names) {
		return names[i]
	}
	return ""
}

func copyOutputs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// overallPercent maps a unit position within stage i onto the whole job.
func overallPercent(stageIndex, cursor, units, stageCount int) float64 {
	if stageCount <= 0 {
		return 0
	}
	fraction := 0.0
	if units > 0 {
		fraction = float64(cursor) / float64(units)
	}
	return min(100, (float64(stageIndex)+fraction)/float64(stageCount)*100)
}
