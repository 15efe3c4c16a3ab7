package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"reel/internal/checkpoint"
	"reel/internal/inference"
	"reel/internal/logging"
	"reel/internal/metrics"
	"reel/internal/queue"
	"reel/internal/services"
	"reel/internal/stage"
)

// runStage runs stage i to completion, resuming from resume when it belongs
// to this stage.
func (r *jobRun) runStage(ctx context.Context, i int, resume *checkpoint.Record) (outcome, error) {
	e := r.e
	handler := e.set.Handler(i)
	desc := handler.Descriptor()
	ctx = services.WithStage(ctx, desc.Name)
	logger := logging.ForStage(r.logger, e.cfg, desc.Name)
	started := time.Now()

	env, err := r.buildEnv(ctx, i, logger)
	if err != nil {
		return outcomeFailed, err
	}
	if desc.NeedsModel() {
		handle, err := e.cache.Acquire(ctx, desc.ModelKind, desc.ModelConfig)
		if err != nil {
			if ctx.Err() != nil {
				return outcomeStopped, nil
			}
			return outcomeFailed, services.Wrap(services.ErrExternalTool, desc.Name, "acquire model",
				fmt.Sprintf("model %q unavailable", desc.ModelKind), err)
		}
		defer func() {
			if err := e.cache.Release(handle); err != nil {
				logging.WarnWithContext(logger, "model release failed", "model_release_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "cache entry may stay pinned until restart"))
			}
		}()
		env.Model = handle
	}

	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Int("stage_index", i),
		logging.Bool("checkpointed", desc.Checkpointed))

	var (
		o      outcome
		output json.RawMessage
	)
	if desc.Checkpointed {
		o, output, err = r.runCheckpointed(ctx, i, handler, env, resume, logger)
	} else {
		o, output, err = r.runWholesale(ctx, handler, env, logger)
	}
	if err != nil || o != outcomeCompleted {
		if o == outcomeFailed {
			e.metrics.Stage(desc.Name, metrics.ResultFailed)
		}
		return o, err
	}

	work := context.WithoutCancel(ctx)
	ref, err := e.checkpoints.WriteArtifact(work, r.job.ID, desc.Name, output)
	if err != nil {
		return outcomeFailed, err
	}
	r.outputs[desc.Name] = ref
	r.artifacts[desc.Name] = output
	if err := r.commitStageBoundary(work, i, desc.Fingerprint()); err != nil {
		return outcomeFailed, err
	}

	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("artifact", ref),
		logging.Duration("stage_duration", time.Since(started)))
	e.metrics.Stage(desc.Name, metrics.ResultCompleted)
	e.emit(ctx, inference.Event{Type: inference.EventStageComplete, JobID: r.job.ID, Stage: desc.Name,
		Percent: overallPercent(i+1, 0, 1, e.set.Pipeline.Len())})
	return outcomeCompleted, nil
}

// runCheckpointed runs the units of a checkpointed stage past the resume
// cursor, committing a record after each one.
func (r *jobRun) runCheckpointed(ctx context.Context, i int, handler stage.Handler, env *stage.Env, resume *checkpoint.Record, logger *slog.Logger) (outcome, json.RawMessage, error) {
	e := r.e
	desc := handler.Descriptor()
	fingerprint := desc.Fingerprint()
	work := context.WithoutCancel(ctx)

	units, err := handler.Prepare(ctx, env)
	if err != nil {
		return outcomeFailed, nil, err
	}

	cursor := 0
	var logBytes int64
	var prior []json.RawMessage
	if resume != nil && resume.Cursor > 0 {
		reason := ""
		switch {
		case resume.StageFingerprint != fingerprint:
			reason = "stage configuration changed"
		case resume.Cursor > units:
			reason = fmt.Sprintf("checkpoint cursor %d exceeds %d units", resume.Cursor, units)
		default:
			prior, err = e.checkpoints.ReadUnits(ctx, resume)
			if err != nil {
				reason = "unit log failed verification"
				logging.WarnWithContext(logger, "unit log unusable; restarting stage", "unit_log_corrupt",
					logging.Error(err),
					logging.String(logging.FieldImpact, "completed units of this stage will run again"))
			}
		}
		if reason != "" {
			restarted, err := e.checkpoints.Restart(work, r.job.ID, i, desc.Name, fingerprint)
			if err != nil {
				return outcomeFailed, nil, err
			}
			r.epoch = restarted.Epoch
			prior = nil
			e.metrics.Restart(restartLabel(reason))
			logger.Info("stage restarted from unit 0",
				logging.Args(append(logging.DecisionAttrs("stage_restart", "restarted", reason),
					logging.String(logging.FieldEventType, "stage_restart"),
					logging.Int("discarded_units", resume.Cursor),
					logging.Int("epoch", restarted.Epoch))...)...)
		} else {
			cursor = resume.Cursor
			logBytes = resume.UnitLogBytes
			logger.Info("resuming stage",
				logging.String(logging.FieldEventType, "stage_resume"),
				logging.Int("cursor", cursor),
				logging.Int("units", units))
		}
	}

	for u := cursor; u < units; u++ {
		if o, stop := r.safePoint(ctx); stop {
			return o, nil, nil
		}
		out, err := r.runUnit(ctx, handler, env, u, logger)
		if stopped(ctx, err) {
			return outcomeStopped, nil, nil
		}
		if err != nil {
			return outcomeFailed, nil, err
		}

		ref, err := e.checkpoints.AppendUnit(work, r.job.ID, desc.Name, r.epoch, logBytes, u, out)
		if err != nil {
			return outcomeFailed, nil, err
		}
		ack, err := e.checkpoints.Commit(work, checkpoint.Record{
			JobID:            r.job.ID,
			Epoch:            r.epoch,
			StageIndex:       i,
			StageName:        desc.Name,
			Cursor:           u + 1,
			UnitLog:          ref.Name,
			UnitLogBytes:     ref.Bytes,
			Outputs:          copyOutputs(r.outputs),
			Skipped:          append([]string(nil), r.skipped...),
			StageFingerprint: fingerprint,
		})
		if err != nil {
			return outcomeFailed, nil, err
		}
		e.metrics.Commit(ack.Applied)
		logBytes = ref.Bytes
		prior = append(prior, out)
		r.unitCommitted(work, i, u+1, units, logger)
	}

	output, err := handler.Finalize(ctx, env, prior)
	if err != nil {
		return outcomeFailed, nil, err
	}
	return outcomeCompleted, output, nil
}

// runWholesale runs a stage without unit checkpoints, retrying the whole
// stage on retryable failures.
func (r *jobRun) runWholesale(ctx context.Context, handler stage.Handler, env *stage.Env, logger *slog.Logger) (outcome, json.RawMessage, error) {
	e := r.e
	desc := handler.Descriptor()
	work := context.WithoutCancel(ctx)
	retries := max(e.cfg.Workflow.StageRetries, 0)
	backoff := newBackoff(e.cfg.RetryBackoff())

	for attempt := 0; ; attempt++ {
		output, err := r.attemptWholesale(work, handler, env)
		if err == nil {
			return outcomeCompleted, output, nil
		}
		if !services.IsRetryable(err) || attempt >= retries {
			return outcomeFailed, nil, err
		}
		e.metrics.Stage(desc.Name, metrics.ResultRetried)
		logging.WarnWithContext(logger, "stage attempt failed; retrying", "stage_retry",
			logging.Int("attempt", attempt+1),
			logging.Int("max_attempts", retries+1),
			logging.Error(err),
			logging.String(logging.FieldImpact, "the stage runs again from its first unit"))
		if !backoff.wait(ctx) {
			return outcomeStopped, nil, nil
		}
		if o, stop := r.safePoint(ctx); stop {
			return o, nil, nil
		}
	}
}

func (r *jobRun) attemptWholesale(ctx context.Context, handler stage.Handler, env *stage.Env) (json.RawMessage, error) {
	units, err := handler.Prepare(ctx, env)
	if err != nil {
		return nil, err
	}
	outs := make([]json.RawMessage, 0, units)
	for u := 0; u < units; u++ {
		out, err := handler.RunUnit(ctx, env, u)
		if err != nil {
			return nil, err
		}
		outs = append(outs, out)
	}
	return handler.Finalize(ctx, env, outs)
}

func (r *jobRun) unitCommitted(ctx context.Context, i, cursor, units int, logger *slog.Logger) {
	e := r.e
	name := e.set.Pipeline.At(i).Name
	percent := overallPercent(i, cursor, units, e.set.Pipeline.Len())
	message := fmt.Sprintf("%s %d/%d", name, cursor, units)
	if err := e.store.RecordProgress(ctx, r.job.ID, queue.Progress{
		StageIndex: i,
		Cursor:     cursor,
		Stage:      name,
		Percent:    percent,
		Message:    message,
	}); err != nil {
		logging.WarnWithContext(logger, "progress mirror failed", "progress_persist_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "queue status lags behind the checkpoint until the next unit"))
	}
	r.job.StageIndex = i
	r.job.CheckpointCursor = cursor
	r.job.ProgressStage = name
	r.job.ProgressPercent = percent
	r.job.ProgressMessage = message
	e.updateActive(r.job.ID, name, cursor, units)

	level := slog.LevelDebug
	if r.sampler.ShouldLog(percent, name) {
		level = slog.LevelInfo
	}
	logger.Log(ctx, level, "unit committed",
		logging.String(logging.FieldEventType, "unit_committed"),
		logging.Int("cursor", cursor),
		logging.Int("units", units),
		logging.Float64("percent", percent))
	e.emit(ctx, inference.Event{
		Type:    inference.EventUnitCommitted,
		JobID:   r.job.ID,
		Stage:   name,
		Cursor:  cursor,
		Units:   units,
		Percent: percent,
		Message: message,
	})
}

func restartLabel(reason string) string {
	switch reason {
	case "stage configuration changed":
		return "fingerprint"
	case "unit log failed verification":
		return "unit_log"
	default:
		return "cursor"
	}
}
