package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"reel/internal/services"
)

// Submit admits a new job in the queued state. The source file must exist
// and the request must describe at least one segment.
func (s *Store) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	sourcePath := strings.TrimSpace(req.SourcePath)
	if sourcePath == "" {
		return nil, &InvalidJobError{SourcePath: req.SourcePath, Reason: "source path is empty"}
	}
	info, err := os.Stat(sourcePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, &InvalidJobError{SourcePath: sourcePath, Reason: "source file does not exist"}
	case err != nil:
		return nil, &InvalidJobError{SourcePath: sourcePath, Reason: err.Error()}
	case info.IsDir():
		return nil, &InvalidJobError{SourcePath: sourcePath, Reason: "source is a directory"}
	}
	if req.Segments <= 0 {
		return nil, &InvalidJobError{SourcePath: sourcePath, Reason: "source has no segments to process"}
	}
	if req.StartStage < 0 {
		return nil, &InvalidJobError{SourcePath: sourcePath, Reason: "start stage must not be negative"}
	}

	skipPlan, err := encodeSkipPlan(req.SkipPlan)
	if err != nil {
		return nil, err
	}
	outputs, err := encodeOutputs(req.Outputs)
	if err != nil {
		return nil, err
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, &InvalidJobError{SourcePath: sourcePath, Reason: "job id is not a UUID"}
	}
	timestamp := nowString()
	if _, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            id, source_path, status, priority, stage_index, start_stage, segments,
            duration_seconds, parent_id, skip_plan_json, outputs_json, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		sourcePath,
		StatusQueued,
		req.Priority,
		req.StartStage,
		req.StartStage,
		req.Segments,
		req.DurationSeconds,
		nullableString(req.ParentID),
		skipPlan,
		outputs,
		timestamp,
		timestamp,
	); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID fetches a job by identifier. A missing job returns nil, nil.
func (s *Store) GetByID(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Resolve finds a job by full identifier or unique identifier prefix.
func (s *Store) Resolve(ctx context.Context, ref string) (*Job, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, services.Wrap(services.ErrValidation, "queue", "resolve", "job id is empty", nil)
	}
	if job, err := s.GetByID(ctx, ref); err != nil || job != nil {
		return job, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id LIKE ? ORDER BY seq LIMIT 2`, ref+"%")
	if err != nil {
		return nil, fmt.Errorf("resolve job: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	switch len(jobs) {
	case 0:
		return nil, services.Wrap(services.ErrNotFound, "queue", "resolve", fmt.Sprintf("no job matches %q", ref), nil)
	case 1:
		return jobs[0], nil
	default:
		return nil, services.Wrap(services.ErrValidation, "queue", "resolve", fmt.Sprintf("job prefix %q is ambiguous", ref), nil)
	}
}

// Status returns the status of a job.
func (s *Store) Status(ctx context.Context, id string) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", services.Wrap(services.ErrNotFound, "queue", "status", fmt.Sprintf("job %s not found", id), nil)
	}
	if err != nil {
		return "", fmt.Errorf("job status: %w", err)
	}
	return Status(status), nil
}

// List returns jobs filtered by status set (or all jobs when no status is
// provided) in dequeue order.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		args = statusArgs(statuses)
	}
	query += ` ORDER BY priority DESC, seq ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return scanJobs(rows)
}

// Next atomically claims the highest-priority, earliest-admitted queued job
// and marks it running, provided fewer than slots jobs are already running.
// It returns nil when nothing is eligible. Concurrent callers never claim the
// same job.
func (s *Store) Next(ctx context.Context, slots int) (*Job, error) {
	if slots <= 0 {
		slots = 1
	}
	now := nowString()
	var job *Job
	err := retryOnBusy(ensureContext(ctx), func() error {
		row := s.db.QueryRowContext(
			ctx,
			`UPDATE jobs
             SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?,
                 last_heartbeat = ?, attempts = attempts + 1
             WHERE id = (
                 SELECT id FROM jobs WHERE status = ? ORDER BY priority DESC, seq ASC LIMIT 1
             ) AND (SELECT COUNT(1) FROM jobs WHERE status = ?) < ?
             RETURNING `+jobColumns,
			StatusRunning,
			now,
			now,
			now,
			StatusQueued,
			StatusRunning,
			slots,
		)
		var scanErr error
		job, scanErr = scanJob(row)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next job: %w", err)
	}
	return job, nil
}

// Update persists the engine-owned fields of a job: stage position, cursor,
// skip plan, outputs, progress, and error message. Status, priority, and the
// external request flags are owned by the transition methods and are not
// written here.
func (s *Store) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	skipPlan, err := encodeSkipPlan(job.SkipPlan)
	if err != nil {
		return err
	}
	outputs, err := encodeOutputs(job.Outputs)
	if err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET stage_index = ?, checkpoint_cursor = ?, skip_plan_json = ?, outputs_json = ?,
             error_message = ?, progress_stage = ?, progress_percent = ?, progress_message = ?,
             updated_at = ?
         WHERE id = ?`,
		job.StageIndex,
		job.CheckpointCursor,
		skipPlan,
		outputs,
		nullableString(job.ErrorMessage),
		nullableString(job.ProgressStage),
		job.ProgressPercent,
		nullableString(job.ProgressMessage),
		job.UpdatedAt.Format(timeLayout),
		job.ID,
	); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// RecordProgress mirrors a committed checkpoint onto the job row.
func (s *Store) RecordProgress(ctx context.Context, id string, p Progress) error {
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET stage_index = ?, checkpoint_cursor = ?, progress_stage = ?, progress_percent = ?,
             progress_message = ?, updated_at = ?
         WHERE id = ?`,
		p.StageIndex,
		p.Cursor,
		nullableString(p.Stage),
		p.Percent,
		nullableString(p.Message),
		nowString(),
		id,
	); err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	return nil
}

// Checkpointed mirrors only the stage position and cursor of a committed
// checkpoint onto the job row.
func (s *Store) Checkpointed(ctx context.Context, id string, stageIndex, cursor int) error {
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET stage_index = ?, checkpoint_cursor = ?, updated_at = ? WHERE id = ?`,
		stageIndex,
		cursor,
		nowString(),
		id,
	); err != nil {
		return fmt.Errorf("record checkpoint: %w", err)
	}
	return nil
}

// Remove deletes a terminal job by identifier.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	affected, err := s.execAffected(ctx, `DELETE FROM jobs WHERE id = ? AND status IN (?, ?, ?)`,
		id, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return affected > 0, nil
}

// ClearTerminal removes terminal jobs, optionally restricted to statuses.
func (s *Store) ClearTerminal(ctx context.Context, statuses ...Status) (int64, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusCompleted, StatusFailed, StatusCancelled}
	}
	for _, status := range statuses {
		if !status.IsTerminal() {
			return 0, services.Wrap(services.ErrValidation, "queue", "clear", fmt.Sprintf("status %q is not terminal", status), nil)
		}
	}
	affected, err := s.execAffected(ctx, `DELETE FROM jobs WHERE status IN (`+makePlaceholders(len(statuses))+`)`, statusArgs(statuses)...)
	if err != nil {
		return 0, fmt.Errorf("clear jobs: %w", err)
	}
	return affected, nil
}
