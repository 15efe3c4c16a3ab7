package queue

import (
	"context"
	"fmt"
	"time"
)

// Cancel requests cancellation. Queued and paused jobs are cancelled
// immediately; running jobs are flagged and the engine cancels them at the
// next safe point. It returns false for terminal or unknown jobs.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	now := nowString()
	affected, err := s.execAffected(
		ctx,
		`UPDATE jobs
         SET status = ?, cancel_requested = 1, pause_requested = 0, finished_at = ?, updated_at = ?,
             progress_message = CASE WHEN started_at IS NULL THEN 'Cancelled before start' ELSE 'Cancelled while parked' END
         WHERE id = ? AND status IN (?, ?)`,
		StatusCancelled, now, now, id, StatusQueued, StatusPaused,
	)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	affected, err = s.execAffected(
		ctx,
		`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ? AND status = ?`,
		now, id, StatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("flag job cancellation: %w", err)
	}
	return affected > 0, nil
}

// Pause parks a queued job immediately or flags a running job so the engine
// parks it at the next safe point. It returns false for other states.
func (s *Store) Pause(ctx context.Context, id string) (bool, error) {
	now := nowString()
	affected, err := s.execAffected(
		ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusPaused, now, id, StatusQueued,
	)
	if err != nil {
		return false, fmt.Errorf("pause job: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	affected, err = s.execAffected(
		ctx,
		`UPDATE jobs SET pause_requested = 1, updated_at = ? WHERE id = ? AND status = ? AND cancel_requested = 0`,
		now, id, StatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("flag job pause: %w", err)
	}
	return affected > 0, nil
}

// Resume returns a paused job to the queue, or withdraws a pending pause
// request on a running job.
func (s *Store) Resume(ctx context.Context, id string) (bool, error) {
	now := nowString()
	affected, err := s.execAffected(
		ctx,
		`UPDATE jobs
         SET status = CASE status WHEN ? THEN ? ELSE status END,
             pause_requested = 0, updated_at = ?
         WHERE id = ? AND (status = ? OR (status = ? AND pause_requested = 1))`,
		StatusPaused, StatusQueued, now, id, StatusPaused, StatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("resume job: %w", err)
	}
	return affected > 0, nil
}

// Flags returns the external cancel and pause requests for a job.
func (s *Store) Flags(ctx context.Context, id string) (cancel bool, pause bool, err error) {
	var c, p int64
	if err := s.db.QueryRowContext(ctx, `SELECT cancel_requested, pause_requested FROM jobs WHERE id = ?`, id).Scan(&c, &p); err != nil {
		return false, false, fmt.Errorf("read job flags: %w", err)
	}
	return c != 0, p != 0, nil
}

// Park moves a running job to paused after the engine honoured a pause
// request at a safe point.
func (s *Store) Park(ctx context.Context, id string) error {
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, pause_requested = 0, last_heartbeat = NULL, updated_at = ?,
             progress_message = 'Paused at checkpoint'
         WHERE id = ? AND status = ?`,
		StatusPaused, nowString(), id, StatusRunning,
	); err != nil {
		return fmt.Errorf("park job: %w", err)
	}
	return nil
}

// Requeue returns a running job to the queue without touching its progress,
// used when the daemon stops mid-job.
func (s *Store) Requeue(ctx context.Context, id, message string) error {
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, last_heartbeat = NULL, updated_at = ?, progress_message = ?
         WHERE id = ? AND status = ?`,
		StatusQueued, nowString(), nullableString(message), id, StatusRunning,
	); err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}

// Finish records a terminal status for a running job.
func (s *Store) Finish(ctx context.Context, id string, status Status, message string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish job: status %q is not terminal", status)
	}
	now := nowString()
	percent := "progress_percent"
	if status == StatusCompleted {
		percent = "100"
	}
	errorMessage := any(nil)
	if status == StatusFailed {
		errorMessage = nullableString(message)
	}
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, error_message = COALESCE(?, error_message), progress_message = ?,
             progress_percent = `+percent+`, cancel_requested = 0, pause_requested = 0,
             last_heartbeat = NULL, finished_at = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		status, errorMessage, nullableString(message), now, now, id, StatusRunning,
	); err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// ResetRunning returns every running job to the queue. Called once at engine
// start: any job still marked running belonged to a process that crashed.
func (s *Store) ResetRunning(ctx context.Context) (int64, error) {
	affected, err := s.execAffected(
		ctx,
		`UPDATE jobs
         SET status = ?, last_heartbeat = NULL, updated_at = ?,
             progress_message = 'Reset after unclean shutdown'
         WHERE status = ?`,
		StatusQueued, nowString(), StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("reset running jobs: %w", err)
	}
	return affected, nil
}

// UpdateHeartbeat updates the last heartbeat timestamp for a running job.
func (s *Store) UpdateHeartbeat(ctx context.Context, id string) error {
	now := nowString()
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET last_heartbeat = ?, updated_at = ? WHERE id = ? AND status = ?`,
		now, now, id, StatusRunning,
	); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ReclaimStale returns running jobs whose heartbeat expired before cutoff to
// the queue. Their checkpoints make the retry resume where they stopped.
// Jobs listed in live are still held by a worker and are left alone.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time, live ...string) (int64, error) {
	query := `UPDATE jobs
         SET status = ?, last_heartbeat = NULL, updated_at = ?,
             progress_message = 'Reclaimed from stale heartbeat'
         WHERE status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`
	args := []any{StatusQueued, nowString(), StatusRunning, cutoff.UTC().Format(timeLayout)}
	if len(live) > 0 {
		query += ` AND id NOT IN (` + makePlaceholders(len(live)) + `)`
		for _, id := range live {
			args = append(args, id)
		}
	}
	affected, err := s.execAffected(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return affected, nil
}
