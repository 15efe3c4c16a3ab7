package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const jobColumns = "seq, id, source_path, status, priority, stage_index, start_stage, checkpoint_cursor, segments, duration_seconds, cancel_requested, pause_requested, parent_id, skip_plan_json, outputs_json, error_message, attempts, progress_stage, progress_percent, progress_message, created_at, updated_at, started_at, finished_at, last_heartbeat"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job             Job
		statusStr       string
		cancelRequested int64
		pauseRequested  int64
		parentID        sql.NullString
		skipPlanRaw     sql.NullString
		outputsRaw      sql.NullString
		errorMessage    sql.NullString
		progressStage   sql.NullString
		progressMessage sql.NullString
		createdRaw      string
		updatedRaw      string
		startedRaw      sql.NullString
		finishedRaw     sql.NullString
		heartbeatRaw    sql.NullString
	)

	if err := scanner.Scan(
		&job.Seq,
		&job.ID,
		&job.SourcePath,
		&statusStr,
		&job.Priority,
		&job.StageIndex,
		&job.StartStage,
		&job.CheckpointCursor,
		&job.Segments,
		&job.DurationSeconds,
		&cancelRequested,
		&pauseRequested,
		&parentID,
		&skipPlanRaw,
		&outputsRaw,
		&errorMessage,
		&job.Attempts,
		&progressStage,
		&job.ProgressPercent,
		&progressMessage,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&finishedRaw,
		&heartbeatRaw,
	); err != nil {
		return nil, err
	}

	job.Status = Status(statusStr)
	job.CancelRequested = cancelRequested != 0
	job.PauseRequested = pauseRequested != 0
	job.ParentID = parentID.String
	job.ErrorMessage = errorMessage.String
	job.ProgressStage = progressStage.String
	job.ProgressMessage = progressMessage.String

	if skipPlanRaw.Valid && skipPlanRaw.String != "" {
		var plan SkipPlan
		if err := json.Unmarshal([]byte(skipPlanRaw.String), &plan); err != nil {
			return nil, fmt.Errorf("decode skip plan for job %s: %w", job.ID, err)
		}
		job.SkipPlan = &plan
	}
	if outputsRaw.Valid && outputsRaw.String != "" {
		if err := json.Unmarshal([]byte(outputsRaw.String), &job.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs for job %s: %w", job.ID, err)
		}
	}
	if job.Outputs == nil {
		job.Outputs = map[string]string{}
	}

	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	job.StartedAt = parseNullableTime(startedRaw)
	job.FinishedAt = parseNullableTime(finishedRaw)
	job.LastHeartbeat = parseNullableTime(heartbeatRaw)
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func encodeSkipPlan(plan *SkipPlan) (any, error) {
	if plan == nil {
		return nil, nil
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("encode skip plan: %w", err)
	}
	return string(data), nil
}

func encodeOutputs(outputs map[string]string) (any, error) {
	if len(outputs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return nil, fmt.Errorf("encode outputs: %w", err)
	}
	return string(data), nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(timeLayout)
}

func nowString() string {
	return time.Now().UTC().Format(timeLayout)
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	parsed, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &parsed
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

func statusArgs(statuses []Status) []any {
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = status
	}
	return args
}
