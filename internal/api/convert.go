package api

import (
	"maps"
	"slices"
	"strings"
	"time"

	"reel/internal/checkpoint"
	"reel/internal/engine"
	"reel/internal/inference"
	"reel/internal/modelcache"
	"reel/internal/queue"
	"reel/internal/stage"
)

// FromJob converts a queue job into its API representation.
func FromJob(job *queue.Job) Job {
	if job == nil {
		return Job{}
	}
	dto := Job{
		ID:              job.ID,
		SourcePath:      job.SourcePath,
		Status:          string(job.Status),
		Priority:        job.Priority,
		StageIndex:      job.StageIndex,
		StartStage:      job.StartStage,
		Cursor:          job.CheckpointCursor,
		Segments:        job.Segments,
		DurationSeconds: job.DurationSeconds,
		Progress: JobProgress{
			Stage:   job.ProgressStage,
			Percent: job.ProgressPercent,
			Message: job.ProgressMessage,
		},
		ErrorMessage:    job.ErrorMessage,
		Attempts:        job.Attempts,
		ParentID:        job.ParentID,
		CancelRequested: job.CancelRequested,
		PauseRequested:  job.PauseRequested,
		CreatedAt:       FormatTime(job.CreatedAt),
		UpdatedAt:       FormatTime(job.UpdatedAt),
		StartedAt:       formatTimePtr(job.StartedAt),
		FinishedAt:      formatTimePtr(job.FinishedAt),
	}
	if dto.Progress.Stage == "" {
		dto.Progress.Stage = string(job.Status)
	}
	if job.SkipPlan != nil {
		dto.SkipPlan = &SkipPlan{
			Skip:       slices.Clone(job.SkipPlan.Skip),
			Confidence: job.SkipPlan.Confidence,
			Source:     job.SkipPlan.Source,
		}
	}
	if len(job.Outputs) > 0 {
		dto.Outputs = maps.Clone(job.Outputs)
	}
	return dto
}

// FromJobs converts a slice of queue jobs.
func FromJobs(jobs []*queue.Job) []Job {
	if len(jobs) == 0 {
		return nil
	}
	out := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		if job == nil {
			continue
		}
		out = append(out, FromJob(job))
	}
	return out
}

// FromEngineStatus converts an engine status snapshot.
func FromEngineStatus(summary engine.StatusSummary) EngineStatus {
	es := EngineStatus{
		Running:     summary.Running,
		Workers:     summary.Workers,
		QueueStats:  MergeQueueStats(summary.QueueStats),
		LastError:   summary.LastError,
		LastJobID:   summary.LastJobID,
		StageHealth: StageHealthSlice(summary.StageHealth),
	}
	for _, a := range summary.Active {
		es.Active = append(es.Active, ActiveJob{
			Worker: a.Worker,
			JobID:  a.JobID,
			Stage:  a.Stage,
			Cursor: a.Cursor,
			Units:  a.Units,
			Since:  FormatTime(a.Since),
		})
	}
	slices.SortFunc(es.Active, func(a, b ActiveJob) int {
		return strings.Compare(a.Worker, b.Worker)
	})
	return es
}

// FromCache converts model cache state.
func FromCache(entries []modelcache.EntryStatus, counters modelcache.Counters, budget int64) CacheStatus {
	status := CacheStatus{
		Entries:      make([]CacheEntry, 0, len(entries)),
		BudgetBytes:  budget,
		Hits:         counters.Hits,
		Misses:       counters.Misses,
		Evictions:    counters.Evictions,
		LoadFailures: counters.LoadFailures,
	}
	for _, e := range entries {
		status.UsedBytes += e.SizeBytes
		status.Entries = append(status.Entries, CacheEntry{
			Kind:        e.Kind,
			Fingerprint: e.Fingerprint,
			Ready:       e.Ready,
			RefCount:    e.RefCount,
			Holders:     slices.Clone(e.Holders),
			SizeBytes:   e.SizeBytes,
			LoadedAt:    FormatTime(e.LoadedAt),
			LastUsed:    FormatTime(e.LastUsed),
		})
	}
	return status
}

// FromUsage converts checkpoint disk usage.
func FromUsage(u checkpoint.Usage) CheckpointUsage {
	return CheckpointUsage{
		Root:       u.Root,
		Jobs:       u.Jobs,
		UsedBytes:  u.UsedBytes,
		FreeBytes:  u.FreeBytes,
		TotalBytes: u.TotalBytes,
	}
}

// FromIdentities converts speaker identities, omitting voiceprints.
func FromIdentities(ids []inference.Identity) []Identity {
	out := make([]Identity, 0, len(ids))
	for _, id := range ids {
		out = append(out, Identity{
			Fingerprint: id.Fingerprint,
			Name:        id.Name,
			Confidence:  id.Confidence,
			Source:      id.Source,
			UpdatedAt:   FormatTime(id.UpdatedAt),
		})
	}
	return out
}

// MergeQueueStats produces a string-keyed representation of queue stats.
// Every status is present so consumers can render zero counts.
func MergeQueueStats(stats map[queue.Status]int) map[string]int {
	out := make(map[string]int, len(queue.AllStatuses()))
	for _, status := range queue.AllStatuses() {
		out[string(status)] = 0
	}
	for status, count := range stats {
		out[string(status)] = count
	}
	return out
}

// StageHealthSlice converts stage health records, keeping pipeline order.
func StageHealthSlice(health []stage.Health) []StageHealth {
	if len(health) == 0 {
		return nil
	}
	out := make([]StageHealth, 0, len(health))
	for _, h := range health {
		out = append(out, StageHealth{Name: h.Name, Ready: h.Ready, Detail: h.Detail})
	}
	return out
}

// FormatTime converts a time to RFC3339 or returns empty string.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return FormatTime(*t)
}
