package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"reel/internal/api"
	"reel/internal/queue"
)

// buildQueueStatusRows lists counts in lifecycle order.
func buildQueueStatusRows(stats map[string]int) [][]string {
	if len(stats) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(stats))
	for _, status := range queue.AllStatuses() {
		count, ok := stats[string(status)]
		if !ok {
			continue
		}
		rows = append(rows, []string{formatStatusLabel(string(status)), fmt.Sprintf("%d", count)})
	}
	return rows
}

func buildQueueListRows(jobs []api.Job, now time.Time) [][]string {
	sorted := api.SortJobsNewestFirst(jobs)
	rows := make([][]string, 0, len(sorted))
	for _, job := range sorted {
		rows = append(rows, []string{
			api.ShortID(job.ID),
			sourceLabel(job.SourcePath),
			formatJobStatus(job),
			formatProgress(job.Progress),
			fmt.Sprintf("%d", job.Priority),
			formatAge(job.CreatedAt, now),
		})
	}
	return rows
}

func sourceLabel(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "Unknown"
	}
	return filepath.Base(path)
}

func formatJobStatus(job api.Job) string {
	label := formatStatusLabel(job.Status)
	switch {
	case job.CancelRequested:
		label += " (cancelling)"
	case job.PauseRequested:
		label += " (pausing)"
	}
	return label
}

func formatProgress(p api.JobProgress) string {
	stage := strings.TrimSpace(p.Stage)
	if p.Percent <= 0 {
		return stage
	}
	return fmt.Sprintf("%s %.0f%%", stage, p.Percent)
}

func formatStatusLabel(status string) string {
	status = strings.TrimSpace(status)
	if status == "" {
		return ""
	}
	parts := strings.Split(status, "_")
	for i, part := range parts {
		lower := strings.ToLower(part)
		if lower == "" {
			continue
		}
		parts[i] = strings.ToUpper(lower[:1]) + lower[1:]
	}
	return strings.Join(parts, " ")
}

func formatAge(value string, now time.Time) string {
	t := api.ParseQueueTime(strings.TrimSpace(value))
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func valueOrDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func formatDisplayTime(value string) string {
	t := api.ParseQueueTime(strings.TrimSpace(value))
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(n))
}

func formatSeconds(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	return (time.Duration(seconds * float64(time.Second))).Round(time.Second).String()
}
