package main

import (
	"strings"
	"testing"
	"time"

	"reel/internal/api"
)

func TestBuildQueueStatusRowsFollowsLifecycle(t *testing.T) {
	rows := buildQueueStatusRows(map[string]int{"failed": 1, "queued": 4, "running": 2})
	if len(rows) != 3 {
		t.Fatalf("rows = %v", rows)
	}
	if rows[0][0] != "Queued" || rows[1][0] != "Running" || rows[2][0] != "Failed" {
		t.Fatalf("unexpected order: %v", rows)
	}
	if buildQueueStatusRows(nil) != nil {
		t.Fatal("nil stats should give no rows")
	}
}

func TestBuildQueueListRows(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	jobs := []api.Job{
		{ID: "aaaaaaaaaaaa", SourcePath: "/m/old.wav", Status: "completed", CreatedAt: "2026-03-01T10:00:00.000Z"},
		{ID: "bbbbbbbbbbbb", SourcePath: "/m/new.wav", Status: "running", CancelRequested: true,
			Progress: api.JobProgress{Stage: "draft", Percent: 40}, CreatedAt: "2026-03-01T11:59:00.000Z"},
	}
	rows := buildQueueListRows(jobs, now)
	if rows[0][0] != "bbbbbbbb" || rows[0][1] != "new.wav" {
		t.Fatalf("newest job should be first: %v", rows)
	}
	if rows[0][2] != "Running (cancelling)" || rows[0][3] != "draft 40%" {
		t.Fatalf("unexpected status columns: %v", rows[0])
	}
	if !strings.Contains(rows[1][5], "hours ago") {
		t.Fatalf("age = %q", rows[1][5])
	}
}

func TestRenderStatusLine(t *testing.T) {
	line := renderStatusLine("Queue DB", statusKindFromSeverity("warn"), "missing", false)
	if !strings.Contains(line, "[WARN] missing") || !strings.HasPrefix(line, "  Queue DB:") {
		t.Fatalf("line = %q", line)
	}
	colored := renderStatusLine("X", statusOK, "", true)
	if !strings.HasPrefix(colored, ansiGreen) || !strings.HasSuffix(colored, ansiReset) {
		t.Fatalf("colored = %q", colored)
	}
}
