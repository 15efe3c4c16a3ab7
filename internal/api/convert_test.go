package api

import (
	"testing"
	"time"

	"reel/internal/engine"
	"reel/internal/modelcache"
	"reel/internal/queue"
	"reel/internal/stage"
)

func TestFromJobCopiesProgressAndPlan(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	finished := created.Add(time.Minute)
	job := &queue.Job{
		ID:               "0b6f1c2e-aaaa",
		SourcePath:       "/media/a.wav",
		Status:           queue.StatusRunning,
		Priority:         3,
		StageIndex:       1,
		CheckpointCursor: 4,
		Segments:         10,
		SkipPlan:         &queue.SkipPlan{Skip: []string{"entities"}, Confidence: 0.9, Source: "router"},
		Outputs:          map[string]string{"draft": "draft.json"},
		ProgressStage:    "refined",
		ProgressPercent:  42,
		ProgressMessage:  "unit 4/10",
		CreatedAt:        created,
		FinishedAt:       &finished,
	}

	dto := FromJob(job)
	if dto.Status != "running" || dto.Cursor != 4 || dto.Segments != 10 {
		t.Fatalf("unexpected dto basics: %+v", dto)
	}
	if dto.Progress.Stage != "refined" || dto.Progress.Percent != 42 {
		t.Fatalf("unexpected progress: %+v", dto.Progress)
	}
	if dto.CreatedAt != "2026-03-01T11:00:00.000Z" {
		t.Fatalf("CreatedAt = %q", dto.CreatedAt)
	}
	if dto.FinishedAt == "" || dto.StartedAt != "" {
		t.Fatalf("unexpected optional timestamps: started=%q finished=%q", dto.StartedAt, dto.FinishedAt)
	}
	if dto.SkipPlan == nil || dto.SkipPlan.Skip[0] != "entities" {
		t.Fatalf("skip plan not copied: %+v", dto.SkipPlan)
	}

	job.Outputs["draft"] = "changed"
	job.SkipPlan.Skip[0] = "changed"
	if dto.Outputs["draft"] != "draft.json" || dto.SkipPlan.Skip[0] != "entities" {
		t.Fatal("dto shares maps or slices with the job")
	}
}

func TestFromJobDefaultsProgressStageToStatus(t *testing.T) {
	dto := FromJob(&queue.Job{ID: "x", Status: queue.StatusQueued})
	if dto.Progress.Stage != "queued" {
		t.Fatalf("Progress.Stage = %q, want queued", dto.Progress.Stage)
	}
	if got := FromJob(nil); got.ID != "" {
		t.Fatalf("FromJob(nil) = %+v", got)
	}
}

func TestFromEngineStatusIncludesEveryQueueStatus(t *testing.T) {
	summary := engine.StatusSummary{
		Running:    true,
		Workers:    2,
		QueueStats: map[queue.Status]int{queue.StatusQueued: 3},
		Active: []engine.ActiveJob{
			{Worker: "worker-2", JobID: "b"},
			{Worker: "worker-1", JobID: "a"},
		},
		StageHealth: []stage.Health{{Name: "draft", Ready: true}, {Name: "crossref", Ready: false, Detail: "no store"}},
	}
	es := FromEngineStatus(summary)
	if len(es.QueueStats) != len(queue.AllStatuses()) {
		t.Fatalf("QueueStats has %d keys, want %d", len(es.QueueStats), len(queue.AllStatuses()))
	}
	if es.QueueStats["queued"] != 3 || es.QueueStats["failed"] != 0 {
		t.Fatalf("unexpected stats: %v", es.QueueStats)
	}
	if es.Active[0].Worker != "worker-1" {
		t.Fatalf("active jobs not sorted by worker: %+v", es.Active)
	}
	if es.StageHealth[1].Name != "crossref" || es.StageHealth[1].Detail != "no store" {
		t.Fatalf("stage health order not kept: %+v", es.StageHealth)
	}
}

func TestFromCacheSumsEntrySizes(t *testing.T) {
	status := FromCache([]modelcache.EntryStatus{
		{Kind: "asr", Fingerprint: "f1", SizeBytes: 100, Ready: true},
		{Kind: "ner", Fingerprint: "f2", SizeBytes: 50},
	}, modelcache.Counters{Hits: 4, Misses: 2}, 1000)
	if status.UsedBytes != 150 || status.BudgetBytes != 1000 {
		t.Fatalf("unexpected totals: %+v", status)
	}
	if status.Hits != 4 || len(status.Entries) != 2 {
		t.Fatalf("unexpected counters or entries: %+v", status)
	}
}
