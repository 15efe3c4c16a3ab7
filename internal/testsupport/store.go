package testsupport

import (
	"context"
	"path/filepath"
	"testing"

	"reel/internal/config"
	"reel/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// SubmitJob writes a placeholder media file and admits a job for it.
func SubmitJob(t testing.TB, cfg *config.Config, store *queue.Store, name string, segments, priority int) *queue.Job {
	t.Helper()

	source := filepath.Join(BaseDir(cfg), "media", name)
	WriteFile(t, source, 1024)
	job, err := store.Submit(context.Background(), queue.SubmitRequest{
		SourcePath:      source,
		Priority:        priority,
		Segments:        segments,
		DurationSeconds: float64(segments * cfg.Pipeline.SegmentSeconds),
	})
	if err != nil {
		t.Fatalf("store.Submit: %v", err)
	}
	return job
}
