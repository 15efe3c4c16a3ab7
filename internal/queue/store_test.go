package queue_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"reel/internal/queue"
	"reel/internal/services"
	"reel/internal/testsupport"
)

func TestSubmitAssignsIdentity(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	job := testsupport.SubmitJob(t, cfg, store, "episode.wav", 10, 3)
	if job.ID == "" {
		t.Fatal("expected job ID to be assigned")
	}
	if job.Status != queue.StatusQueued {
		t.Fatalf("status = %s, want queued", job.Status)
	}
	if job.Segments != 10 || job.Priority != 3 {
		t.Fatalf("unexpected job: %+v", job)
	}

	fetched, err := store.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched == nil || fetched.Seq != job.Seq {
		t.Fatalf("unexpected fetched job: %#v", fetched)
	}

	resolved, err := store.Resolve(context.Background(), job.ID[:8])
	if err != nil || resolved.ID != job.ID {
		t.Fatalf("Resolve by prefix = %v, %v", resolved, err)
	}
}

func TestSubmitRejectsMissingInputs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	cases := []struct {
		name string
		req  queue.SubmitRequest
	}{
		{"missing file", queue.SubmitRequest{SourcePath: filepath.Join(t.TempDir(), "absent.wav"), Segments: 1}},
		{"directory", queue.SubmitRequest{SourcePath: t.TempDir(), Segments: 1}},
		{"empty path", queue.SubmitRequest{Segments: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.Submit(ctx, tc.req)
			if !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			var invalid *queue.InvalidJobError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidJobError, got %T", err)
			}
		})
	}

	jobs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no admitted jobs, got %d", len(jobs))
	}
}

func TestNextOrdersByPriorityThenAdmission(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	c := testsupport.SubmitJob(t, cfg, store, "c.wav", 1, 5)
	a := testsupport.SubmitJob(t, cfg, store, "a.wav", 1, 5)
	b := testsupport.SubmitJob(t, cfg, store, "b.wav", 1, 10)

	var order []string
	for range 3 {
		job, err := store.Next(ctx, 3)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if job == nil {
			t.Fatal("expected a job")
		}
		if job.Status != queue.StatusRunning || job.StartedAt == nil || job.Attempts != 1 {
			t.Fatalf("unexpected claimed job: %+v", job)
		}
		order = append(order, job.ID)
	}
	want := []string{b.ID, c.ID, a.ID}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dequeue order mismatch at %d: got %v want %v", i, order, want)
		}
	}

	job, err := store.Next(ctx, 3)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if job != nil {
		t.Fatalf("expected empty queue, got %s", job.ID)
	}
}

func TestNextRespectsWorkerSlots(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.SubmitJob(t, cfg, store, "one.wav", 1, 0)
	testsupport.SubmitJob(t, cfg, store, "two.wav", 1, 0)

	first, err := store.Next(ctx, 1)
	if err != nil || first == nil {
		t.Fatalf("expected first job, got %v, %v", first, err)
	}
	second, err := store.Next(ctx, 1)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if second != nil {
		t.Fatal("expected no job while the only slot is busy")
	}
	if err := store.Finish(ctx, first.ID, queue.StatusCompleted, "done"); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	second, err = store.Next(ctx, 1)
	if err != nil || second == nil {
		t.Fatalf("expected second job after slot freed, got %v, %v", second, err)
	}
}

func TestNextIsAtomicAcrossCallers(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	const jobs = 8
	for i := range jobs {
		testsupport.SubmitJob(t, cfg, store, "job-"+string(rune('a'+i))+".wav", 1, 0)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := store.Next(ctx, jobs)
			if err != nil {
				t.Errorf("Next failed: %v", err)
				return
			}
			if job == nil {
				return
			}
			mu.Lock()
			claimed[job.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Fatalf("expected %d distinct claims, got %d", jobs, len(claimed))
	}
	for id, count := range claimed {
		if count != 1 {
			t.Fatalf("job %s claimed %d times", id, count)
		}
	}
}

func TestCancelSemantics(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	queued := testsupport.SubmitJob(t, cfg, store, "queued.wav", 1, 0)
	running := testsupport.SubmitJob(t, cfg, store, "running.wav", 1, 10)

	claimed, err := store.Next(ctx, 2)
	if err != nil || claimed == nil || claimed.ID != running.ID {
		t.Fatalf("expected running job claimed, got %v, %v", claimed, err)
	}

	ok, err := store.Cancel(ctx, queued.ID)
	if err != nil || !ok {
		t.Fatalf("Cancel queued = %v, %v", ok, err)
	}
	if status, _ := store.Status(ctx, queued.ID); status != queue.StatusCancelled {
		t.Fatalf("queued job status = %s, want cancelled", status)
	}

	ok, err = store.Cancel(ctx, running.ID)
	if err != nil || !ok {
		t.Fatalf("Cancel running = %v, %v", ok, err)
	}
	if status, _ := store.Status(ctx, running.ID); status != queue.StatusRunning {
		t.Fatalf("running job status = %s, want running until safe point", status)
	}
	cancel, _, err := store.Flags(ctx, running.ID)
	if err != nil || !cancel {
		t.Fatalf("expected cancel flag set, got %v, %v", cancel, err)
	}

	ok, err = store.Cancel(ctx, queued.ID)
	if err != nil || ok {
		t.Fatalf("Cancel terminal = %v, %v; want false", ok, err)
	}
	ok, err = store.Cancel(ctx, "no-such-job")
	if err != nil || ok {
		t.Fatalf("Cancel unknown = %v, %v; want false", ok, err)
	}
}

func TestCancelMessageReflectsWhetherJobStarted(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	fresh := testsupport.SubmitJob(t, cfg, store, "fresh.wav", 1, 0)
	parked := testsupport.SubmitJob(t, cfg, store, "parked.wav", 1, 10)

	claimed, err := store.Next(ctx, 1)
	if err != nil || claimed == nil || claimed.ID != parked.ID {
		t.Fatalf("expected parked job claimed, got %v, %v", claimed, err)
	}
	if err := store.Park(ctx, parked.ID); err != nil {
		t.Fatalf("Park failed: %v", err)
	}

	for _, tc := range []struct {
		id   string
		want string
	}{
		{fresh.ID, "Cancelled before start"},
		{parked.ID, "Cancelled while parked"},
	} {
		if ok, err := store.Cancel(ctx, tc.id); err != nil || !ok {
			t.Fatalf("Cancel %s = %v, %v", tc.id, ok, err)
		}
		job, err := store.GetByID(ctx, tc.id)
		if err != nil || job == nil {
			t.Fatalf("GetByID %s = %v, %v", tc.id, job, err)
		}
		if job.ProgressMessage != tc.want {
			t.Fatalf("job %s message = %q, want %q", tc.id, job.ProgressMessage, tc.want)
		}
	}
}

func TestReclaimStaleSkipsLiveJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.SubmitJob(t, cfg, store, "live.wav", 1, 0)
	testsupport.SubmitJob(t, cfg, store, "orphan.wav", 1, 0)
	live, _ := store.Next(ctx, 2)
	orphan, _ := store.Next(ctx, 2)
	if live == nil || orphan == nil {
		t.Fatal("expected two running jobs")
	}

	time.Sleep(5 * time.Millisecond)
	reclaimed, err := store.ReclaimStale(ctx, time.Now(), live.ID)
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}
	if status, _ := store.Status(ctx, live.ID); status != queue.StatusRunning {
		t.Fatalf("live job status = %s, want running", status)
	}
	if status, _ := store.Status(ctx, orphan.ID); status != queue.StatusQueued {
		t.Fatalf("orphan job status = %s, want queued", status)
	}
}

func TestPauseAndResume(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.SubmitJob(t, cfg, store, "pause.wav", 1, 0)
	if ok, err := store.Pause(ctx, job.ID); err != nil || !ok {
		t.Fatalf("Pause queued = %v, %v", ok, err)
	}
	if next, _ := store.Next(ctx, 1); next != nil {
		t.Fatal("paused job must not be dequeued")
	}
	if ok, err := store.Resume(ctx, job.ID); err != nil || !ok {
		t.Fatalf("Resume = %v, %v", ok, err)
	}
	next, err := store.Next(ctx, 1)
	if err != nil || next == nil {
		t.Fatalf("expected resumed job dequeued, got %v, %v", next, err)
	}

	if ok, err := store.Pause(ctx, job.ID); err != nil || !ok {
		t.Fatalf("Pause running = %v, %v", ok, err)
	}
	_, pause, err := store.Flags(ctx, job.ID)
	if err != nil || !pause {
		t.Fatalf("expected pause flag, got %v, %v", pause, err)
	}
	if err := store.Park(ctx, job.ID); err != nil {
		t.Fatalf("Park failed: %v", err)
	}
	if status, _ := store.Status(ctx, job.ID); status != queue.StatusPaused {
		t.Fatalf("status = %s, want paused", status)
	}
}

func TestUpdatePreservesExternalFlags(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.SubmitJob(t, cfg, store, "flags.wav", 4, 0)
	job, err := store.Next(ctx, 1)
	if err != nil || job == nil {
		t.Fatalf("Next = %v, %v", job, err)
	}
	if ok, err := store.Cancel(ctx, job.ID); err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}

	job.StageIndex = 1
	job.CheckpointCursor = 2
	job.Outputs = map[string]string{"draft": "artifacts/draft.json"}
	job.SkipPlan = &queue.SkipPlan{Skip: []string{"refined"}, Confidence: 0.9, Source: "router"}
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if !fetched.CancelRequested {
		t.Fatal("Update must not clear the cancel request")
	}
	if fetched.StageIndex != 1 || fetched.CheckpointCursor != 2 {
		t.Fatalf("unexpected position: %+v", fetched)
	}
	if fetched.Outputs["draft"] != "artifacts/draft.json" {
		t.Fatalf("unexpected outputs: %v", fetched.Outputs)
	}
	if fetched.SkipPlan == nil || len(fetched.SkipPlan.Skip) != 1 || fetched.SkipPlan.Skip[0] != "refined" {
		t.Fatalf("unexpected skip plan: %+v", fetched.SkipPlan)
	}
}

func TestResetRunningAndReclaimStale(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.SubmitJob(t, cfg, store, "stale.wav", 1, 0)
	testsupport.SubmitJob(t, cfg, store, "fresh.wav", 1, 0)
	stale, _ := store.Next(ctx, 2)
	fresh, _ := store.Next(ctx, 2)
	if stale == nil || fresh == nil {
		t.Fatal("expected two running jobs")
	}

	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	if err := store.UpdateHeartbeat(ctx, fresh.ID); err != nil {
		t.Fatalf("UpdateHeartbeat failed: %v", err)
	}
	reclaimed, err := store.ReclaimStale(ctx, cutoff)
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}
	if status, _ := store.Status(ctx, stale.ID); status != queue.StatusQueued {
		t.Fatalf("stale job status = %s, want queued", status)
	}

	reset, err := store.ResetRunning(ctx)
	if err != nil {
		t.Fatalf("ResetRunning failed: %v", err)
	}
	if reset != 1 {
		t.Fatalf("reset = %d, want 1", reset)
	}
	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Queued != 2 || health.Running != 0 {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestFinishAndClearTerminal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.SubmitJob(t, cfg, store, "fail.wav", 1, 0)
	job, _ := store.Next(ctx, 1)
	if err := store.Finish(ctx, job.ID, queue.StatusFailed, "transcribe: unit 3: backend unavailable"); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	fetched, _ := store.GetByID(ctx, job.ID)
	if fetched.Status != queue.StatusFailed || fetched.ErrorMessage == "" || fetched.FinishedAt == nil {
		t.Fatalf("unexpected failed job: %+v", fetched)
	}
	if err := store.Finish(ctx, job.ID, queue.StatusQueued, ""); err == nil {
		t.Fatal("expected error finishing with non-terminal status")
	}

	if _, err := store.ClearTerminal(ctx, queue.StatusRunning); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for non-terminal clear, got %v", err)
	}
	removed, err := store.ClearTerminal(ctx)
	if err != nil || removed != 1 {
		t.Fatalf("ClearTerminal = %d, %v", removed, err)
	}
}

func TestCheckHealth(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	health, err := store.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
	if !health.DatabaseExists || !health.DatabaseReadable || !health.IntegrityCheck || health.SchemaVersion != 1 {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestCheckpointedMirrorsCursor(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.SubmitJob(t, cfg, store, "cursor.wav", 10, 0)
	if err := store.Checkpointed(ctx, job.ID, 1, 6); err != nil {
		t.Fatalf("Checkpointed failed: %v", err)
	}
	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.StageIndex != 1 || fetched.CheckpointCursor != 6 {
		t.Fatalf("position = (%d, %d), want (1, 6)", fetched.StageIndex, fetched.CheckpointCursor)
	}
	if fetched.Status != queue.StatusQueued {
		t.Fatalf("Checkpointed must not change status, got %s", fetched.Status)
	}
}
