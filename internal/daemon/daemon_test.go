package daemon_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reel/internal/admission"
	"reel/internal/api"
	"reel/internal/config"
	"reel/internal/daemon"
	"reel/internal/media/ffprobe"
	"reel/internal/queue"
	"reel/internal/services"
	"reel/internal/testsupport"
)

func audioProbe(context.Context, string) (ffprobe.Result, error) {
	return ffprobe.Result{
		Streams: []ffprobe.Stream{{CodecType: "audio", CodecName: "aac"}},
		Format:  ffprobe.Format{Duration: "90"},
	}, nil
}

type fixture struct {
	cfg    *config.Config
	runner *testsupport.FakeRunner
	daemon *daemon.Daemon
}

func newFixture(t *testing.T, tweak func(*config.Config)) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithSinglePass())
	if tweak != nil {
		tweak(cfg)
	}
	runner := testsupport.NewFakeRunner()
	d, err := daemon.New(cfg, nil, daemon.Deps{
		Runner: runner,
		Loader: testsupport.NewFakeLoader().Load,
		Probe:  admission.Prober(audioProbe),
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return &fixture{cfg: cfg, runner: runner, daemon: d}
}

func (f *fixture) media(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(testsupport.BaseDir(f.cfg), "media", name)
	testsupport.WriteFile(t, path, 1024)
	return path
}

func waitForJob(t *testing.T, d *daemon.Daemon, id string, want queue.Status) *queue.Job {
	t.Helper()
	deadline := time.After(30 * time.Second)
	for {
		job, err := d.Job(context.Background(), id)
		if err != nil {
			t.Fatalf("Job(%s): %v", id, err)
		}
		if job.Status == want {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s: timed out waiting for %s, last status %s", id, want, job.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDaemonStartStop(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.daemon.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	status, err := f.daemon.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running || !status.Engine.Running {
		t.Fatal("expected daemon to report running")
	}
	if status.LockFilePath != f.cfg.LockPath() {
		t.Fatalf("LockFilePath = %q, want %q", status.LockFilePath, f.cfg.LockPath())
	}
	if len(status.Pipeline) == 0 || len(status.Engine.StageHealth) != len(status.Pipeline) {
		t.Fatalf("unexpected pipeline view: %v / %+v", status.Pipeline, status.Engine.StageHealth)
	}

	if err := f.daemon.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	f.daemon.Stop()
	status, err = f.daemon.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestSecondInstanceCannotTakeLock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.daemon.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	other, err := daemon.New(f.cfg, nil, daemon.Deps{
		Runner: testsupport.NewFakeRunner(),
		Loader: testsupport.NewFakeLoader().Load,
		Probe:  admission.Prober(audioProbe),
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	defer other.Close()
	if err := other.Start(ctx); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected lock conflict, got %v", err)
	}
}

func TestSubmitRunsToCompletionAndRemove(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.daemon.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	job, err := f.daemon.Submit(ctx, f.media(t, "talk.wav"), nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitForJob(t, f.daemon, job.ID, queue.StatusCompleted)
	if len(done.Outputs) != len(f.daemon.Pipeline()) {
		t.Fatalf("outputs = %v, want one per stage", done.Outputs)
	}

	resolved, err := f.daemon.Job(ctx, job.ID[:8])
	if err != nil || resolved.ID != job.ID {
		t.Fatalf("prefix lookup = %v, %v", resolved, err)
	}

	removed, err := f.daemon.Remove(ctx, job.ID)
	if err != nil || !removed {
		t.Fatalf("Remove = %v, %v", removed, err)
	}
	if _, err := os.Stat(filepath.Join(f.cfg.JobsDir(), job.ID)); !os.IsNotExist(err) {
		t.Fatalf("job data still present: %v", err)
	}
	if _, err := f.daemon.Job(ctx, job.ID); services.Classify(err) != services.KindNotFound {
		t.Fatalf("expected not found after remove, got %v", err)
	}
}

func TestControlBeforeStart(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	job, err := f.daemon.Submit(ctx, f.media(t, "a.wav"), nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	paused, changed, err := f.daemon.Pause(ctx, job.ID)
	if err != nil || !changed || paused.Status != queue.StatusPaused {
		t.Fatalf("Pause = %+v, %v, %v", paused, changed, err)
	}
	if removed, err := f.daemon.Remove(ctx, job.ID); err != nil || removed {
		t.Fatalf("Remove of a paused job = %v, %v; want false", removed, err)
	}
	cancelled, changed, err := f.daemon.Cancel(ctx, job.ID)
	if err != nil || !changed || cancelled.Status != queue.StatusCancelled {
		t.Fatalf("Cancel = %+v, %v, %v", cancelled, changed, err)
	}

	cleared, err := f.daemon.Clear(ctx, []queue.Status{queue.StatusCancelled})
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("Clear removed %d jobs, want 1", cleared)
	}
	jobs, err := f.daemon.ListJobs(ctx, nil)
	if err != nil || len(jobs) != 0 {
		t.Fatalf("ListJobs after clear = %d, %v", len(jobs), err)
	}
}

func TestInboxSubmitsSettledFiles(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Watch.Enabled = true
		cfg.Watch.SettleMS = 20
	})
	ctx := context.Background()
	testsupport.WriteFile(t, filepath.Join(f.cfg.Paths.InboxDir, "early.wav"), 512)
	if err := f.daemon.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	testsupport.WriteFile(t, filepath.Join(f.cfg.Paths.InboxDir, "late.mp3"), 512)
	testsupport.WriteFile(t, filepath.Join(f.cfg.Paths.InboxDir, "notes.txt"), 512)

	deadline := time.After(10 * time.Second)
	for {
		jobs, err := f.daemon.ListJobs(ctx, nil)
		if err != nil {
			t.Fatalf("ListJobs: %v", err)
		}
		if len(jobs) == 2 {
			for _, job := range jobs {
				if strings.HasSuffix(job.SourcePath, ".txt") {
					t.Fatalf("non-media file submitted: %s", job.SourcePath)
				}
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("inbox submitted %d jobs, want 2", len(jobs))
		case <-time.After(20 * time.Millisecond):
		}
	}

	status, err := f.daemon.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Watching != f.cfg.Paths.InboxDir {
		t.Fatalf("Watching = %q", status.Watching)
	}
}

func TestHTTPServesMetricsAndJobs(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Metrics.Bind = "127.0.0.1:0"
	})
	ctx := context.Background()
	if err := f.daemon.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	job, err := f.daemon.Submit(ctx, f.media(t, "clip.wav"), nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForJob(t, f.daemon, job.ID, queue.StatusCompleted)

	status, err := f.daemon.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.MetricsAddr == "" {
		t.Fatal("expected metrics address in status")
	}
	base := "http://" + status.MetricsAddr

	body := get(t, base+"/metrics", http.StatusOK)
	if !strings.Contains(body, "reel_jobs_finished_total") {
		t.Fatalf("metrics output missing job counter:\n%s", body)
	}

	var list api.JobListResponse
	if err := json.Unmarshal([]byte(get(t, base+"/api/jobs?status=completed", http.StatusOK)), &list); err != nil {
		t.Fatalf("decode jobs: %v", err)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].ID != job.ID {
		t.Fatalf("unexpected job list: %+v", list.Jobs)
	}

	get(t, base+"/api/jobs?status=bogus", http.StatusBadRequest)
	get(t, base+"/api/jobs/ffffffff", http.StatusNotFound)
}

func get(t *testing.T, url string, wantCode int) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	if resp.StatusCode != wantCode {
		t.Fatalf("GET %s = %d, want %d: %s", url, resp.StatusCode, wantCode, data)
	}
	return string(data)
}
