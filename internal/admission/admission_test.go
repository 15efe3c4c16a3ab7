package admission_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"reel/internal/admission"
	"reel/internal/checkpoint"
	"reel/internal/config"
	"reel/internal/media/ffprobe"
	"reel/internal/queue"
	"reel/internal/services"
	"reel/internal/stages"
	"reel/internal/testsupport"
)

type fixture struct {
	cfg         *config.Config
	store       *queue.Store
	checkpoints *checkpoint.Store
	admitter    *admission.Admitter
}

func audioProbe(duration string) admission.Prober {
	return func(context.Context, string) (ffprobe.Result, error) {
		return ffprobe.Result{
			Streams: []ffprobe.Stream{{CodecType: "audio", CodecName: "aac"}},
			Format:  ffprobe.Format{Duration: duration},
		}, nil
	}
}

func newFixture(t *testing.T, probe admission.Prober) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Queue.DefaultPriority = 5
	store := testsupport.MustOpenStore(t, cfg)
	set, err := stages.Build(cfg, nil)
	if err != nil {
		t.Fatalf("stages.Build: %v", err)
	}
	checkpoints := checkpoint.New(cfg.JobsDir(), nil)
	admitter, err := admission.New(admission.Options{
		Config:      cfg,
		Store:       store,
		Checkpoints: checkpoints,
		Pipeline:    set.Pipeline,
		Probe:       probe,
	})
	if err != nil {
		t.Fatalf("admission.New: %v", err)
	}
	return &fixture{cfg: cfg, store: store, checkpoints: checkpoints, admitter: admitter}
}

func (f *fixture) media(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(testsupport.BaseDir(f.cfg), "media", name)
	testsupport.WriteFile(t, path, 2048)
	return path
}

func TestSubmitDerivesSegments(t *testing.T) {
	f := newFixture(t, audioProbe("95.2"))
	job, err := f.admitter.Submit(context.Background(), admission.Request{SourcePath: f.media(t, "talk.m4a")})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if job.Segments != 4 {
		t.Fatalf("segments = %d, want 4 for 95.2s at 30s", job.Segments)
	}
	if job.Priority != 5 {
		t.Fatalf("priority = %d, want default 5", job.Priority)
	}

	high := 9
	job, err = f.admitter.Submit(context.Background(), admission.Request{SourcePath: f.media(t, "urgent.m4a"), Priority: &high})
	if err != nil || job.Priority != 9 {
		t.Fatalf("Submit with priority = %+v, %v", job, err)
	}
}

func TestSubmitRejections(t *testing.T) {
	noAudio := func(context.Context, string) (ffprobe.Result, error) {
		return ffprobe.Result{Streams: []ffprobe.Stream{{CodecType: "video"}}, Format: ffprobe.Format{Duration: "10"}}, nil
	}
	failing := func(context.Context, string) (ffprobe.Result, error) {
		return ffprobe.Result{}, errors.New("moov atom not found")
	}
	cases := []struct {
		name   string
		probe  admission.Prober
		marker error
	}{
		{"no audio", noAudio, services.ErrValidation},
		{"zero duration", audioProbe("0"), services.ErrValidation},
		{"probe failure", failing, services.ErrExternalTool},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.probe)
			_, err := f.admitter.Submit(context.Background(), admission.Request{SourcePath: f.media(t, "clip.wav")})
			if !errors.Is(err, tc.marker) {
				t.Fatalf("Submit err = %v, want %v", err, tc.marker)
			}
			jobs, _ := f.store.List(context.Background())
			if len(jobs) != 0 {
				t.Fatalf("rejected source must not be queued, got %d jobs", len(jobs))
			}
		})
	}

	f := newFixture(t, audioProbe("10"))
	_, err := f.admitter.Submit(context.Background(), admission.Request{SourcePath: filepath.Join(t.TempDir(), "missing.wav")})
	if !admission.IsRejected(err) {
		t.Fatalf("missing file should be rejected, got %v", err)
	}
}

// finishParent runs a job to a terminal status with outputs for the given
// stages written as artifacts.
func (f *fixture) finishParent(t *testing.T, status queue.Status, completed ...string) *queue.Job {
	t.Helper()
	ctx := context.Background()
	parent, err := f.admitter.Submit(ctx, admission.Request{SourcePath: f.media(t, "parent.wav")})
	if err != nil {
		t.Fatalf("Submit parent: %v", err)
	}
	claimed, err := f.store.Next(ctx, 1)
	if err != nil || claimed == nil || claimed.ID != parent.ID {
		t.Fatalf("Next = %+v, %v", claimed, err)
	}
	claimed.Outputs = map[string]string{}
	for _, name := range completed {
		ref, err := f.checkpoints.WriteArtifact(ctx, parent.ID, name, json.RawMessage(`{"stage":"`+name+`"}`))
		if err != nil {
			t.Fatalf("WriteArtifact: %v", err)
		}
		claimed.Outputs[name] = ref
	}
	claimed.StageIndex = len(completed)
	if err := f.store.Update(ctx, claimed); err != nil {
		t.Fatalf("Update parent: %v", err)
	}
	if err := f.store.Finish(ctx, parent.ID, status, "done"); err != nil {
		t.Fatalf("Finish parent: %v", err)
	}
	out, _ := f.store.GetByID(ctx, parent.ID)
	return out
}

func TestReprocessFromStage(t *testing.T) {
	f := newFixture(t, audioProbe("60"))
	ctx := context.Background()
	parent := f.finishParent(t, queue.StatusCompleted, "draft", "refined", stages.NameDiarization)

	child, err := f.admitter.Reprocess(ctx, parent.ID[:8], stages.NameDiarization, nil)
	if err != nil {
		t.Fatalf("Reprocess failed: %v", err)
	}
	if child.ParentID != parent.ID || child.StartStage != 2 || child.StageIndex != 2 {
		t.Fatalf("unexpected child: %+v", child)
	}
	if len(child.Outputs) != 2 || child.Outputs["draft"] == "" || child.Outputs[stages.NameDiarization] != "" {
		t.Fatalf("child outputs = %v", child.Outputs)
	}
	if _, err := f.checkpoints.ReadArtifact(ctx, child.ID, child.Outputs["refined"]); err != nil {
		t.Fatalf("copied artifact unreadable: %v", err)
	}
	after, _ := f.store.GetByID(ctx, parent.ID)
	if after.Status != queue.StatusCompleted {
		t.Fatalf("parent status changed to %s", after.Status)
	}

	if _, err := f.admitter.Reprocess(ctx, parent.ID, "nope", nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("unknown stage = %v", err)
	}
	if _, err := f.admitter.Reprocess(ctx, parent.ID, stages.NameRefinement, nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("missing earlier outputs = %v", err)
	}
}

func TestReprocessRejectsActiveJobs(t *testing.T) {
	f := newFixture(t, audioProbe("60"))
	ctx := context.Background()
	job, err := f.admitter.Submit(ctx, admission.Request{SourcePath: f.media(t, "queued.wav")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.admitter.Reprocess(ctx, job.ID, "draft", nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("Reprocess of queued job = %v", err)
	}
	if _, err := f.admitter.Resubmit(ctx, job.ID, nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("Resubmit of queued job = %v", err)
	}
}

func TestResubmitAdoptsCheckpoint(t *testing.T) {
	f := newFixture(t, audioProbe("120"))
	ctx := context.Background()
	parent := f.finishParent(t, queue.StatusFailed, "draft")

	unit, err := f.checkpoints.AppendUnit(ctx, parent.ID, "refined", 0, 0, 0, json.RawMessage(`{"unit":0}`))
	if err != nil {
		t.Fatalf("AppendUnit: %v", err)
	}
	if _, err := f.checkpoints.Commit(ctx, checkpoint.Record{
		JobID: parent.ID, StageIndex: 1, StageName: "refined", Cursor: 1,
		UnitLog: unit.Name, UnitLogBytes: unit.Bytes,
		Outputs: parent.Outputs,
	}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	child, err := f.admitter.Resubmit(ctx, parent.ID, nil)
	if err != nil {
		t.Fatalf("Resubmit failed: %v", err)
	}
	if child.StartStage != 1 || child.ParentID != parent.ID {
		t.Fatalf("unexpected child: %+v", child)
	}
	rec, err := f.checkpoints.Latest(ctx, child.ID)
	if err != nil || rec == nil {
		t.Fatalf("child checkpoint = %+v, %v", rec, err)
	}
	if rec.StageIndex != 1 || rec.Cursor != 1 {
		t.Fatalf("adopted position = (%d, %d), want (1, 1)", rec.StageIndex, rec.Cursor)
	}
	units, err := f.checkpoints.ReadUnits(ctx, rec)
	if err != nil || len(units) != 1 {
		t.Fatalf("adopted units = %v, %v", units, err)
	}
}
