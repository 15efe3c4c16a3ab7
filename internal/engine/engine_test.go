package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"reel/internal/checkpoint"
	"reel/internal/config"
	"reel/internal/engine"
	"reel/internal/inference"
	"reel/internal/logging"
	"reel/internal/modelcache"
	"reel/internal/queue"
	"reel/internal/services"
	"reel/internal/stages"
	"reel/internal/testsupport"
)

type recordingSink struct {
	mu     sync.Mutex
	events []inference.Event
}

func (s *recordingSink) Emit(_ context.Context, event inference.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) types() []inference.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inference.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *recordingSink) count(t inference.EventType) int {
	n := 0
	for _, got := range s.types() {
		if got == t {
			n++
		}
	}
	return n
}

type stubRouter struct {
	plan queue.SkipPlan
	err  error

	mu    sync.Mutex
	calls int
}

func (r *stubRouter) Predict(context.Context, inference.Features) (queue.SkipPlan, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.plan, r.err
}

type harness struct {
	cfg         *config.Config
	store       *queue.Store
	checkpoints *checkpoint.Store
	cache       *modelcache.Cache
	set         *stages.Set
	runner      *testsupport.FakeRunner
	loader      *testsupport.FakeLoader
	sink        *recordingSink
	router      inference.Router
}

// transcriptOnly trims the pipeline to transcription passes.
func transcriptOnly(cfg *config.Config) {
	cfg.Pipeline.Diarization.Enabled = false
	cfg.Pipeline.Entities.Enabled = false
	cfg.Pipeline.CrossReference.Enabled = false
	cfg.Pipeline.Refinement.Enabled = false
}

func newHarness(t *testing.T, tweak func(*config.Config), opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	if tweak != nil {
		tweak(cfg)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	set, err := stages.Build(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("stages.Build: %v", err)
	}
	loader := testsupport.NewFakeLoader()
	cache := modelcache.New(modelcache.Options{BudgetBytes: 1 << 30, DefaultSizeBytes: 1, Logger: logging.NewNop()})
	for _, d := range set.Pipeline.Stages() {
		if d.NeedsModel() {
			cache.Register(d.ModelKind, loader.Load)
		}
	}
	t.Cleanup(func() { _ = cache.Close() })
	return &harness{
		cfg:         cfg,
		store:       testsupport.MustOpenStore(t, cfg),
		checkpoints: checkpoint.New(cfg.JobsDir(), logging.NewNop()),
		cache:       cache,
		set:         set,
		runner:      testsupport.NewFakeRunner(),
		loader:      loader,
		sink:        &recordingSink{},
	}
}

func (h *harness) newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.New(engine.Options{
		Config:      h.cfg,
		Store:       h.store,
		Checkpoints: h.checkpoints,
		Cache:       h.cache,
		Stages:      h.set,
		Runner:      h.runner,
		Router:      h.router,
		Identities:  testsupport.NewMemoryIdentities(),
		Notifier:    h.sink,
		Logger:      logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func (h *harness) start(t *testing.T) *engine.Engine {
	t.Helper()
	eng := h.newEngine(t)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(eng.Stop)
	return eng
}

func waitForStatus(t *testing.T, store *queue.Store, id string, want queue.Status) *queue.Job {
	t.Helper()
	deadline := time.After(30 * time.Second)
	for {
		job, err := store.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if job != nil && job.Status == want {
			return job
		}
		select {
		case <-deadline:
			status := queue.Status("missing")
			if job != nil {
				status = job.Status
			}
			t.Fatalf("job %s: timed out waiting for %s, last status %s", id, want, status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func span(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func TestEngineRunsJobThroughEveryStage(t *testing.T) {
	h := newHarness(t, nil)
	job := testsupport.SubmitJob(t, h.cfg, h.store, "episode.wav", 3, 0)
	h.start(t)

	done := waitForStatus(t, h.store, job.ID, queue.StatusCompleted)

	names := h.set.Pipeline.Names()
	if len(done.Outputs) != len(names) {
		t.Fatalf("expected outputs for %v, got %v", names, done.Outputs)
	}
	if got := h.runner.UnitsRun("draft"); !reflect.DeepEqual(got, span(0, 3)) {
		t.Fatalf("draft units = %v", got)
	}
	if h.loader.Loads("diarizer") != 1 {
		t.Fatalf("expected diarizer loaded once, got %d", h.loader.Loads("diarizer"))
	}

	ctx := context.Background()
	rec, err := h.checkpoints.Latest(ctx, job.ID)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected checkpoint records purged, got generation %d", rec.Generation)
	}
	raw, err := h.checkpoints.ReadArtifact(ctx, job.ID, done.Outputs[stages.NameRefinement])
	if err != nil {
		t.Fatalf("refinement artifact should survive purge: %v", err)
	}
	var refined inference.Refined
	if err := json.Unmarshal(raw, &refined); err != nil {
		t.Fatalf("decode refined: %v", err)
	}
	if refined.Summary != "refined" {
		t.Fatalf("unexpected refined output %+v", refined)
	}

	types := h.sink.types()
	if types[0] != inference.EventJobStarted || types[len(types)-1] != inference.EventJobFinished {
		t.Fatalf("unexpected event order %v", types)
	}
	if got := h.sink.count(inference.EventStageComplete); got != len(names) {
		t.Fatalf("expected %d stage_completed events, got %d", len(names), got)
	}
}

func TestEngineResumesAfterCrashWithoutRepeatingUnits(t *testing.T) {
	h := newHarness(t, transcriptOnly, testsupport.WithSinglePass())
	ctx := context.Background()
	job := testsupport.SubmitJob(t, h.cfg, h.store, "long.wav", 10, 0)

	// A previous process committed six units, then died holding the job.
	claimed, err := h.store.Next(ctx, 1)
	if err != nil || claimed == nil || claimed.ID != job.ID {
		t.Fatalf("Next = %v, %v", claimed, err)
	}
	desc := h.set.Pipeline.At(0)
	var logBytes int64
	for u := 0; u < 6; u++ {
		payload, _ := json.Marshal(inference.TranscriptSegment{Unit: u, Text: fmt.Sprintf("before crash %d", u)})
		ref, err := h.checkpoints.AppendUnit(ctx, job.ID, desc.Name, 0, logBytes, u, payload)
		if err != nil {
			t.Fatalf("AppendUnit: %v", err)
		}
		logBytes = ref.Bytes
		if _, err := h.checkpoints.Commit(ctx, checkpoint.Record{
			JobID:            job.ID,
			StageIndex:       0,
			StageName:        desc.Name,
			Cursor:           u + 1,
			UnitLog:          ref.Name,
			UnitLogBytes:     ref.Bytes,
			StageFingerprint: desc.Fingerprint(),
		}); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	h.start(t)
	done := waitForStatus(t, h.store, job.ID, queue.StatusCompleted)

	if got := h.runner.UnitsRun(desc.Name); !reflect.DeepEqual(got, span(6, 10)) {
		t.Fatalf("expected only units 6-9 to run after restart, got %v", got)
	}
	raw, err := h.checkpoints.ReadArtifact(ctx, job.ID, done.Outputs[desc.Name])
	if err != nil {
		t.Fatalf("ReadArtifact: %v", err)
	}
	var transcript inference.Transcript
	if err := json.Unmarshal(raw, &transcript); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if len(transcript.Segments) != 10 {
		t.Fatalf("expected 10 segments, got %d", len(transcript.Segments))
	}
	if transcript.Segments[5].Text != "before crash 5" {
		t.Fatalf("committed unit output lost: %+v", transcript.Segments[5])
	}
}

func TestEngineStopRequeuesWithoutLosingUnits(t *testing.T) {
	h := newHarness(t, transcriptOnly, testsupport.WithSinglePass())
	job := testsupport.SubmitJob(t, h.cfg, h.store, "stop.wav", 10, 0)
	first := h.newEngine(t)

	stopped := make(chan struct{})
	var once sync.Once
	h.runner.Hook = func(req inference.UnitRequest) {
		if req.Unit == 3 {
			once.Do(func() {
				go func() {
					first.Stop()
					close(stopped)
				}()
			})
		}
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-stopped

	requeued := waitForStatus(t, h.store, job.ID, queue.StatusQueued)
	if requeued.ProgressMessage != queue.DaemonStopReason {
		t.Fatalf("expected requeue reason %q, got %q", queue.DaemonStopReason, requeued.ProgressMessage)
	}
	rec, err := h.checkpoints.Latest(context.Background(), job.ID)
	if err != nil || rec == nil {
		t.Fatalf("Latest = %v, %v", rec, err)
	}
	if rec.Cursor < 4 {
		t.Fatalf("unit in flight at stop should be committed, cursor %d", rec.Cursor)
	}

	h.start(t)
	waitForStatus(t, h.store, job.ID, queue.StatusCompleted)
	if got := h.runner.CallCount("draft"); got != 10 {
		t.Fatalf("expected each of 10 units to run once, got %d calls", got)
	}
}

func TestEngineNeverReclaimsItsOwnRunningJob(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		transcriptOnly(cfg)
		cfg.Workflow.QueuePollInterval = 1
		cfg.Workflow.HeartbeatInterval = 3600
		cfg.Workflow.HeartbeatTimeout = 1
	}, testsupport.WithSinglePass(), testsupport.WithWorkerSlots(2))
	job := testsupport.SubmitJob(t, h.cfg, h.store, "slow.wav", 8, 0)
	// Units outlast the heartbeat timeout, so the row goes stale while the
	// job is still executing.
	h.runner.Hook = func(inference.UnitRequest) { time.Sleep(400 * time.Millisecond) }
	h.start(t)

	done := waitForStatus(t, h.store, job.ID, queue.StatusCompleted)
	if done.Attempts != 1 {
		t.Fatalf("job claimed %d times while still running", done.Attempts)
	}
	if got := h.runner.CallCount("draft"); got != 8 {
		t.Fatalf("expected each of 8 units to run once, got %d calls", got)
	}
}

func TestEngineCancelTakesEffectAtNextUnit(t *testing.T) {
	h := newHarness(t, transcriptOnly, testsupport.WithSinglePass())
	job := testsupport.SubmitJob(t, h.cfg, h.store, "cancel.wav", 8, 0)
	h.runner.Hook = func(req inference.UnitRequest) {
		if req.Unit == 2 {
			if _, err := h.store.Cancel(context.Background(), req.JobID); err != nil {
				t.Errorf("Cancel: %v", err)
			}
		}
	}
	h.start(t)

	waitForStatus(t, h.store, job.ID, queue.StatusCancelled)
	if got := h.runner.UnitsRun("draft"); !reflect.DeepEqual(got, span(0, 3)) {
		t.Fatalf("expected units 0-2 before cancel, got %v", got)
	}
	rec, err := h.checkpoints.Latest(context.Background(), job.ID)
	if err != nil || rec == nil || rec.Cursor != 3 {
		t.Fatalf("cancelled job should keep its checkpoint at cursor 3, got %+v, %v", rec, err)
	}
}

func TestEnginePauseParksAndResumeContinues(t *testing.T) {
	h := newHarness(t, transcriptOnly, testsupport.WithSinglePass())
	job := testsupport.SubmitJob(t, h.cfg, h.store, "pause.wav", 6, 0)
	var once sync.Once
	h.runner.Hook = func(req inference.UnitRequest) {
		if req.Unit == 1 {
			once.Do(func() {
				if _, err := h.store.Pause(context.Background(), req.JobID); err != nil {
					t.Errorf("Pause: %v", err)
				}
			})
		}
	}
	eng := h.start(t)

	waitForStatus(t, h.store, job.ID, queue.StatusPaused)
	if got := h.runner.UnitsRun("draft"); !reflect.DeepEqual(got, span(0, 2)) {
		t.Fatalf("expected units 0-1 before pause, got %v", got)
	}

	if ok, err := h.store.Resume(context.Background(), job.ID); err != nil || !ok {
		t.Fatalf("Resume = %v, %v", ok, err)
	}
	eng.Wake()
	waitForStatus(t, h.store, job.ID, queue.StatusCompleted)
	if got := h.runner.CallCount("draft"); got != 6 {
		t.Fatalf("expected 6 unit calls across pause, got %d", got)
	}
}

func TestEngineRetriesTransientUnitFailures(t *testing.T) {
	h := newHarness(t, transcriptOnly, testsupport.WithSinglePass())
	job := testsupport.SubmitJob(t, h.cfg, h.store, "flaky.wav", 4, 0)
	transient := services.Wrap(services.ErrTransient, "draft", "run unit", "runner busy", nil)
	h.runner.FailUnit("draft", 2, transient, transient)
	h.start(t)

	waitForStatus(t, h.store, job.ID, queue.StatusCompleted)
	if got := h.runner.CallCount("draft"); got != 6 {
		t.Fatalf("expected 4 units plus 2 retries, got %d calls", got)
	}
}

func TestEngineFailsJobOnPermanentUnitError(t *testing.T) {
	h := newHarness(t, transcriptOnly, testsupport.WithSinglePass())
	job := testsupport.SubmitJob(t, h.cfg, h.store, "broken.wav", 4, 0)
	h.runner.FailUnit("draft", 1, services.Wrap(services.ErrValidation, "draft", "run unit", "audio segment unreadable", nil))
	h.start(t)

	failed := waitForStatus(t, h.store, job.ID, queue.StatusFailed)
	if failed.ErrorMessage == "" {
		t.Fatal("expected failure message on job")
	}
	if got := h.runner.CallCount("draft"); got != 2 {
		t.Fatalf("permanent errors must not be retried, got %d calls", got)
	}
	rec, err := h.checkpoints.Latest(context.Background(), job.ID)
	if err != nil || rec == nil || rec.Cursor != 1 {
		t.Fatalf("failed job should keep checkpoint at cursor 1, got %+v, %v", rec, err)
	}
}

func TestEngineFailsJobWhenRetriesExhausted(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		transcriptOnly(cfg)
		cfg.Workflow.UnitRetries = 2
	}, testsupport.WithSinglePass())
	job := testsupport.SubmitJob(t, h.cfg, h.store, "dead.wav", 2, 0)
	transient := services.Wrap(services.ErrTransient, "draft", "run unit", "runner busy", nil)
	h.runner.FailUnit("draft", 0, transient, transient, transient)
	h.start(t)

	waitForStatus(t, h.store, job.ID, queue.StatusFailed)
	if got := h.runner.CallCount("draft"); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestEngineRetriesRefinementWholesale(t *testing.T) {
	cases := []struct {
		name     string
		failures int
		want     queue.Status
	}{
		{name: "recovers within budget", failures: 2, want: queue.StatusCompleted},
		{name: "exhausts budget", failures: 3, want: queue.StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(cfg *config.Config) {
				cfg.Workflow.StageRetries = 2
			}, testsupport.WithSinglePass())
			job := testsupport.SubmitJob(t, h.cfg, h.store, "refine.wav", 2, 0)
			transient := services.Wrap(services.ErrTransient, stages.NameRefinement, "run unit", "runner busy", nil)
			errs := make([]error, tc.failures)
			for i := range errs {
				errs[i] = transient
			}
			h.runner.FailUnit(stages.NameRefinement, 0, errs...)
			h.start(t)

			done := waitForStatus(t, h.store, job.ID, tc.want)
			if got := h.runner.CallCount(stages.NameRefinement); got != 3 {
				t.Fatalf("expected 3 wholesale attempts, got %d", got)
			}
			if tc.want == queue.StatusFailed {
				if done.ErrorMessage == "" {
					t.Fatal("expected failure message on job")
				}
				if _, ok := done.Outputs[stages.NameRefinement]; ok {
					t.Fatalf("failed refinement should not record an output: %v", done.Outputs)
				}
			}
			if got := h.runner.CallCount("draft"); got != 2 {
				t.Fatalf("earlier stages must not rerun, got %d draft calls", got)
			}
		})
	}
}

func TestEngineFallsBackToPreviousPass(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		transcriptOnly(cfg)
		cfg.Workflow.PassFallback = true
		cfg.Workflow.UnitRetries = 1
	})
	job := testsupport.SubmitJob(t, h.cfg, h.store, "fallback.wav", 3, 0)
	transient := services.Wrap(services.ErrTransient, "refined", "run unit", "runner busy", nil)
	h.runner.FailUnit("refined", 1, transient, transient)
	h.start(t)

	done := waitForStatus(t, h.store, job.ID, queue.StatusCompleted)
	raw, err := h.checkpoints.ReadArtifact(context.Background(), job.ID, done.Outputs["refined"])
	if err != nil {
		t.Fatalf("ReadArtifact: %v", err)
	}
	var transcript inference.Transcript
	if err := json.Unmarshal(raw, &transcript); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if transcript.Segments[1].FromPass != "draft" {
		t.Fatalf("expected unit 1 carried over from draft, got %+v", transcript.Segments[1])
	}
	if transcript.Segments[0].FromPass != "" {
		t.Fatalf("unit 0 should come from the refined pass, got %+v", transcript.Segments[0])
	}
}

func TestEngineRoutingSkipsConfidentPlan(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Routing.ConfidenceThreshold = 0.5
	})
	router := &stubRouter{plan: queue.SkipPlan{Skip: []string{"refined"}, Confidence: 0.9}}
	h.router = router
	job := testsupport.SubmitJob(t, h.cfg, h.store, "routed.wav", 2, 0)
	h.start(t)

	done := waitForStatus(t, h.store, job.ID, queue.StatusCompleted)
	if h.runner.CallCount("refined") != 0 {
		t.Fatal("skipped pass should not run")
	}
	if done.SkipPlan == nil || done.SkipPlan.Source != "router" {
		t.Fatalf("expected persisted router plan, got %+v", done.SkipPlan)
	}
	if h.sink.count(inference.EventStageSkipped) != 1 {
		t.Fatalf("expected one stage_skipped event, got %v", h.sink.types())
	}
	if h.runner.CallCount(stages.NameDiarization) == 0 {
		t.Fatal("diarization should read the draft transcript when refined is skipped")
	}
}

func TestEngineRoutingIgnoresLowConfidenceAndInvalidPlans(t *testing.T) {
	cases := []struct {
		name   string
		plan   queue.SkipPlan
		err    error
		source string
	}{
		{name: "below threshold", plan: queue.SkipPlan{Skip: []string{"refined"}, Confidence: 0.2}, source: "low-confidence"},
		{name: "unskippable stage", plan: queue.SkipPlan{Skip: []string{"draft"}, Confidence: 0.99}, source: "rejected"},
		{name: "router error", err: errors.New("router offline"), source: "router-error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(cfg *config.Config) {
				transcriptOnly(cfg)
				cfg.Routing.ConfidenceThreshold = 0.5
			})
			h.router = &stubRouter{plan: tc.plan, err: tc.err}
			job := testsupport.SubmitJob(t, h.cfg, h.store, "routed.wav", 2, 0)
			h.start(t)

			done := waitForStatus(t, h.store, job.ID, queue.StatusCompleted)
			if h.runner.CallCount("refined") != 2 || h.runner.CallCount("draft") != 2 {
				t.Fatalf("every stage should run, calls: %v", h.runner.Calls())
			}
			if done.SkipPlan == nil || done.SkipPlan.Source != tc.source || len(done.SkipPlan.Skip) != 0 {
				t.Fatalf("expected empty %s plan, got %+v", tc.source, done.SkipPlan)
			}
		})
	}
}

func TestEngineRestartsStageWhenConfigurationChanged(t *testing.T) {
	h := newHarness(t, transcriptOnly, testsupport.WithSinglePass())
	ctx := context.Background()
	job := testsupport.SubmitJob(t, h.cfg, h.store, "changed.wav", 5, 0)

	var logBytes int64
	for u := 0; u < 3; u++ {
		payload, _ := json.Marshal(inference.TranscriptSegment{Unit: u, Text: "old model"})
		ref, err := h.checkpoints.AppendUnit(ctx, job.ID, "draft", 0, logBytes, u, payload)
		if err != nil {
			t.Fatalf("AppendUnit: %v", err)
		}
		logBytes = ref.Bytes
		if _, err := h.checkpoints.Commit(ctx, checkpoint.Record{
			JobID: job.ID, StageName: "draft", Cursor: u + 1,
			UnitLog: ref.Name, UnitLogBytes: ref.Bytes, StageFingerprint: "previous-config",
		}); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	h.start(t)
	done := waitForStatus(t, h.store, job.ID, queue.StatusCompleted)
	if got := h.runner.UnitsRun("draft"); !reflect.DeepEqual(got, span(0, 5)) {
		t.Fatalf("expected every unit rerun after config change, got %v", got)
	}
	raw, err := h.checkpoints.ReadArtifact(ctx, job.ID, done.Outputs["draft"])
	if err != nil {
		t.Fatalf("ReadArtifact: %v", err)
	}
	var transcript inference.Transcript
	if err := json.Unmarshal(raw, &transcript); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, seg := range transcript.Segments {
		if seg.Text == "old model" {
			t.Fatalf("stale unit output survived restart: %+v", seg)
		}
	}
}

func TestEngineRunsHigherPriorityFirst(t *testing.T) {
	h := newHarness(t, transcriptOnly, testsupport.WithSinglePass(), testsupport.WithWorkerSlots(1))
	a := testsupport.SubmitJob(t, h.cfg, h.store, "a.wav", 1, 0)
	b := testsupport.SubmitJob(t, h.cfg, h.store, "b.wav", 1, 10)
	c := testsupport.SubmitJob(t, h.cfg, h.store, "c.wav", 1, 5)
	h.start(t)

	waitForStatus(t, h.store, a.ID, queue.StatusCompleted)
	var order []string
	for _, call := range h.runner.Calls() {
		order = append(order, call.JobID)
	}
	want := []string{b.ID, c.ID, a.ID}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("run order = %v, want %v", order, want)
	}
}

func TestEngineStatusReportsStagesAndCache(t *testing.T) {
	h := newHarness(t, nil)
	job := testsupport.SubmitJob(t, h.cfg, h.store, "status.wav", 1, 0)
	eng := h.start(t)
	waitForStatus(t, h.store, job.ID, queue.StatusCompleted)

	status, err := eng.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running {
		t.Fatal("expected running engine")
	}
	if len(status.StageHealth) != h.set.Pipeline.Len() {
		t.Fatalf("expected health for every stage, got %d", len(status.StageHealth))
	}
	if status.QueueStats[queue.StatusCompleted] != 1 {
		t.Fatalf("expected one completed job, got %v", status.QueueStats)
	}
	if status.LastJobID != job.ID {
		t.Fatalf("LastJobID = %q", status.LastJobID)
	}
	if len(status.Cache) == 0 {
		t.Fatal("expected loaded models in cache status")
	}
	for _, health := range status.StageHealth {
		if !health.Ready {
			t.Fatalf("stage %s unhealthy: %s", health.Name, health.Detail)
		}
	}
}

func TestEngineStatusReportsUnloadableModels(t *testing.T) {
	h := newHarness(t, nil)
	eng, err := engine.New(engine.Options{
		Config:      h.cfg,
		Store:       h.store,
		Checkpoints: h.checkpoints,
		Cache:       h.cache,
		Stages:      h.set,
		Runner:      h.runner,
		ModelCheck: func(kind string) error {
			if kind == "refiner" {
				return errors.New("stage runner missing")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	status, err := eng.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	unhealthy := map[string]string{}
	for _, health := range status.StageHealth {
		if !health.Ready {
			unhealthy[health.Name] = health.Detail
		}
	}
	if _, ok := unhealthy[stages.NameRefinement]; !ok {
		t.Fatalf("refinement should report its model, got %v", unhealthy)
	}
	if _, ok := unhealthy[stages.NameCrossReference]; !ok {
		t.Fatalf("crossref without identity store should be unhealthy, got %v", unhealthy)
	}
	if len(unhealthy) != 2 {
		t.Fatalf("unexpected unhealthy stages %v", unhealthy)
	}
}

func TestNewRequiresCacheForModelStages(t *testing.T) {
	h := newHarness(t, nil)
	_, err := engine.New(engine.Options{
		Config:      h.cfg,
		Store:       h.store,
		Checkpoints: h.checkpoints,
		Stages:      h.set,
		Runner:      h.runner,
	})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
