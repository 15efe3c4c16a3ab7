package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"reel/internal/checkpoint"
	"reel/internal/config"
	"reel/internal/logging"
	"reel/internal/media/ffprobe"
	"reel/internal/queue"
	"reel/internal/services"
	"reel/internal/stage"
)

// Prober inspects a media file.
type Prober func(ctx context.Context, path string) (ffprobe.Result, error)

// FFprobe returns a Prober running the given ffprobe binary.
func FFprobe(binary string) Prober {
	return func(ctx context.Context, path string) (ffprobe.Result, error) {
		return ffprobe.Inspect(ctx, binary, path)
	}
}

// Options wires an Admitter.
type Options struct {
	Config      *config.Config
	Store       *queue.Store
	Checkpoints *checkpoint.Store
	Pipeline    *stage.Pipeline
	Probe       Prober
	Logger      *slog.Logger
}

// Admitter validates and admits jobs.
type Admitter struct {
	cfg         *config.Config
	store       *queue.Store
	checkpoints *checkpoint.Store
	pipeline    *stage.Pipeline
	probe       Prober
	logger      *slog.Logger
}

// New builds an Admitter. A nil Probe runs the configured ffprobe binary.
func New(opts Options) (*Admitter, error) {
	if opts.Config == nil || opts.Store == nil || opts.Checkpoints == nil || opts.Pipeline == nil {
		return nil, services.Wrap(services.ErrConfiguration, "admission", "init", "config, store, checkpoints and pipeline are required", nil)
	}
	probe := opts.Probe
	if probe == nil {
		probe = FFprobe(opts.Config.FFprobeBinary())
	}
	return &Admitter{
		cfg:         opts.Config,
		store:       opts.Store,
		checkpoints: opts.Checkpoints,
		pipeline:    opts.Pipeline,
		probe:       probe,
		logger:      logging.NewComponentLogger(opts.Logger, "admission"),
	}, nil
}

// Request describes a new submission.
type Request struct {
	SourcePath string
	// Priority overrides queue.default_priority when set.
	Priority *int
}

// Submit probes the source and admits it as a queued job.
func (a *Admitter) Submit(ctx context.Context, req Request) (*queue.Job, error) {
	source := strings.TrimSpace(req.SourcePath)
	if source == "" {
		return nil, &queue.InvalidJobError{SourcePath: req.SourcePath, Reason: "source path is empty"}
	}
	abs, err := filepath.Abs(source)
	if err != nil {
		return nil, &queue.InvalidJobError{SourcePath: source, Reason: err.Error()}
	}
	if err := validateSource(abs); err != nil {
		return nil, err
	}

	result, err := a.probe(ctx, abs)
	if err != nil {
		return nil, services.WithHint(
			services.Wrap(services.ErrExternalTool, "admission", "probe", fmt.Sprintf("inspect %s", abs), err),
			"confirm the file is playable media and runner.ffprobe_binary is installed")
	}
	if result.AudioStreamCount() == 0 {
		return nil, &queue.InvalidJobError{SourcePath: abs, Reason: "source has no audio stream"}
	}
	duration := result.DurationSeconds()
	if math.IsNaN(duration) || duration <= 0 {
		return nil, &queue.InvalidJobError{SourcePath: abs, Reason: "source duration is unknown or zero"}
	}
	segments := result.Segments(a.cfg.Pipeline.SegmentSeconds)

	job, err := a.store.Submit(ctx, queue.SubmitRequest{
		SourcePath:      abs,
		Priority:        a.priority(req.Priority),
		Segments:        segments,
		DurationSeconds: duration,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("job admitted",
		logging.String(logging.FieldEventType, "job_admitted"),
		logging.String(logging.FieldJobID, job.ID),
		logging.String("source", abs),
		logging.Int("segments", segments),
		logging.Float64("duration_seconds", duration),
		logging.Int("priority", job.Priority))
	return job, nil
}

// Reprocess admits a new job for parentRef starting at stage fromStage.
// Every stage before fromStage must have completed or been skipped in the
// parent; their outputs are copied into the new job.
func (a *Admitter) Reprocess(ctx context.Context, parentRef, fromStage string, priority *int) (*queue.Job, error) {
	parent, err := a.resolve(ctx, parentRef)
	if err != nil {
		return nil, err
	}
	from, ok := a.pipeline.Index(strings.TrimSpace(fromStage))
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "admission", "reprocess",
			fmt.Sprintf("unknown stage %q (stages: %s)", fromStage, strings.Join(a.pipeline.Names(), ", ")), nil)
	}
	if !parent.Status.IsTerminal() {
		return nil, services.Wrap(services.ErrValidation, "admission", "reprocess",
			fmt.Sprintf("job %s is %s; only terminal jobs can be reprocessed", parent.ID, parent.Status), nil)
	}

	skipped := map[string]bool{}
	if parent.SkipPlan != nil {
		for _, name := range parent.SkipPlan.Skip {
			skipped[name] = true
		}
	}
	outputs := make(map[string]string)
	var keptSkips []string
	for i := 0; i < from; i++ {
		name := a.pipeline.At(i).Name
		if ref, ok := parent.Outputs[name]; ok {
			outputs[name] = ref
			continue
		}
		if skipped[name] {
			keptSkips = append(keptSkips, name)
			continue
		}
		return nil, services.Wrap(services.ErrValidation, "admission", "reprocess",
			fmt.Sprintf("job %s has no output for stage %q", parent.ID, name), nil)
	}
	var plan *queue.SkipPlan
	if len(keptSkips) > 0 {
		plan = &queue.SkipPlan{Skip: keptSkips, Confidence: 1, Source: "reprocess"}
	}

	id := uuid.NewString()
	if len(outputs) > 0 {
		if err := a.checkpoints.CopyArtifacts(ctx, parent.ID, id); err != nil {
			_ = a.checkpoints.Purge(ctx, id, false)
			return nil, fmt.Errorf("copy parent outputs: %w", err)
		}
	}
	job, err := a.store.Submit(ctx, queue.SubmitRequest{
		ID:              id,
		SourcePath:      parent.SourcePath,
		Priority:        a.priority(priority),
		Segments:        parent.Segments,
		DurationSeconds: parent.DurationSeconds,
		ParentID:        parent.ID,
		StartStage:      from,
		Outputs:         outputs,
		SkipPlan:        plan,
	})
	if err != nil {
		_ = a.checkpoints.Purge(ctx, id, false)
		return nil, err
	}
	a.logger.Info("job reprocess admitted",
		logging.String(logging.FieldEventType, "job_reprocess_admitted"),
		logging.String(logging.FieldJobID, job.ID),
		logging.String("parent_id", parent.ID),
		logging.String("from_stage", a.pipeline.At(from).Name),
		logging.String("dependent_stages", strings.Join(a.pipeline.Dependents(from), ",")))
	return job, nil
}

// Resubmit admits a new job that resumes a failed or cancelled parent from
// its preserved checkpoint.
func (a *Admitter) Resubmit(ctx context.Context, parentRef string, priority *int) (*queue.Job, error) {
	parent, err := a.resolve(ctx, parentRef)
	if err != nil {
		return nil, err
	}
	if parent.Status != queue.StatusFailed && parent.Status != queue.StatusCancelled {
		return nil, services.Wrap(services.ErrValidation, "admission", "resubmit",
			fmt.Sprintf("job %s is %s; only failed or cancelled jobs can be resubmitted", parent.ID, parent.Status), nil)
	}

	id := uuid.NewString()
	rec, err := a.checkpoints.Adopt(ctx, parent.ID, id)
	if err != nil {
		_ = a.checkpoints.Purge(ctx, id, false)
		return nil, fmt.Errorf("adopt checkpoint: %w", err)
	}
	startStage := parent.StageIndex
	outputs := parent.Outputs
	if rec != nil {
		startStage = rec.StageIndex
		outputs = rec.Outputs
	}
	job, err := a.store.Submit(ctx, queue.SubmitRequest{
		ID:              id,
		SourcePath:      parent.SourcePath,
		Priority:        a.priority(priority),
		Segments:        parent.Segments,
		DurationSeconds: parent.DurationSeconds,
		ParentID:        parent.ID,
		StartStage:      startStage,
		Outputs:         outputs,
		SkipPlan:        parent.SkipPlan,
	})
	if err != nil {
		_ = a.checkpoints.Purge(ctx, id, false)
		return nil, err
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "job_resubmit_admitted"),
		logging.String(logging.FieldJobID, job.ID),
		logging.String("parent_id", parent.ID),
		logging.Int("stage_index", startStage),
	}
	if rec != nil {
		attrs = append(attrs, logging.Int("cursor", rec.Cursor))
	}
	a.logger.Info("job resubmit admitted", logging.Args(attrs...)...)
	return job, nil
}

func (a *Admitter) resolve(ctx context.Context, ref string) (*queue.Job, error) {
	job, err := a.store.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, services.Wrap(services.ErrNotFound, "admission", "resolve", fmt.Sprintf("job %q not found", ref), nil)
	}
	return job, nil
}

func (a *Admitter) priority(override *int) int {
	if override != nil {
		return *override
	}
	return a.cfg.Queue.DefaultPriority
}

// IsRejected reports whether err is an admission rejection rather than an
// operational failure.
func IsRejected(err error) bool {
	var invalid *queue.InvalidJobError
	return errors.As(err, &invalid) || errors.Is(err, services.ErrValidation)
}
