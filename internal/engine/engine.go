package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"reel/internal/checkpoint"
	"reel/internal/config"
	"reel/internal/inference"
	"reel/internal/logging"
	"reel/internal/metrics"
	"reel/internal/modelcache"
	"reel/internal/queue"
	"reel/internal/services"
	"reel/internal/stages"
)

// Options wires an Engine. Router, Identities, Notifier, Metrics and
// ModelCheck are optional. ModelCheck lets stage health verify whatever
// backs the model loaders, such as the worker binary.
type Options struct {
	Config      *config.Config
	Store       *queue.Store
	Checkpoints *checkpoint.Store
	Cache       *modelcache.Cache
	Stages      *stages.Set
	Runner      inference.Runner
	Router      inference.Router
	Identities  inference.IdentityStore
	Notifier    inference.Sink
	Metrics     *metrics.Recorder
	ModelCheck  func(kind string) error
	Logger      *slog.Logger
}

// Engine coordinates the worker pool.
type Engine struct {
	cfg         *config.Config
	store       *queue.Store
	checkpoints *checkpoint.Store
	cache       *modelcache.Cache
	set         *stages.Set
	runner      inference.Runner
	router      inference.Router
	identities  inference.IdentityStore
	sink        inference.Sink
	metrics     *metrics.Recorder
	modelCheck  func(kind string) error
	logger      *slog.Logger

	heartbeat *HeartbeatMonitor
	wake      chan struct{}

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
	lastJob string
	active  map[string]*ActiveJob
}

// New validates the options and builds an engine.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Config == nil:
		return nil, services.Wrap(services.ErrConfiguration, "engine", "init", "config is required", nil)
	case opts.Store == nil, opts.Checkpoints == nil:
		return nil, services.Wrap(services.ErrConfiguration, "engine", "init", "queue and checkpoint stores are required", nil)
	case opts.Stages == nil || opts.Stages.Pipeline == nil:
		return nil, services.Wrap(services.ErrConfiguration, "engine", "init", "stage set is required", nil)
	case opts.Runner == nil:
		return nil, services.Wrap(services.ErrConfiguration, "engine", "init", "runner is required", nil)
	}
	for _, d := range opts.Stages.Pipeline.Stages() {
		if d.NeedsModel() && opts.Cache == nil {
			return nil, services.Wrap(services.ErrConfiguration, "engine", "init",
				fmt.Sprintf("stage %q needs model %q but no model cache is configured", d.Name, d.ModelKind), nil)
		}
	}
	sink := opts.Notifier
	if sink == nil {
		sink = inference.NopSink{}
	}
	logger := logging.NewComponentLogger(opts.Logger, "engine")
	slots := max(opts.Config.Queue.WorkerSlots, 1)
	return &Engine{
		cfg:         opts.Config,
		store:       opts.Store,
		checkpoints: opts.Checkpoints,
		cache:       opts.Cache,
		set:         opts.Stages,
		runner:      opts.Runner,
		router:      opts.Router,
		identities:  opts.Identities,
		sink:        sink,
		metrics:     opts.Metrics,
		modelCheck:  opts.ModelCheck,
		logger:      logger,
		heartbeat: NewHeartbeatMonitor(
			opts.Store,
			logger,
			time.Duration(opts.Config.Workflow.HeartbeatInterval)*time.Second,
			time.Duration(opts.Config.Workflow.HeartbeatTimeout)*time.Second,
		),
		wake:   make(chan struct{}, slots),
		active: make(map[string]*ActiveJob),
	}, nil
}

// Start recovers jobs left running by a crashed process and launches the
// worker pool.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	reset, err := e.store.ResetRunning(ctx)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("reset running jobs: %w", err)
	}
	if reset > 0 {
		e.logger.Info("requeued jobs from unclean shutdown",
			logging.String(logging.FieldEventType, "crash_recovery"),
			logging.Int64("count", reset))
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	slots := max(e.cfg.Queue.WorkerSlots, 1)
	e.wg.Add(slots + 1)
	e.mu.Unlock()

	for i := 0; i < slots; i++ {
		go e.runWorker(runCtx, i)
	}
	go e.runReclaimer(runCtx)
	e.logger.Info("engine started",
		logging.String(logging.FieldEventType, "engine_start"),
		logging.Int("workers", slots),
		logging.String("stages", fmt.Sprint(e.set.Pipeline.Names())))
	return nil
}

// Stop cancels the workers and waits for them. A worker finishes its
// current unit, then requeues its job.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.logger.Info("engine stopped", logging.String(logging.FieldEventType, "engine_stop"))
}

// Wake asks idle workers to poll the queue now.
func (e *Engine) Wake() {
	for {
		select {
		case e.wake <- struct{}{}:
		default:
			return
		}
	}
}

func (e *Engine) runWorker(ctx context.Context, index int) {
	defer e.wg.Done()
	worker := fmt.Sprintf("w%d", index)
	ctx = services.WithWorker(ctx, worker)
	logger := logging.WithContext(ctx, e.logger)
	slots := max(e.cfg.Queue.WorkerSlots, 1)

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := e.store.Next(ctx, slots)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.handleNextError(ctx, logger, err)
			continue
		}
		if job == nil {
			e.waitForJobOrShutdown(ctx)
			continue
		}
		e.processJob(ctx, worker, job)
	}
}

// runReclaimer requeues jobs whose heartbeat went stale. It only matters
// for rows this process does not hold, since a live worker's job is never
// reclaimed from under it.
func (e *Engine) runReclaimer(ctx context.Context) {
	defer e.wg.Done()
	logger := logging.NewComponentLogger(e.logger, "heartbeat")
	ticker := time.NewTicker(max(e.cfg.PollInterval(), time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		reclaimed, err := e.heartbeat.ReclaimStale(ctx, logger, e.liveJobIDs())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("reclaim stale jobs failed; stuck jobs may remain",
				logging.Error(err),
				logging.String(logging.FieldEventType, "heartbeat_reclaim_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"))
			continue
		}
		if reclaimed > 0 {
			e.Wake()
		}
	}
}

func (e *Engine) handleNextError(ctx context.Context, logger *slog.Logger, err error) {
	e.setLastError(err)
	logger.Error("failed to fetch next job",
		logging.Error(err),
		logging.String(logging.FieldEventType, "queue_fetch_failed"),
		logging.String(logging.FieldErrorHint, "check queue database access"))
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(e.cfg.Workflow.ErrorRetryInterval) * time.Second):
	}
}

func (e *Engine) waitForJobOrShutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-e.wake:
	case <-time.After(e.cfg.PollInterval()):
	}
}
