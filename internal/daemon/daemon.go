package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"reel/internal/admission"
	"reel/internal/api"
	"reel/internal/checkpoint"
	"reel/internal/config"
	"reel/internal/engine"
	"reel/internal/identity"
	"reel/internal/inference"
	"reel/internal/logging"
	"reel/internal/metrics"
	"reel/internal/modelcache"
	"reel/internal/notifications"
	"reel/internal/queue"
	"reel/internal/stages"
)

// Deps supplies the external collaborators. Loader builds models for every
// model kind the pipeline names; Router and Probe are optional.
type Deps struct {
	Runner inference.Runner
	Loader modelcache.Loader
	Router inference.Router
	Probe  admission.Prober
	// MemoryProbe overrides host memory sampling for the model cache.
	MemoryProbe modelcache.MemoryProbe
	// ModelCheck reports whether a model kind's backing worker is usable;
	// it feeds stage health.
	ModelCheck func(kind string) error
}

// Daemon owns every long-lived component of a reel process.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store       *queue.Store
	checkpoints *checkpoint.Store
	cache       *modelcache.Cache
	set         *stages.Set
	identities  *identity.Store
	dispatcher  *notifications.Dispatcher
	registry    *prometheus.Registry
	engine      *engine.Engine
	admitter    *admission.Admitter

	lock    *flock.Flock
	watcher *inboxWatcher
	http    *httpServer

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	closed  bool
}

// New opens the stores and builds the pipeline, cache and engine. Nothing
// runs until Start.
func New(cfg *config.Config, logger *slog.Logger, deps Deps) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if deps.Runner == nil {
		return nil, errors.New("daemon requires a unit runner")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	logger = logging.NewComponentLogger(logger, "daemon")

	d := &Daemon{
		cfg:    cfg,
		logger: logger,
		lock:   flock.New(cfg.LockPath()),
	}
	ok := false
	defer func() {
		if !ok {
			_ = d.closeResources()
		}
	}()

	var err error
	if d.store, err = queue.Open(cfg); err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	d.checkpoints = checkpoint.New(cfg.JobsDir(), logger)
	if d.set, err = stages.Build(cfg, logger); err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	d.cache = modelcache.New(modelcache.Options{
		BudgetBytes:      int64(cfg.Models.BudgetMiB) << 20,
		BudgetRAMPercent: cfg.Models.BudgetRAMPercent,
		MinFreeRatio:     cfg.Models.MinFreeRatio,
		DefaultSizeBytes: int64(cfg.Models.DefaultSizeMiB) << 20,
		Logger:           logger,
		MemoryProbe:      deps.MemoryProbe,
	})
	for _, kind := range modelKinds(d.set) {
		if deps.Loader == nil {
			return nil, fmt.Errorf("stage model %q needs a loader", kind)
		}
		d.cache.Register(kind, deps.Loader)
	}
	if d.identities, err = identity.Open(cfg, logger); err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}
	d.dispatcher = notifications.FromConfig(cfg.Notifications, logger)

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCacheCollector(d.cache),
		metrics.NewQueueCollector(d.store),
	)
	recorder, err := metrics.NewRecorder(d.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	if d.engine, err = engine.New(engine.Options{
		Config:      cfg,
		Store:       d.store,
		Checkpoints: d.checkpoints,
		Cache:       d.cache,
		Stages:      d.set,
		Runner:      deps.Runner,
		Router:      deps.Router,
		Identities:  d.identities,
		Notifier:    d.dispatcher,
		Metrics:     recorder,
		ModelCheck:  deps.ModelCheck,
		Logger:      logger,
	}); err != nil {
		return nil, err
	}
	if d.admitter, err = admission.New(admission.Options{
		Config:      cfg,
		Store:       d.store,
		Checkpoints: d.checkpoints,
		Pipeline:    d.set.Pipeline,
		Probe:       deps.Probe,
		Logger:      logger,
	}); err != nil {
		return nil, err
	}
	if cfg.Watch.Enabled {
		d.watcher = newInboxWatcher(cfg, d.submitFromInbox, logger)
	}
	d.http = newHTTPServer(cfg.Metrics.Bind, d, logger)
	ok = true
	return d, nil
}

func modelKinds(set *stages.Set) []string {
	seen := make(map[string]bool)
	var kinds []string
	for _, desc := range set.Pipeline.Stages() {
		if desc.NeedsModel() && !seen[desc.ModelKind] {
			seen[desc.ModelKind] = true
			kinds = append(kinds, desc.ModelKind)
		}
	}
	return kinds
}

// Start acquires the instance lock and launches the engine, inbox watcher
// and HTTP listener.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("daemon is closed")
	}
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return errors.New("another reel daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.engine.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start engine: %w", err)
	}
	if d.watcher != nil {
		if err := d.watcher.Start(runCtx); err != nil {
			logging.WarnWithContext(d.logger, "inbox watcher unavailable", "inbox_watch_failed",
				logging.Error(err),
				logging.String("inbox", d.cfg.Paths.InboxDir),
				logging.String(logging.FieldImpact, "files dropped in the inbox are not submitted automatically"),
				logging.String(logging.FieldErrorHint, "check that the inbox directory exists and is readable"))
		}
	}
	if err := d.http.start(runCtx); err != nil {
		logging.WarnWithContext(d.logger, "metrics listener unavailable", "metrics_listen_failed",
			logging.Error(err),
			logging.String("bind", d.cfg.Metrics.Bind),
			logging.String(logging.FieldImpact, "metrics and the HTTP queue view are not served"))
	}

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("reel daemon started",
		logging.String(logging.FieldEventType, "daemon_start"),
		logging.String("lock", d.cfg.LockPath()),
		logging.Int("workers", max(d.cfg.Queue.WorkerSlots, 1)))
	return nil
}

// Stop halts processing and releases the lock. Running jobs finish their
// current unit and return to the queue.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	d.http.stop()
	d.engine.Stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_unlock_failed"))
	}
	d.running.Store(false)
	d.logger.Info("reel daemon stopped", logging.String(logging.FieldEventType, "daemon_stop"))
}

// Close stops the daemon and releases every resource it opened.
func (d *Daemon) Close() error {
	d.Stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.closeResources()
}

func (d *Daemon) closeResources() error {
	var errs []error
	if d.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, d.dispatcher.Close(ctx))
		cancel()
	}
	if d.cache != nil {
		errs = append(errs, d.cache.Close())
	}
	if d.identities != nil {
		errs = append(errs, d.identities.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	return errors.Join(errs...)
}

// Running reports whether the engine is processing jobs.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) (api.DaemonStatus, error) {
	summary, err := d.engine.Status(ctx)
	if err != nil {
		return api.DaemonStatus{}, err
	}
	usage, err := d.checkpoints.Usage(ctx)
	if err != nil {
		logging.WarnWithContext(d.logger, "checkpoint usage unavailable", "checkpoint_usage_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "status omits checkpoint disk usage"))
	}
	status := api.DaemonStatus{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		QueueDBPath:  d.store.Path(),
		LockFilePath: d.cfg.LockPath(),
		MetricsAddr:  d.http.Addr(),
		Pipeline:     d.Pipeline(),
		Engine:       api.FromEngineStatus(summary),
		Cache:        api.FromCache(summary.Cache, summary.CacheStats, d.cache.Budget()),
		Checkpoints:  api.FromUsage(usage),
		Notifications: api.NotificationStats{
			Delivered: d.dispatcher.Delivered(),
			Dropped:   d.dispatcher.Dropped(),
		},
	}
	if d.watcher != nil && d.running.Load() {
		status.Watching = d.cfg.Paths.InboxDir
	}
	return status, nil
}

// Gatherer exposes the daemon's metric registry.
func (d *Daemon) Gatherer() prometheus.Gatherer {
	return d.registry
}

// Pipeline returns the configured stage names in order.
func (d *Daemon) Pipeline() []string {
	return d.set.Pipeline.Names()
}
