package modelcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"reel/internal/logging"
	"reel/internal/services"
)

// ErrEntryInUse reports that Clear skipped an entry that is still referenced.
var ErrEntryInUse = errors.New("model entry in use")

// Instance is a loaded model. Close releases its resources after eviction.
type Instance interface {
	Close() error
}

// Sizer is implemented by instances that know their resident size.
type Sizer interface {
	SizeBytes() int64
}

// Loader constructs a model instance of one kind.
type Loader func(ctx context.Context, kind string, config map[string]any) (Instance, error)

// Options configures a Cache.
type Options struct {
	// BudgetBytes caps the summed size of loaded entries. Zero derives the
	// budget from BudgetRAMPercent of host memory.
	BudgetBytes      int64
	BudgetRAMPercent int
	// MinFreeRatio triggers eviction when available host memory falls below
	// this fraction of total memory.
	MinFreeRatio     float64
	DefaultSizeBytes int64
	Logger           *slog.Logger
	MemoryProbe      MemoryProbe
}

// Counters are cumulative cache statistics.
type Counters struct {
	Hits         int64
	Misses       int64
	Evictions    int64
	LoadFailures int64
}

type key struct {
	kind        string
	fingerprint string
}

type entry struct {
	key    key
	ready  chan struct{}
	sem    chan struct{}
	err    error
	inst   Instance
	size   int64
	refs   int
	holder map[string]string
	loaded time.Time
	used   time.Time
}

func (e *entry) isReady() bool {
	select {
	case <-e.ready:
		return e.err == nil
	default:
		return false
	}
}

// Cache is a registry of loaded model instances shared by all workers.
type Cache struct {
	opts   Options
	logger *slog.Logger
	probe  MemoryProbe
	budget int64

	mu      sync.Mutex
	loaders map[string]Loader
	entries map[key]*entry
	handles map[string]*entry

	hits         atomic.Int64
	misses       atomic.Int64
	evictions    atomic.Int64
	loadFailures atomic.Int64
}

// New builds an empty cache.
func New(opts Options) *Cache {
	probe := opts.MemoryProbe
	if probe == nil {
		probe = SystemMemory
	}
	c := &Cache{
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "modelcache"),
		probe:   probe,
		budget:  opts.BudgetBytes,
		loaders: make(map[string]Loader),
		entries: make(map[key]*entry),
		handles: make(map[string]*entry),
	}
	if c.budget <= 0 && opts.BudgetRAMPercent > 0 {
		stats, err := probe(context.Background())
		if err != nil {
			logging.WarnWithContext(c.logger, "could not size model budget from host memory", "modelcache_budget_unknown",
				logging.Error(err),
				logging.String(logging.FieldImpact, "model cache runs without a size budget"),
				logging.String(logging.FieldErrorHint, "set models.budget_mib explicitly"),
			)
		} else {
			c.budget = int64(stats.Total / 100 * uint64(opts.BudgetRAMPercent))
		}
	}
	return c
}

// Budget returns the effective size budget in bytes; zero means unbounded.
func (c *Cache) Budget() int64 {
	return c.budget
}

// Register installs the loader for a model kind.
func (c *Cache) Register(kind string, loader Loader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaders[kind] = loader
}

// Registered reports whether kind has a loader.
func (c *Cache) Registered(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.loaders[kind]
	return ok
}

// Acquire returns a handle to the instance for (kind, config), constructing
// it on first use. Concurrent acquirers of a missing entry wait for one
// construction and share its result.
func (c *Cache) Acquire(ctx context.Context, kind string, config map[string]any) (*Handle, error) {
	holder, _ := services.JobIDFromContext(ctx)
	k := key{kind: kind, fingerprint: Fingerprint(kind, config)}

	c.mu.Lock()
	loader, ok := c.loaders[kind]
	if !ok {
		c.mu.Unlock()
		return nil, services.Wrap(services.ErrConfiguration, "modelcache", "acquire", fmt.Sprintf("no loader registered for model kind %q", kind), nil)
	}
	if e, found := c.entries[k]; found {
		e.refs++
		c.mu.Unlock()
		c.hits.Add(1)
		return c.await(ctx, e, holder)
	}
	e := &entry{
		key:    k,
		ready:  make(chan struct{}),
		sem:    make(chan struct{}, 1),
		refs:   1,
		holder: make(map[string]string),
	}
	c.entries[k] = e
	c.mu.Unlock()
	c.misses.Add(1)

	// The load outlives the first caller's context: waiters share it, so
	// one caller giving up must not fail the rest.
	start := time.Now()
	inst, err := loader(context.WithoutCancel(ctx), kind, config)

	c.mu.Lock()
	if err != nil {
		e.err = fmt.Errorf("load %s model %s: %w", kind, k.fingerprint, err)
		if c.entries[k] == e {
			delete(c.entries, k)
		}
		close(e.ready)
		c.mu.Unlock()
		c.loadFailures.Add(1)
		logging.WarnWithContext(c.logger, "model load failed", "model_load_failed",
			logging.String("model_kind", kind),
			logging.String("fingerprint", k.fingerprint),
			logging.Error(err),
			logging.String(logging.FieldImpact, "jobs waiting on this model fail their current attempt"),
			logging.String(logging.FieldErrorHint, "check the runner command and model options"),
		)
		return nil, e.err
	}
	e.inst = inst
	e.size = c.sizeOf(inst)
	e.loaded = time.Now()
	e.used = e.loaded
	close(e.ready)
	h := c.newHandleLocked(e, holder)
	c.mu.Unlock()

	c.logger.Info("model loaded",
		logging.String("model_kind", kind),
		logging.String("fingerprint", k.fingerprint),
		logging.Int64("size_bytes", e.size),
		logging.Duration("load_duration", time.Since(start)),
	)
	if err := ctx.Err(); err != nil {
		_ = c.Release(h)
		return nil, err
	}
	c.enforce(ctx)
	return h, nil
}

func (c *Cache) await(ctx context.Context, e *entry, holder string) (*Handle, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		c.mu.Lock()
		e.refs--
		c.mu.Unlock()
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.newHandleLocked(e, holder), nil
}

func (c *Cache) newHandleLocked(e *entry, holder string) *Handle {
	token := uuid.NewString()
	if holder == "" {
		holder = "unknown"
	}
	e.holder[token] = holder
	e.used = time.Now()
	c.handles[token] = e
	return &Handle{cache: c, entry: e, token: token}
}

func (c *Cache) sizeOf(inst Instance) int64 {
	if sizer, ok := inst.(Sizer); ok {
		if size := sizer.SizeBytes(); size > 0 {
			return size
		}
	}
	return c.opts.DefaultSizeBytes
}

// Release returns the reference held by h. Releasing an unknown or already
// released handle fails with ErrInvalidHandle.
func (c *Cache) Release(h *Handle) error {
	if h == nil {
		return services.Wrap(services.ErrInvalidHandle, "modelcache", "release", "nil handle", nil)
	}
	c.mu.Lock()
	e, ok := c.handles[h.token]
	if !ok || e != h.entry {
		c.mu.Unlock()
		return services.Wrap(services.ErrInvalidHandle, "modelcache", "release", fmt.Sprintf("handle %s is not held", h.token), nil)
	}
	delete(c.handles, h.token)
	delete(e.holder, h.token)
	e.refs--
	e.used = time.Now()
	c.mu.Unlock()

	c.enforce(context.Background())
	return nil
}

// Clear evicts unreferenced entries of kind, or of every kind when kind is
// empty. Referenced entries are left in place and reported as ErrEntryInUse.
func (c *Cache) Clear(kind string) (int, error) {
	var victims []*entry
	var errs []error

	c.mu.Lock()
	for k, e := range c.entries {
		if kind != "" && k.kind != kind {
			continue
		}
		if e.refs > 0 || !e.isReady() {
			errs = append(errs, fmt.Errorf("%w: %s/%s has %d holders", ErrEntryInUse, k.kind, k.fingerprint, e.refs))
			continue
		}
		delete(c.entries, k)
		victims = append(victims, e)
	}
	c.mu.Unlock()

	c.closeVictims(victims, "clear")
	return len(victims), errors.Join(errs...)
}

// Close evicts every unreferenced entry. Called at shutdown once workers have
// stopped.
func (c *Cache) Close() error {
	_, err := c.Clear("")
	return err
}

// enforce evicts least recently used unreferenced entries while the cache is
// over budget or the host is under memory pressure.
func (c *Cache) enforce(ctx context.Context) {
	var memStats MemoryStats
	pressure := false
	if c.opts.MinFreeRatio > 0 {
		stats, err := c.probe(ctx)
		if err != nil {
			c.logger.Debug("memory probe failed", logging.Error(err))
		} else {
			memStats = stats
			pressure = stats.FreeRatio() < c.opts.MinFreeRatio
		}
	}

	c.mu.Lock()
	var total int64
	var idle []*entry
	for _, e := range c.entries {
		if !e.isReady() {
			continue
		}
		total += e.size
		if e.refs == 0 {
			idle = append(idle, e)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].used.Before(idle[j].used) })

	var victims []*entry
	reason := "budget"
	for _, e := range idle {
		overBudget := c.budget > 0 && total > c.budget
		if !overBudget && !pressure {
			break
		}
		if !overBudget {
			reason = "memory_pressure"
		}
		delete(c.entries, e.key)
		victims = append(victims, e)
		total -= e.size
		if pressure {
			memStats.Available += uint64(max(e.size, 0))
			pressure = memStats.FreeRatio() < c.opts.MinFreeRatio
		}
	}
	c.mu.Unlock()

	c.closeVictims(victims, reason)
}

func (c *Cache) closeVictims(victims []*entry, reason string) {
	for _, e := range victims {
		c.evictions.Add(1)
		attrs := []logging.Attr{
			logging.String("model_kind", e.key.kind),
			logging.String("fingerprint", e.key.fingerprint),
			logging.Int64("size_bytes", e.size),
		}
		attrs = append(attrs, logging.DecisionAttrs("model_eviction", "evicted", reason)...)
		c.logger.Info("model evicted", logging.Args(attrs...)...)
		if err := e.inst.Close(); err != nil {
			logging.WarnWithContext(c.logger, "model close failed", "model_close_failed",
				logging.String("model_kind", e.key.kind),
				logging.Error(err),
				logging.String(logging.FieldImpact, "model resources may leak until the daemon restarts"),
			)
		}
	}
}

// Counters returns cumulative statistics.
func (c *Cache) Counters() Counters {
	return Counters{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Evictions:    c.evictions.Load(),
		LoadFailures: c.loadFailures.Load(),
	}
}

// EntryStatus describes one cache entry.
type EntryStatus struct {
	Kind        string    `json:"kind"`
	Fingerprint string    `json:"fingerprint"`
	Ready       bool      `json:"ready"`
	RefCount    int       `json:"ref_count"`
	Holders     []string  `json:"holders,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	LoadedAt    time.Time `json:"loaded_at"`
	LastUsed    time.Time `json:"last_used"`
}

// Status lists entries ordered by kind then fingerprint.
func (c *Cache) Status() []EntryStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EntryStatus, 0, len(c.entries))
	for k, e := range c.entries {
		status := EntryStatus{
			Kind:        k.kind,
			Fingerprint: k.fingerprint,
			Ready:       e.isReady(),
			RefCount:    e.refs,
			SizeBytes:   e.size,
			LoadedAt:    e.loaded,
			LastUsed:    e.used,
		}
		for _, holder := range e.holder {
			status.Holders = append(status.Holders, holder)
		}
		sort.Strings(status.Holders)
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}
