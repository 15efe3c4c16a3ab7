package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"reel/internal/modelcache"
	"reel/internal/queue"
)

const scrapeTimeout = 5 * time.Second

// CacheSource is the part of the model cache read at scrape time.
type CacheSource interface {
	Status() []modelcache.EntryStatus
	Counters() modelcache.Counters
	Budget() int64
}

// CacheCollector reports model cache occupancy and counters.
type CacheCollector struct {
	cache CacheSource

	entries     *prometheus.Desc
	bytes       *prometheus.Desc
	refs        *prometheus.Desc
	budget      *prometheus.Desc
	hits        *prometheus.Desc
	misses      *prometheus.Desc
	evictions   *prometheus.Desc
	loadFailure *prometheus.Desc
}

// NewCacheCollector builds a collector for cache.
func NewCacheCollector(cache CacheSource) *CacheCollector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "model_cache", n) }
	return &CacheCollector{
		cache:       cache,
		entries:     prometheus.NewDesc(name("entries"), "Loaded model instances, by kind.", []string{"kind"}, nil),
		bytes:       prometheus.NewDesc(name("bytes"), "Estimated bytes held by loaded instances, by kind.", []string{"kind"}, nil),
		refs:        prometheus.NewDesc(name("references"), "Outstanding handles, by kind.", []string{"kind"}, nil),
		budget:      prometheus.NewDesc(name("budget_bytes"), "Configured cache budget.", nil, nil),
		hits:        prometheus.NewDesc(name("hits_total"), "Acquires served by a loaded or loading instance.", nil, nil),
		misses:      prometheus.NewDesc(name("misses_total"), "Acquires that started a construction.", nil, nil),
		evictions:   prometheus.NewDesc(name("evictions_total"), "Instances closed by eviction or clear.", nil, nil),
		loadFailure: prometheus.NewDesc(name("load_failures_total"), "Failed constructions.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.entries, c.bytes, c.refs, c.budget, c.hits, c.misses, c.evictions, c.loadFailure} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	type agg struct {
		entries, refs int
		bytes         int64
	}
	byKind := map[string]*agg{}
	for _, entry := range c.cache.Status() {
		a := byKind[entry.Kind]
		if a == nil {
			a = &agg{}
			byKind[entry.Kind] = a
		}
		a.entries++
		a.refs += entry.RefCount
		a.bytes += entry.SizeBytes
	}
	for kind, a := range byKind {
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(a.entries), kind)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(a.bytes), kind)
		ch <- prometheus.MustNewConstMetric(c.refs, prometheus.GaugeValue, float64(a.refs), kind)
	}
	counters := c.cache.Counters()
	ch <- prometheus.MustNewConstMetric(c.budget, prometheus.GaugeValue, float64(c.cache.Budget()))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(counters.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(counters.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(counters.Evictions))
	ch <- prometheus.MustNewConstMetric(c.loadFailure, prometheus.CounterValue, float64(counters.LoadFailures))
}

// QueueSource is the part of the queue read at scrape time.
type QueueSource interface {
	Stats(ctx context.Context) (map[queue.Status]int, error)
}

// QueueCollector reports job counts per status.
type QueueCollector struct {
	queue QueueSource
	jobs  *prometheus.Desc
	up    *prometheus.Desc
}

// NewQueueCollector builds a collector for store.
func NewQueueCollector(store QueueSource) *QueueCollector {
	return &QueueCollector{
		queue: store,
		jobs:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "jobs"), "Jobs in the queue, by status.", []string{"status"}, nil),
		up:    prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "up"), "Whether the queue database answered the last scrape.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.up
}

// Collect implements prometheus.Collector.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()
	stats, err := c.queue.Stats(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	for _, status := range queue.AllStatuses() {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(stats[status]), string(status))
	}
}
