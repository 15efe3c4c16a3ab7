// Package metrics exposes Prometheus collectors for the pipeline.
//
// A Recorder owns the counters the engine updates while it runs jobs.
// CacheCollector and QueueCollector read model cache and queue state at
// scrape time. Everything registers against an injected registry so tests
// and multiple daemons in one process never share global state.
package metrics
