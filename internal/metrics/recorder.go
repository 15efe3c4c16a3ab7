package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reel"

// Unit and stage results used as label values.
const (
	ResultCommitted = "committed"
	ResultRetried   = "retried"
	ResultFallback  = "fallback"
	ResultFailed    = "failed"
	ResultCompleted = "completed"
	ResultSkipped   = "skipped"
)

// Recorder holds the engine counters. A nil Recorder ignores every call.
type Recorder struct {
	units        *prometheus.CounterVec
	unitDuration *prometheus.HistogramVec
	stages       *prometheus.CounterVec
	jobs         *prometheus.CounterVec
	commits      *prometheus.CounterVec
	restarts     *prometheus.CounterVec
	running      prometheus.Gauge
}

// NewRecorder creates the engine counters and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Stage units processed, by stage and result.",
		}, []string{"stage", "result"}),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Wall time of a single stage unit including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_total",
			Help:      "Stage outcomes, by stage and result.",
		}, []string{"stage", "result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs reaching a terminal or parked state, by status.",
		}, []string{"status"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_commits_total",
			Help:      "Checkpoint commits, split by whether the record advanced.",
		}, []string{"applied"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_restarts_total",
			Help:      "Stages restarted from unit 0, by reason.",
		}, []string{"reason"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs currently held by engine workers.",
		}),
	}
	for _, c := range []prometheus.Collector{r.units, r.unitDuration, r.stages, r.jobs, r.commits, r.restarts, r.running} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Unit records one unit outcome. Duration is only observed for committed units.
func (r *Recorder) Unit(stage, result string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.units.WithLabelValues(norm(stage), result).Inc()
	if result == ResultCommitted || result == ResultFallback {
		r.unitDuration.WithLabelValues(norm(stage)).Observe(elapsed.Seconds())
	}
}

// Stage records a stage outcome.
func (r *Recorder) Stage(stage, result string) {
	if r == nil {
		return
	}
	r.stages.WithLabelValues(norm(stage), result).Inc()
}

// JobFinished records a job leaving the worker with status.
func (r *Recorder) JobFinished(status string) {
	if r == nil {
		return
	}
	r.jobs.WithLabelValues(norm(status)).Inc()
}

// Commit records a checkpoint commit.
func (r *Recorder) Commit(applied bool) {
	if r == nil {
		return
	}
	label := "false"
	if applied {
		label = "true"
	}
	r.commits.WithLabelValues(label).Inc()
}

// Restart records a stage restart.
func (r *Recorder) Restart(reason string) {
	if r == nil {
		return
	}
	r.restarts.WithLabelValues(norm(reason)).Inc()
}

// JobStarted and JobStopped track the running gauge.
func (r *Recorder) JobStarted() {
	if r == nil {
		return
	}
	r.running.Inc()
}

// JobStopped decrements the running gauge.
func (r *Recorder) JobStopped() {
	if r == nil {
		return
	}
	r.running.Dec()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
