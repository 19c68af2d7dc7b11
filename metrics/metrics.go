package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "execbox"

// Recorder collects service metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	sandboxes         *prometheus.CounterVec
	activeSandboxes   *prometheus.GaugeVec
	activeSessions    prometheus.Gauge
	pulls             *prometheus.CounterVec
	pullDuration      prometheus.Histogram
}

// New creates a Recorder with Go runtime and process collectors attached.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished executions by language and outcome.",
		}, []string{"language", "outcome"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of executions including sandbox setup.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 15, 30, 60},
		}, []string{"language"}),
		sandboxes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandboxes_total",
			Help:      "Sandbox lifecycle events by kind.",
		}, []string{"kind", "event"}),
		activeSandboxes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sandboxes_active",
			Help:      "Sandboxes created and not yet removed.",
		}, []string{"kind"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "terminal_sessions_active",
			Help:      "Open interactive terminal sessions.",
		}),
		pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_pulls_total",
			Help:      "Image pulls by result.",
		}, []string{"result"}),
		pullDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "image_pull_duration_seconds",
			Help:      "Time spent pulling images.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.executions,
		r.executionDuration,
		r.sandboxes,
		r.activeSandboxes,
		r.activeSessions,
		r.pulls,
		r.pullDuration,
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) ObserveExecution(language, outcome string, elapsed time.Duration) {
	if language == "" {
		language = "unknown"
	}
	r.executions.With(prometheus.Labels{"language": language, "outcome": outcome}).Inc()
	r.executionDuration.With(prometheus.Labels{"language": language}).Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveSandbox(kind, event string) {
	r.sandboxes.With(prometheus.Labels{"kind": kind, "event": event}).Inc()
	switch event {
	case "created":
		r.activeSandboxes.With(prometheus.Labels{"kind": kind}).Inc()
	case "removed":
		r.activeSandboxes.With(prometheus.Labels{"kind": kind}).Dec()
	}
}

func (r *Recorder) ObserveSessions(delta int) {
	r.activeSessions.Add(float64(delta))
}

func (r *Recorder) ObservePull(_ string, err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.pulls.With(prometheus.Labels{"result": result}).Inc()
	r.pullDuration.Observe(elapsed.Seconds())
}
