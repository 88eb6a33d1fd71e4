// Package metrics exposes the Prometheus collectors fastflow-core publishes
// over /metrics: run throughput, active run count, run duration, and the
// circuit breakers' open/closed state. Call Handler to mount the endpoint;
// the Record* functions are called from the orchestrator and resilience
// packages as runs and breaker transitions happen.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector this process registers, kept separate from
// the global default registry so tests can construct their own.
var Registry = prometheus.NewRegistry()

var (
	runsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fastflow",
			Subsystem: "runs",
			Name:      "submitted_total",
			Help:      "Total number of pipeline runs submitted, by trigger source.",
		},
		[]string{"pipeline", "triggered_by"},
	)

	runsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fastflow",
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Total number of pipeline runs that reached a terminal status.",
		},
		[]string{"pipeline", "status"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fastflow",
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of a pipeline run from submission to finalisation.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		},
		[]string{"pipeline", "status"},
	)

	activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fastflow",
			Subsystem: "runs",
			Name:      "active",
			Help:      "Current number of runs with a live backend workload.",
		},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fastflow",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"name"},
	)
)

func init() {
	Registry.MustRegister(
		runsSubmitted,
		runsFinished,
		runDuration,
		activeRuns,
		breakerState,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler serving the registered collectors in the
// Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordSubmitted increments the submitted-run counter for a pipeline.
func RecordSubmitted(pipeline, triggeredBy string) {
	runsSubmitted.WithLabelValues(pipeline, triggeredBy).Inc()
}

// RecordFinished increments the finished-run counter and observes the run's
// total duration, both labelled by terminal status.
func RecordFinished(pipeline, status string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	runsFinished.WithLabelValues(pipeline, status).Inc()
	runDuration.WithLabelValues(pipeline, status).Observe(duration.Seconds())
}

// IncActive and DecActive track the number of runs with a live workload.
func IncActive() { activeRuns.Inc() }
func DecActive() { activeRuns.Dec() }

// RecordBreakerState publishes a circuit breaker's current state (0 closed,
// 1 half-open, 2 open) under its name.
func RecordBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}
