package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the run engine.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	RetriesTotal  prometheus.Counter
	StageDuration *prometheus.HistogramVec
	IssuesTotal   *prometheus.CounterVec
	DispatchTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the engine metrics once per process.
//
// Metrics:
//   - orchestrator_runs_total{status} - runs reaching a terminal status
//   - orchestrator_retries_total - review loop re-entries
//   - orchestrator_stage_duration_seconds{stage} - stage latency
//   - orchestrator_review_issues_total{category,severity} - sentinel findings
//   - orchestrator_dispatch_total{plugin,outcome} - plugin dispatches
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "orchestrator_runs_total",
					Help: "Total number of runs by terminal status",
				},
				[]string{"status"},
			),
			RetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "orchestrator_retries_total",
				Help: "Total number of retry attempts",
			}),
			StageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "orchestrator_stage_duration_seconds",
					Help:    "Duration of stage execution in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"stage"},
			),
			IssuesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "orchestrator_review_issues_total",
					Help: "Total number of review issues",
				},
				[]string{"category", "severity"},
			),
			DispatchTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "orchestrator_dispatch_total",
					Help: "Total number of plugin dispatches",
				},
				[]string{"plugin", "outcome"}, // "ok", "partial", "error", "replayed"
			),
		}
	})
	return globalMetrics
}
