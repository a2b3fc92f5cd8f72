// Package metrics defines the Prometheus instrumentation for the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors the session and dispatch layers update.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsEvicted   *prometheus.CounterVec
	Executions        *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
}

// New registers all collectors with reg and returns them. Tests pass a
// fresh prometheus.NewRegistry() to avoid global registration conflicts.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "executor_active_sessions",
			Help: "Number of live execution sessions.",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "executor_sessions_created_total",
			Help: "Total number of sessions created.",
		}),
		SessionsEvicted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "executor_sessions_destroyed_total",
			Help: "Total number of sessions destroyed, by reason.",
		}, []string{"reason"}),
		Executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "executor_executions_total",
			Help: "Total number of execution calls, by outcome.",
		}, []string{"status"}),
		ExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "executor_execution_duration_seconds",
			Help:    "Wall-clock duration of execution calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
	}
}
