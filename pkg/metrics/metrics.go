// Package metrics holds the prometheus collectors of the reconciliation engine.
// They are registered on the controller-runtime registry so they are served
// by the manager's metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	kmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	namespace = "kubit"
	subsystem = "reconciler"
)

var (
	// JobsLaunched counts Jobs created by the engine, by kind (apply, cleanup).
	JobsLaunched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "jobs_launched_total",
		Help:      "Number of Jobs created by the reconciler.",
	}, []string{"kind"})

	// JobsTerminated counts observed apply Job terminations, by outcome.
	JobsTerminated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "jobs_terminated_total",
		Help:      "Number of apply Jobs observed terminated.",
	}, []string{"outcome"})

	// ReconcileErrors counts reconciliations handed to the error policy.
	ReconcileErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "errors_total",
		Help:      "Number of failed reconciliations, by reason.",
	}, []string{"reason"})

	// DeletionWait observes how long the finalizer waited on Jobs.
	DeletionWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "deletion_wait_seconds",
		Help:      "Time spent waiting for Jobs during deletion.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"step"})
)

func init() {
	kmetrics.Registry.MustRegister(
		JobsLaunched,
		JobsTerminated,
		ReconcileErrors,
		DeletionWait,
	)
}
