// Package observability holds the Prometheus metrics for the processing
// pipeline. All record methods are safe on a nil receiver so callers can run
// without metrics wired.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics holds all Prometheus metrics for the pipeline.
type PipelineMetrics struct {
	// Run metrics
	RunsTotal  *prometheus.CounterVec
	RunSeconds *prometheus.HistogramVec

	// Step metrics
	StepOutcomesTotal *prometheus.CounterVec
	StepSeconds       *prometheus.HistogramVec

	// Credits metrics
	CreditsOperationsTotal *prometheus.CounterVec

	// Dispatch metrics
	QueueDepth       *prometheus.GaugeVec
	QueueItemsTotal  *prometheus.CounterVec
	DLQItemsTotal    *prometheus.CounterVec
	LockSkippedTotal *prometheus.CounterVec
}

// DefaultPipelineMetrics creates metrics on the default registerer.
func DefaultPipelineMetrics() *PipelineMetrics {
	return NewPipelineMetrics(prometheus.DefaultRegisterer)
}

// NewPipelineMetrics creates a new set of pipeline metrics.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)

	return &PipelineMetrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inlet_pipeline_runs_total",
				Help: "Total pipeline runs by outcome",
			},
			[]string{"outcome"},
		),
		RunSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inlet_pipeline_run_seconds",
				Help:    "End-to-end pipeline run latency",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		StepOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inlet_step_outcomes_total",
				Help: "Total step executions by outcome",
			},
			[]string{"step", "outcome"},
		),
		StepSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inlet_step_seconds",
				Help:    "Step execution latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"step"},
		),
		CreditsOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inlet_credits_operations_total",
				Help: "Total credit ledger operations",
			},
			[]string{"operation", "status"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "inlet_queue_depth",
				Help: "Current dispatch queue depth",
			},
			[]string{"queue"},
		),
		QueueItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inlet_queue_items_total",
				Help: "Total items entering the dispatch queue",
			},
			[]string{"queue"},
		),
		DLQItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inlet_dlq_items_total",
				Help: "Total items moved to the dead letter queue",
			},
			[]string{"queue"},
		),
		LockSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inlet_lock_skipped_total",
				Help: "Total runs skipped because the task lock was held",
			},
			[]string{"lock"},
		),
	}
}

// RecordRun records a completed pipeline run.
func (m *PipelineMetrics) RecordRun(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunSeconds.WithLabelValues(outcome).Observe(seconds)
}

// RecordStep records one step execution.
func (m *PipelineMetrics) RecordStep(step, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.StepOutcomesTotal.WithLabelValues(step, outcome).Inc()
	m.StepSeconds.WithLabelValues(step).Observe(seconds)
}

// RecordCreditsOperation records a ledger operation.
func (m *PipelineMetrics) RecordCreditsOperation(operation, status string) {
	if m == nil {
		return
	}
	m.CreditsOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordQueueDepth sets the current queue depth.
func (m *PipelineMetrics) RecordQueueDepth(queue string, depth float64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(depth)
}

// RecordEnqueue records an item entering the queue.
func (m *PipelineMetrics) RecordEnqueue(queue string) {
	if m == nil {
		return
	}
	m.QueueItemsTotal.WithLabelValues(queue).Inc()
}

// RecordDLQItem records an item moved to the dead letter queue.
func (m *PipelineMetrics) RecordDLQItem(queue string) {
	if m == nil {
		return
	}
	m.DLQItemsTotal.WithLabelValues(queue).Inc()
}

// RecordLockSkipped records a run skipped because the lock was held.
func (m *PipelineMetrics) RecordLockSkipped(lock string) {
	if m == nil {
		return
	}
	m.LockSkippedTotal.WithLabelValues(lock).Inc()
}
