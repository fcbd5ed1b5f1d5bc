package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	NAMESPACE = "hypervisor"
	SUBSYSTEM = "core"
)

const (
	SchedulingPass = "scheduling"
	CleanupPass    = "cleanup"
)

type Metrics struct {
	// Deployments admitted, by resulting status.
	admittedDeployments *prometheus.CounterVec
	// Deployments promoted from QUEUED to IN_PROGRESS by the scheduling pass.
	scheduledDeployments prometheus.Counter
	// Stale queue entries removed, by reason.
	prunedEntries *prometheus.CounterVec
	// Terminal deployments finalized by the cleanup pass, by outcome.
	finalizedDeployments *prometheus.CounterVec
	// Errors encountered per entry, by pass.
	entryErrors             *prometheus.CounterVec
	capacityInconsistencies prometheus.Counter
	queuePushFailures       prometheus.Counter
	queueLength             prometheus.Gauge
	passDuration            *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		admittedDeployments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: NAMESPACE,
				Subsystem: SUBSYSTEM,
				Name:      "admitted_deployments_total",
				Help:      "Number of deployments admitted, by resulting status.",
			},
			[]string{"status"},
		),
		scheduledDeployments: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: NAMESPACE,
				Subsystem: SUBSYSTEM,
				Name:      "scheduled_deployments_total",
				Help:      "Number of queued deployments promoted by the scheduling pass.",
			},
		),
		prunedEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: NAMESPACE,
				Subsystem: SUBSYSTEM,
				Name:      "pruned_queue_entries_total",
				Help:      "Number of stale queue entries removed, by reason.",
			},
			[]string{"reason"},
		),
		finalizedDeployments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: NAMESPACE,
				Subsystem: SUBSYSTEM,
				Name:      "finalized_deployments_total",
				Help:      "Number of terminal deployments finalized by the cleanup pass, by outcome.",
			},
			[]string{"outcome"},
		),
		entryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: NAMESPACE,
				Subsystem: SUBSYSTEM,
				Name:      "entry_errors_total",
				Help:      "Number of errors raised while processing a single entry, by pass.",
			},
			[]string{"pass"},
		),
		capacityInconsistencies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: NAMESPACE,
				Subsystem: SUBSYSTEM,
				Name:      "capacity_inconsistencies_total",
				Help:      "Number of times a cluster was found with more allocated than its total capacity.",
			},
		),
		queuePushFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: NAMESPACE,
				Subsystem: SUBSYSTEM,
				Name:      "queue_push_failures_total",
				Help:      "Number of queued deployments that couldn't be pushed to the priority queue after retries.",
			},
		),
		queueLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: NAMESPACE,
				Subsystem: SUBSYSTEM,
				Name:      "queue_length",
				Help:      "Number of entries in the priority queue at the start of the last scheduling pass.",
			},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: NAMESPACE,
				Subsystem: SUBSYSTEM,
				Name:      "pass_duration_seconds",
				Help:      "Duration of the scheduling and cleanup passes.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"pass"},
		),
	}
	registerer.MustRegister(
		m.admittedDeployments,
		m.scheduledDeployments,
		m.prunedEntries,
		m.finalizedDeployments,
		m.entryErrors,
		m.capacityInconsistencies,
		m.queuePushFailures,
		m.queueLength,
		m.passDuration,
	)
	return m
}

func (m *Metrics) ReportAdmitted(status string) {
	m.admittedDeployments.WithLabelValues(status).Inc()
}

func (m *Metrics) ReportScheduled() {
	m.scheduledDeployments.Inc()
}

func (m *Metrics) ReportPruned(reason string) {
	m.prunedEntries.WithLabelValues(reason).Inc()
}

func (m *Metrics) ReportFinalized(outcome string) {
	m.finalizedDeployments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReportEntryError(pass string) {
	m.entryErrors.WithLabelValues(pass).Inc()
}

func (m *Metrics) ReportCapacityInconsistency() {
	m.capacityInconsistencies.Inc()
}

func (m *Metrics) ReportQueuePushFailure() {
	m.queuePushFailures.Inc()
}

func (m *Metrics) ReportQueueLength(n int) {
	m.queueLength.Set(float64(n))
}

func (m *Metrics) ReportPassDuration(pass string, d time.Duration) {
	m.passDuration.WithLabelValues(pass).Observe(d.Seconds())
}
