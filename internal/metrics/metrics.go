// Package metrics holds the Prometheus collectors and tracing helpers shared
// by the runtime, the queue worker and the scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "weave"

// Metrics groups every collector the engine reports to. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	JobsProcessed    *prometheus.CounterVec
	JobDuration      prometheus.Histogram
	JobsInFlight     prometheus.Gauge
	LeaseLost        prometheus.Counter
	NodeExecutions   *prometheus.CounterVec
	NodeDuration     *prometheus.HistogramVec
	Executions       *prometheus.CounterVec
	PollOutcomes     *prometheus.CounterVec
	PolledItems      *prometheus.CounterVec
	SchedulerCycles  *prometheus.CounterVec
	QuotaRejections  *prometheus.CounterVec
	ResumeRedemption *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_processed_total",
			Help:      "Queue jobs processed by outcome",
		}, []string{"queue", "outcome"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_job_duration_seconds",
			Help:      "Time spent processing one queue job",
			Buckets:   prometheus.DefBuckets,
		}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs_in_flight",
			Help:      "Jobs currently held by this worker",
		}),
		LeaseLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_lease_lost_total",
			Help:      "Jobs abandoned because their lease could not be renewed",
		}),
		NodeExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Node executions by kind and final status",
		}, []string{"kind", "status"}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node execution time including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Executions by the status a run left them in",
		}, []string{"status"}),
		PollOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polling_outcomes_total",
			Help:      "Polling trigger invocations by outcome",
		}, []string{"app", "outcome"}),
		PolledItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polling_items_total",
			Help:      "Items discovered by polling triggers, by disposition",
		}, []string{"disposition"}),
		SchedulerCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_cycles_total",
			Help:      "Scheduler ticks by result",
		}, []string{"result"}),
		QuotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Enqueue requests rejected by tenant quota",
		}, []string{"reason"}),
		ResumeRedemption: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resume_redemptions_total",
			Help:      "Resume token redemptions by outcome",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.JobsProcessed, m.JobDuration, m.JobsInFlight, m.LeaseLost,
			m.NodeExecutions, m.NodeDuration, m.Executions,
			m.PollOutcomes, m.PolledItems, m.SchedulerCycles,
			m.QuotaRejections, m.ResumeRedemption,
		)
	}
	return m
}

// ObserveJob records one finished queue job.
func (m *Metrics) ObserveJob(queue, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(queue, outcome).Inc()
	m.JobDuration.Observe(d.Seconds())
}

// JobStarted and JobFinished track the in-flight gauge.
func (m *Metrics) JobStarted() {
	if m != nil {
		m.JobsInFlight.Inc()
	}
}

func (m *Metrics) JobFinished() {
	if m != nil {
		m.JobsInFlight.Dec()
	}
}

func (m *Metrics) LeaseLostInc() {
	if m != nil {
		m.LeaseLost.Inc()
	}
}

// ObserveNode records a node reaching a settled status.
func (m *Metrics) ObserveNode(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.NodeExecutions.WithLabelValues(kind, status).Inc()
	m.NodeDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) ObserveExecution(status string) {
	if m != nil {
		m.Executions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) ObservePoll(app, outcome string) {
	if m != nil {
		m.PollOutcomes.WithLabelValues(app, outcome).Inc()
	}
}

// ObservePolledItems counts items by disposition: enqueued, duplicate or failed.
func (m *Metrics) ObservePolledItems(disposition string, n int) {
	if m != nil && n > 0 {
		m.PolledItems.WithLabelValues(disposition).Add(float64(n))
	}
}

func (m *Metrics) ObserveCycle(result string) {
	if m != nil {
		m.SchedulerCycles.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveQuotaRejection(reason string) {
	if m != nil {
		m.QuotaRejections.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ObserveRedemption(outcome string) {
	if m != nil {
		m.ResumeRedemption.WithLabelValues(outcome).Inc()
	}
}
