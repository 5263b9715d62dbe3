// Package metrics defines the Prometheus instrumentation for the voice
// orchestrator: task throughput and outcomes, provider health, scheduler
// fires, and artifact retention sweeps.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/book-expert/voice-orchestrator/internal/core"
)

const namespace = "voice_orchestrator"

// Numeric encoding of provider status for the health gauge.
var statusValues = map[core.ProviderStatus]float64{
	core.ProviderUninitialized: 0,
	core.ProviderInitializing:  1,
	core.ProviderEnabled:       2,
	core.ProviderDisabled:      3,
	core.ProviderHealthy:       4,
	core.ProviderDegraded:      5,
	core.ProviderFailed:        6,
}

// Metrics bundles every collector on a private registry. A nil *Metrics is
// valid and records nothing, so tests can pass nil.
type Metrics struct {
	registry *prometheus.Registry

	tasksSubmitted   *prometheus.CounterVec
	tasksCompleted   *prometheus.CounterVec
	taskRetries      *prometheus.CounterVec
	tasksInFlight    *prometheus.GaugeVec
	handlerDuration  *prometheus.HistogramVec
	providerHealth   *prometheus.GaugeVec
	providerChecks   *prometheus.CounterVec
	providerSelected *prometheus.CounterVec
	schedulerFires   *prometheus.CounterVec
	artifactsCleaned prometheus.Counter
	queuePending     *prometheus.GaugeVec
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	metrics := &Metrics{
		registry: registry,
		tasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted by the queue, by domain.",
		}, []string{"domain"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Tasks reaching a terminal state, by domain and state.",
		}, []string{"domain", "state"}),
		taskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Retry re-deliveries scheduled, by domain.",
		}, []string{"domain"}),
		tasksInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Tasks currently executing, by domain.",
		}, []string{"domain"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time, by domain.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"domain"}),
		providerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_status",
			Help: "Provider status: 0 uninitialized, 1 initializing, 2 enabled, " +
				"3 disabled, 4 healthy, 5 degraded, 6 failed.",
		}, []string{"provider"}),
		providerChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_health_checks_total",
			Help:      "Health probes, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		providerSelected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_selected_total",
			Help:      "Provider selections, by domain and provider.",
		}, []string{"domain", "provider"}),
		schedulerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_fires_total",
			Help:      "Schedule entries fired, by entry name.",
		}, []string{"entry"}),
		artifactsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_cleaned_total",
			Help:      "Artifacts deleted by the retention janitor.",
		}),
		queuePending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Messages waiting per named queue, from the stats refresh job.",
		}, []string{"queue"}),
	}

	registry.MustRegister(
		metrics.tasksSubmitted,
		metrics.tasksCompleted,
		metrics.taskRetries,
		metrics.tasksInFlight,
		metrics.handlerDuration,
		metrics.providerHealth,
		metrics.providerChecks,
		metrics.providerSelected,
		metrics.schedulerFires,
		metrics.artifactsCleaned,
		metrics.queuePending,
	)

	return metrics
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TaskSubmitted records one accepted submission.
func (m *Metrics) TaskSubmitted(domain core.Domain) {
	if m == nil {
		return
	}

	m.tasksSubmitted.WithLabelValues(string(domain)).Inc()
}

// TaskCompleted records a terminal transition.
func (m *Metrics) TaskCompleted(domain core.Domain, state core.TaskState) {
	if m == nil {
		return
	}

	m.tasksCompleted.WithLabelValues(string(domain), string(state)).Inc()
}

// TaskRetried records one scheduled retry.
func (m *Metrics) TaskRetried(domain core.Domain) {
	if m == nil {
		return
	}

	m.taskRetries.WithLabelValues(string(domain)).Inc()
}

// TaskStarted marks a task entering execution.
func (m *Metrics) TaskStarted(domain core.Domain) {
	if m == nil {
		return
	}

	m.tasksInFlight.WithLabelValues(string(domain)).Inc()
}

// TaskFinished marks a task leaving execution and records its duration.
func (m *Metrics) TaskFinished(domain core.Domain, seconds float64) {
	if m == nil {
		return
	}

	m.tasksInFlight.WithLabelValues(string(domain)).Dec()
	m.handlerDuration.WithLabelValues(string(domain)).Observe(seconds)
}

// ProviderStatus publishes the numeric encoding of a provider's status.
func (m *Metrics) ProviderStatus(providerID string, status core.ProviderStatus) {
	if m == nil {
		return
	}

	m.providerHealth.WithLabelValues(providerID).Set(statusValues[status])
}

// ProviderChecked records one health probe outcome.
func (m *Metrics) ProviderChecked(providerID string, healthy bool) {
	if m == nil {
		return
	}

	outcome := "failure"
	if healthy {
		outcome = "success"
	}

	m.providerChecks.WithLabelValues(providerID, outcome).Inc()
}

// ProviderSelected records one routing decision.
func (m *Metrics) ProviderSelected(domain core.Domain, providerID string) {
	if m == nil {
		return
	}

	m.providerSelected.WithLabelValues(string(domain), providerID).Inc()
}

// SchedulerFired records one schedule entry firing.
func (m *Metrics) SchedulerFired(entry string) {
	if m == nil {
		return
	}

	m.schedulerFires.WithLabelValues(entry).Inc()
}

// ArtifactsCleaned records janitor deletions.
func (m *Metrics) ArtifactsCleaned(count int) {
	if m == nil {
		return
	}

	m.artifactsCleaned.Add(float64(count))
}

// QueuePending publishes the backlog depth of a named queue.
func (m *Metrics) QueuePending(queue string, pending float64) {
	if m == nil {
		return
	}

	m.queuePending.WithLabelValues(queue).Set(pending)
}
