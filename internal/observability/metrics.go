// Package observability exposes Prometheus metrics for rollout.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/app"
	"github.com/relicta-tech/rollout/internal/domain/rollout/policy"
	"github.com/relicta-tech/rollout/internal/infrastructure/notify"
)

const namespace = "rollout"

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics records lifecycle, notification and HTTP metrics on its own
// registry.
type Metrics struct {
	registry *prometheus.Registry

	releasesCreated  *prometheus.CounterVec
	readiness        *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	releasesRemoved  *prometheus.CounterVec
	activeReleases   prometheus.Gauge
	notifications    *prometheus.CounterVec
	notifyLatency    *prometheus.HistogramVec
	requestTotal     *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	deploymentEvents *prometheus.CounterVec
}

var (
	_ app.Metrics             = (*Metrics)(nil)
	_ notify.DeliveryRecorder = (*Metrics)(nil)
)

// NewMetrics creates Metrics and registers its collectors, along with the
// Go runtime and process collectors.
func NewMetrics(version string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		releasesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_created_total",
			Help:      "Releases created, by project and policy.",
		}, []string{"project", "policy"}),
		readiness: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readiness_outcomes_total",
			Help:      "How readiness waits ended.",
		}, []string{"project", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Lifecycle transitions surfaced to users.",
		}, []string{"project", "phase"}),
		releasesRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_removed_total",
			Help:      "Release records removed, by reason.",
		}, []string{"project", "reason"}),
		activeReleases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_releases",
			Help:      "Releases currently tracked.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Notification deliveries by backend, operation and status.",
		}, []string{"backend", "operation", "status"}),
		notifyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "delivery_duration_seconds",
			Help:      "Latency of notification deliveries.",
			Buckets:   histogramBuckets,
		}, []string{"backend"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of processed HTTP requests.",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers.",
			Buckets:   histogramBuckets,
		}, []string{"method", "route"}),
		deploymentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployment_events_total",
			Help:      "Deployment events received, by source and outcome.",
		}, []string{"source", "outcome"}),
	}

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information.",
	}, []string{"version"})
	buildInfo.WithLabelValues(version).Set(1)

	m.registry.MustRegister(
		m.releasesCreated, m.readiness, m.transitions, m.releasesRemoved,
		m.activeReleases, m.notifications, m.notifyLatency,
		m.requestTotal, m.requestLatency, m.deploymentEvents, buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ReleaseCreated counts a created release.
func (m *Metrics) ReleaseCreated(project string, kind policy.Kind) {
	m.releasesCreated.WithLabelValues(project, string(kind)).Inc()
	m.activeReleases.Inc()
}

// ReadinessResolved counts how a readiness wait ended.
func (m *Metrics) ReadinessResolved(project, outcome string) {
	m.readiness.WithLabelValues(project, outcome).Inc()
}

// TransitionSurfaced counts a surfaced transition.
func (m *Metrics) TransitionSurfaced(project string, phase rollout.Phase) {
	m.transitions.WithLabelValues(project, string(phase)).Inc()
}

// ReleaseRemoved counts a removed release.
func (m *Metrics) ReleaseRemoved(project string, reason app.Reason) {
	m.releasesRemoved.WithLabelValues(project, string(reason)).Inc()
	m.activeReleases.Dec()
}

// SetActiveReleases resets the active release gauge, typically at startup.
func (m *Metrics) SetActiveReleases(n int) {
	m.activeReleases.Set(float64(n))
}

// NotificationDelivered records a notification attempt.
func (m *Metrics) NotificationDelivered(backend, operation string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.notifications.WithLabelValues(backend, operation, status).Inc()
	m.notifyLatency.WithLabelValues(backend).Observe(duration.Seconds())
}

// DeploymentEventReceived counts an inbound deployment event.
func (m *Metrics) DeploymentEventReceived(source string, outcome rollout.Outcome) {
	m.deploymentEvents.WithLabelValues(source, string(outcome)).Inc()
}

// RecordRequest records a served HTTP request.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	m.requestTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}
