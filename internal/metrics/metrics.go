// Package metrics exposes Prometheus instruments for the chat service.
//
// All methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for CarePipe.
type Metrics struct {
	// Registry owns these metrics and backs the /metrics endpoint.
	Registry *prometheus.Registry

	TurnsTotal         *prometheus.CounterVec
	TurnDuration       *prometheus.HistogramVec
	AIRequestsTotal    *prometheus.CounterVec
	FallbacksTotal     *prometheus.CounterVec
	HandoffsTotal      *prometheus.CounterVec
	ValidationFailures *prometheus.CounterVec
	Notifications      *prometheus.CounterVec
	NotificationQueue  *prometheus.GaugeVec
	ActiveSessions     prometheus.Gauge
	HTTPRequestsTotal  *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New creates a private registry and registers every metric in it.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the metrics in reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carepipe_turns_total",
			Help: "Chat turns processed by kind.",
		}, []string{"kind"}),
		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carepipe_turn_duration_seconds",
			Help:    "Time spent processing a chat turn.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		AIRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carepipe_ai_requests_total",
			Help: "Completion backend calls by outcome.",
		}, []string{"outcome"}),
		FallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carepipe_fallbacks_total",
			Help: "AI failures by how the turn degraded.",
		}, []string{"decision"}),
		HandoffsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carepipe_handoffs_total",
			Help: "Completion-stage exits by kind.",
		}, []string{"kind"}),
		ValidationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carepipe_validation_failures_total",
			Help: "Rejected free-text answers by field type.",
		}, []string{"field"}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carepipe_notification_attempts_total",
			Help: "Team notification delivery attempts by outcome.",
		}, []string{"outcome"}),
		NotificationQueue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "carepipe_notification_queue",
			Help: "Queued team notifications by status.",
		}, []string{"status"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "carepipe_active_sessions",
			Help: "Sessions currently held in memory.",
		}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carepipe_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carepipe_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTurn(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(kind).Inc()
	m.TurnDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) RecordAIRequest(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.AIRequestsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordFallback(decision string) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(decision).Inc()
}

func (m *Metrics) RecordHandoff(kind string) {
	if m == nil {
		return
	}
	m.HandoffsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordValidationFailure(field string) {
	if m == nil {
		return
	}
	if field == "" {
		field = "none"
	}
	m.ValidationFailures.WithLabelValues(field).Inc()
}

// RecordNotification counts one delivery attempt. outcome is delivered, retry or dead.
func (m *Metrics) RecordNotification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}

// SetNotificationQueue replaces the per-status queue sizes with counts.
func (m *Metrics) SetNotificationQueue(counts map[string]int) {
	if m == nil {
		return
	}
	m.NotificationQueue.Reset()
	for status, n := range counts {
		m.NotificationQueue.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, http.StatusText(status)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}
