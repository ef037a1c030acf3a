// Package metrics defines the Prometheus metrics exported on /metrics.
// All Record methods are safe to call on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Webhook metrics
	WebhookDurationSeconds *prometheus.HistogramVec
	WebhookRequestsTotal   *prometheus.CounterVec

	// Routing metrics
	RoutingDecisionsTotal *prometheus.CounterVec

	// Image job metrics
	JobsTotal          *prometheus.CounterVec
	JobDurationSeconds *prometheus.HistogramVec
	JobsInFlight       prometheus.Gauge

	// Image API metrics
	ImageAPIRequestsTotal   *prometheus.CounterVec
	ImageAPIDurationSeconds *prometheus.HistogramVec

	// Gateway metrics
	GatewayMessagesTotal *prometheus.CounterVec

	// Ledger metrics
	LedgerOperationsTotal *prometheus.CounterVec

	// Session metrics
	SessionsSweptTotal prometheus.Counter

	// Rate limiter metrics
	RateLimiterDropped    *prometheus.CounterVec
	RateLimiterActiveKeys *prometheus.GaugeVec

	// Singleflight metrics
	SingleflightDedupTotal *prometheus.CounterVec

	// Backup metrics
	BackupsTotal *prometheus.CounterVec
}

// New creates a new Metrics instance with all metrics registered
func New(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		WebhookDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imagelab_webhook_duration_seconds",
				Help:    "Synchronous webhook event processing duration by event type",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"event_type"}, // event_type: text, image, follow
		),

		WebhookRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagelab_webhook_events_total",
				Help: "Total webhook events by event type and status",
			},
			[]string{"event_type", "status"}, // status: success, error, rate_limited, ignored
		),

		RoutingDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagelab_routing_decisions_total",
				Help: "Router decisions by message kind, dispatch step and selected feature",
			},
			[]string{"kind", "step", "feature"}, // step: global, affinity, probe, session, none
		),

		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagelab_jobs_total",
				Help: "Completed background image jobs by feature and outcome",
			},
			[]string{"feature", "outcome"}, // outcome: success, error, panic
		),

		JobDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imagelab_job_duration_seconds",
				Help:    "Background image job duration by feature",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 180},
			},
			[]string{"feature"},
		),

		JobsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "imagelab_jobs_in_flight",
				Help: "Background image jobs currently running",
			},
		),

		ImageAPIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagelab_image_api_requests_total",
				Help: "Image API calls by provider, operation and status",
			},
			[]string{"provider", "operation", "status"}, // status: success, error, quota
		),

		ImageAPIDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imagelab_image_api_duration_seconds",
				Help:    "Image API call duration by provider and operation",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"provider", "operation"},
		),

		GatewayMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagelab_gateway_messages_total",
				Help: "Outbound reply/push calls by delivery mode",
			},
			[]string{"method", "mode"}, // method: reply, push; mode: live, echo, error
		),

		LedgerOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagelab_ledger_operations_total",
				Help: "Point ledger mutations by type and result",
			},
			[]string{"type", "result"}, // result: ok, insufficient, not_found, error
		),

		SessionsSweptTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "imagelab_sessions_swept_total",
				Help: "Stale session records removed by the janitor",
			},
		),

		RateLimiterDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagelab_rate_limiter_dropped_total",
				Help: "Total number of events dropped by rate limiter",
			},
			[]string{"limiter_type"},
		),

		RateLimiterActiveKeys: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "imagelab_rate_limiter_active_keys",
				Help: "Number of keys currently tracked by a keyed limiter",
			},
			[]string{"limiter_type"},
		),

		SingleflightDedupTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagelab_singleflight_dedup_total",
				Help: "Total number of deduplicated calls (callers that shared another call's result)",
			},
			[]string{"operation"},
		),

		BackupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagelab_backups_total",
				Help: "Database backups by status",
			},
			[]string{"status"},
		),
	}
}

// RecordWebhook records one processed webhook event.
func (m *Metrics) RecordWebhook(eventType, status string, duration float64) {
	if m == nil {
		return
	}
	m.WebhookDurationSeconds.WithLabelValues(eventType).Observe(duration)
	m.WebhookRequestsTotal.WithLabelValues(eventType, status).Inc()
}

// RecordRouting records which dispatch step selected which feature.
// feature is empty when no handler matched.
func (m *Metrics) RecordRouting(kind, step, feature string) {
	if m == nil {
		return
	}
	if feature == "" {
		feature = "none"
	}
	m.RoutingDecisionsTotal.WithLabelValues(kind, step, feature).Inc()
}

// JobStarted increments the in-flight gauge.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsInFlight.Inc()
}

// RecordJob records a finished job and decrements the in-flight gauge.
func (m *Metrics) RecordJob(feature, outcome string, duration float64) {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
	m.JobsTotal.WithLabelValues(feature, outcome).Inc()
	m.JobDurationSeconds.WithLabelValues(feature).Observe(duration)
}

// RecordImageAPI records one image API call.
func (m *Metrics) RecordImageAPI(provider, operation, status string, duration float64) {
	if m == nil {
		return
	}
	m.ImageAPIRequestsTotal.WithLabelValues(provider, operation, status).Inc()
	m.ImageAPIDurationSeconds.WithLabelValues(provider, operation).Observe(duration)
}

// RecordGateway records one outbound reply or push.
func (m *Metrics) RecordGateway(method, mode string) {
	if m == nil {
		return
	}
	m.GatewayMessagesTotal.WithLabelValues(method, mode).Inc()
}

// RecordLedger records one ledger mutation attempt.
func (m *Metrics) RecordLedger(txType, result string) {
	if m == nil {
		return
	}
	m.LedgerOperationsTotal.WithLabelValues(txType, result).Inc()
}

// RecordSessionsSwept adds n removed sessions.
func (m *Metrics) RecordSessionsSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsSweptTotal.Add(float64(n))
}

// RecordRateLimiterDrop records a dropped event.
func (m *Metrics) RecordRateLimiterDrop(limiterType string) {
	if m == nil {
		return
	}
	m.RateLimiterDropped.WithLabelValues(limiterType).Inc()
}

// SetRateLimiterKeys reports how many keys a limiter tracks.
func (m *Metrics) SetRateLimiterKeys(limiterType string, count int) {
	if m == nil {
		return
	}
	m.RateLimiterActiveKeys.WithLabelValues(limiterType).Set(float64(count))
}

// RecordSingleflightDedup records a caller that shared an in-flight result.
func (m *Metrics) RecordSingleflightDedup(operation string) {
	if m == nil {
		return
	}
	m.SingleflightDedupTotal.WithLabelValues(operation).Inc()
}

// RecordBackup records a backup attempt.
func (m *Metrics) RecordBackup(status string) {
	if m == nil {
		return
	}
	m.BackupsTotal.WithLabelValues(status).Inc()
}
