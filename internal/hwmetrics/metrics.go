package hwmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerOperations counts ledger calls by operation and outcome (ok or error type).
	LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handwrite",
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Ledger operations by operation and outcome.",
	}, []string{"operation", "outcome"})

	// UnitsConsumed counts units drawn from quantity entitlements.
	UnitsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "handwrite",
		Subsystem: "ledger",
		Name:      "units_consumed_total",
		Help:      "Units consumed from quantity entitlements.",
	})

	// ArtifactsByState tracks artifacts known to the store by deletion state.
	ArtifactsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "handwrite",
		Subsystem: "artifact",
		Name:      "artifacts_by_state",
		Help:      "Number of artifacts by deletion state.",
	}, []string{"state"})

	// DeletionAttempts counts physical deletion attempts by result.
	DeletionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handwrite",
		Subsystem: "artifact",
		Name:      "deletion_attempts_total",
		Help:      "Artifact deletion attempts by result (removed, failed, deferred).",
	}, []string{"result"})

	// ReconciledTotal counts resources reclaimed by the deferred reconciler.
	ReconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handwrite",
		Subsystem: "artifact",
		Name:      "reconciled_total",
		Help:      "Resources reclaimed by the reconciler by source (marker, orphan).",
	}, []string{"source"})

	// GenerationsTotal counts generation requests by outcome.
	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handwrite",
		Subsystem: "generate",
		Name:      "requests_total",
		Help:      "Generation and preview requests by format and outcome.",
	}, []string{"format", "outcome"})

	// GenerationDuration tracks end-to-end generation latency.
	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "handwrite",
		Subsystem: "generate",
		Name:      "duration_seconds",
		Help:      "Generation duration in seconds, render through persist.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"format"})

	// AdmissionRejections counts generation requests turned away before rendering.
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handwrite",
		Subsystem: "generate",
		Name:      "admission_rejections_total",
		Help:      "Generation requests rejected by admission control by reason.",
	}, []string{"reason"})

	// WebhookRequestsTotal counts payment webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handwrite",
		Subsystem: "payment",
		Name:      "webhook_requests_total",
		Help:      "Total payment webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks payment webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "handwrite",
		Subsystem: "payment",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// HTTPRequestDuration tracks API latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "handwrite",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration observed at the API layer.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method", "route", "status"})

	// HTTPRequestsTotal counts API requests by route pattern and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handwrite",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled by the API.",
	}, []string{"method", "route", "status"})

	// RateLimited counts requests rejected by the per-IP limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handwrite",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-IP rate limiter by limiter name.",
	}, []string{"limiter"})

	// HTTPRequestErrors counts responses with status >= 400 by class.
	HTTPRequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handwrite",
		Subsystem: "http",
		Name:      "request_errors_total",
		Help:      "Total number of HTTP errors surfaced to clients.",
	}, []string{"method", "route", "status_class"})
)
