// Package api exposes the handwriting service over HTTP: downloads,
// entitlement checks, generation, payment callbacks and the admin surface.
package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/handwrite/internal/artifact"
	"github.com/rcourtman/handwrite/internal/clock"
	"github.com/rcourtman/handwrite/internal/hostmetrics"
	"github.com/rcourtman/handwrite/internal/ledger"
	"github.com/rcourtman/handwrite/internal/orchestrator"
	"github.com/rcourtman/handwrite/internal/payment"
)

const (
	maxRequestBody = 1 << 20 // 1 MiB; generate text is capped well below this

	defaultGenerateLimit  = 100
	defaultGenerateWindow = 5 * time.Minute
	defaultPreviewLimit   = 200
	defaultPreviewWindow  = 5 * time.Minute
	defaultWebhookLimit   = 120
	defaultWebhookWindow  = time.Minute
)

// HostSource reports the latest host utilisation sample.
type HostSource interface {
	Snapshot() hostmetrics.Snapshot
}

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Ledger       ledger.Ledger
	Store        *artifact.Store
	Reconciler   *artifact.Reconciler // optional
	Orchestrator *orchestrator.Orchestrator
	Payments     *payment.Service
	Host         HostSource // optional
	Clock        clock.Clock

	WebhookSecret string
	// AdminKey returns the current admin key, plain or bcrypt-hashed.
	AdminKey       func() string
	FreeMode       func() bool
	AllowedOrigins []string
	PublicMetrics  bool
	Version        string
	// Proxies may set X-Forwarded-For for rate limiting; nil trusts none.
	Proxies *ProxyTrust

	GenerateLimiter *RateLimiter
	PreviewLimiter  *RateLimiter
	WebhookLimiter  *RateLimiter
}

func (d *Deps) withDefaults() {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.AdminKey == nil {
		d.AdminKey = func() string { return "" }
	}
	if d.FreeMode == nil {
		d.FreeMode = func() bool { return false }
	}
	if d.GenerateLimiter == nil {
		d.GenerateLimiter = NewRateLimiter("generate", defaultGenerateLimit, defaultGenerateWindow)
	}
	if d.PreviewLimiter == nil {
		d.PreviewLimiter = NewRateLimiter("preview", defaultPreviewLimit, defaultPreviewWindow)
	}
	if d.WebhookLimiter == nil {
		d.WebhookLimiter = NewRateLimiter("webhook", defaultWebhookLimit, defaultWebhookWindow)
	}
	for _, rl := range []*RateLimiter{d.GenerateLimiter, d.PreviewLimiter, d.WebhookLimiter} {
		rl.trust = d.Proxies
	}
}

// NewRouter returns the complete HTTP handler including middleware.
func NewRouter(deps Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, &deps)
	return ErrorHandler(CORS(deps.AllowedOrigins, mux))
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	deps.withDefaults()
	h := &handlers{deps: deps}
	adminAuth := func(next http.HandlerFunc) http.Handler {
		return AdminKeyMiddleware(deps.AdminKey, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)

	metricsHandler := promhttp.Handler()
	if deps.PublicMetrics {
		mux.Handle("GET /metrics", metricsHandler)
	} else {
		mux.Handle("GET /metrics", AdminKeyMiddleware(deps.AdminKey, metricsHandler))
	}

	// Public API
	mux.HandleFunc("GET /artifact/{id}", h.handleDownload)
	mux.HandleFunc("GET /entitlement/{code}", h.handleVerify)
	mux.HandleFunc("POST /entitlement/{code}/consume", h.handleConsume)
	mux.Handle("POST /api/generate", deps.GenerateLimiter.Middleware(http.HandlerFunc(h.handleGenerate)))
	mux.Handle("POST /api/preview", deps.PreviewLimiter.Middleware(http.HandlerFunc(h.handlePreview)))
	mux.HandleFunc("GET /api/packages", h.handlePackages)
	mux.HandleFunc("GET /api/orders/{order_ref}/entitlement", h.handleOrderEntitlement)

	// Payment webhook (signature-authenticated)
	webhookHandler := payment.NewWebhookHandler(deps.WebhookSecret, deps.Payments)
	mux.Handle("POST /api/payment/webhook", deps.WebhookLimiter.Middleware(webhookHandler))

	// Admin API (key-authenticated)
	mux.Handle("GET /admin/status", adminAuth(h.handleStatus))
	mux.Handle("POST /admin/entitlements", adminAuth(h.handleIssue))
	mux.Handle("GET /admin/entitlements", adminAuth(h.handleList))
	mux.Handle("PATCH /admin/entitlements/{code}", adminAuth(h.handleAdjust))
	mux.Handle("DELETE /admin/entitlements/{code}", adminAuth(h.handleDelete))
	mux.Handle("GET /admin/entitlements/{code}/usage", adminAuth(h.handleUsage))
	mux.Handle("POST /admin/orders", adminAuth(h.handleCreateOrder))
	mux.Handle("POST /admin/artifacts/sweep", adminAuth(h.handleSweep))
	mux.Handle("POST /admin/artifacts/reconcile", adminAuth(h.handleReconcile))
}

type handlers struct {
	deps *Deps
}
