package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/rcourtman/handwrite/internal/artifact"
	"github.com/rcourtman/handwrite/internal/clock"
	"github.com/rcourtman/handwrite/internal/hostmetrics"
	"github.com/rcourtman/handwrite/internal/ledger"
	"github.com/rcourtman/handwrite/internal/orchestrator"
	"github.com/rcourtman/handwrite/internal/payment"
	"github.com/rcourtman/handwrite/internal/render"
)

const testAdminKey = "admin-secret-key"

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedHost struct{}

func (fixedHost) Snapshot() hostmetrics.Snapshot {
	return hostmetrics.Snapshot{CPUUsagePercent: 12.5, MemoryUsagePercent: 40}
}

type testServer struct {
	handler  http.Handler
	ledger   *ledger.MemoryLedger
	store    *artifact.Store
	clock    *clock.Fake
	adminKey string
}

func newTestServer(t *testing.T, mutate ...func(*Deps)) *testServer {
	t.Helper()
	ts := &testServer{clock: clock.NewFake(testStart), adminKey: testAdminKey}
	ts.ledger = ledger.NewMemoryLedger(ts.clock)

	store, err := artifact.NewStore(artifact.Options{Root: t.TempDir(), Clock: ts.clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ts.store = store

	deps := Deps{
		Ledger:     ts.ledger,
		Store:      store,
		Reconciler: artifact.NewReconciler(store, time.Hour),
		Orchestrator: orchestrator.New(orchestrator.Options{
			Ledger:   ts.ledger,
			Store:    store,
			Renderer: render.NewPlaceholderRenderer(),
			Clock:    ts.clock,
		}),
		Payments:       payment.NewService(ts.ledger, ts.clock),
		Host:           fixedHost{},
		Clock:          ts.clock,
		WebhookSecret:  "whsec_test",
		AdminKey:       func() string { return ts.adminKey },
		AllowedOrigins: []string{"https://*.example.com"},
		Version:        "test",
	}
	for _, m := range mutate {
		m(&deps)
	}
	ts.handler = NewRouter(deps)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "198.51.100.7:4000"
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, method, path, body, "X-Admin-Key", testAdminKey)
}

func (ts *testServer) issue(t *testing.T, units int) string {
	t.Helper()
	rec, err := ts.ledger.Issue(context.Background(), ledger.IssueRequest{Mode: ledger.ModeQuantity, Units: units})
	require.NoError(t, err)
	return rec.Code
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func smallStyle() render.Style {
	return render.Style{
		Width: 200, Height: 160, FontSize: 10, LineSpacing: 20,
		LeftMargin: 10, TopMargin: 10, RightMargin: 10, BottomMargin: 10,
	}
}

func TestHealthAndReadiness(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ready := decode[readyResponse](t, rec)
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, 12.5, ready.CPUUsage)
}

func TestGenerateThenDownload(t *testing.T) {
	ts := newTestServer(t)
	code := ts.issue(t, 2)

	rec := ts.do(t, http.MethodPost, "/api/generate", orchestrator.Request{Text: "hello world", Code: code, Style: smallStyle()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[orchestrator.Result](t, rec)
	assert.Equal(t, "pdf", res.FileType)
	assert.Equal(t, 3600, res.ExpiresIn)
	require.NotNil(t, res.Remaining)
	assert.Equal(t, 1, *res.Remaining)

	rec = ts.do(t, http.MethodGet, res.DownloadURL, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "handwriting.pdf")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")))

	ts.clock.Advance(2 * time.Hour)
	rec = ts.do(t, http.MethodGet, res.DownloadURL, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "gone", decode[APIError](t, rec).Code)
}

func TestDownloadUnknownArtifact(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/artifact/01ARZ3NDEKTSV4RRFFQ69G5FAV", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGenerateErrors(t *testing.T) {
	ts := newTestServer(t)
	code := ts.issue(t, 1)

	rec := ts.do(t, http.MethodPost, "/api/generate", map[string]any{"text": "", "code": code})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/generate", map[string]any{"text": "hi", "code": code, "bogus": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	_, err := ts.ledger.Consume(context.Background(), code, 1)
	require.NoError(t, err)
	rec = ts.do(t, http.MethodPost, "/api/generate", orchestrator.Request{Text: "hi", Code: code, Style: smallStyle()})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/generate", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEntitlementStatusMapping(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	code := ts.issue(t, 1)

	rec := ts.do(t, http.MethodGet, "/entitlement/"+code, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[map[string]any](t, rec)
	assert.Equal(t, true, view["valid"])
	assert.Equal(t, float64(1), view["remaining_units"])

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/entitlement/12ab", nil).Code)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/entitlement/"+code+"/consume", nil).Code)
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/entitlement/"+code+"/consume", nil).Code)

	deleted := ts.issue(t, 5)
	require.NoError(t, ts.ledger.Delete(ctx, deleted))
	assert.Equal(t, http.StatusPaymentRequired, ts.do(t, http.MethodPost, "/entitlement/"+deleted+"/consume", nil).Code)

	sub, err := ts.ledger.Issue(ctx, ledger.IssueRequest{Mode: ledger.ModeSubscription, Duration: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/entitlement/"+sub.Code+"/consume", map[string]int{"units": 3}).Code)
	ts.clock.Advance(2 * time.Hour)
	rec = ts.do(t, http.MethodPost, "/entitlement/"+sub.Code+"/consume", nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "expired", decode[APIError](t, rec).Code)

	records, err := ts.ledger.List(ctx, ledger.Filter{})
	require.NoError(t, err)
	used := map[string]bool{}
	for _, r := range records {
		used[r.Code] = true
	}
	for _, candidate := range []string{"000000", "000001", "000002"} {
		if !used[candidate] {
			assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/entitlement/"+candidate, nil).Code)
			break
		}
	}
}

func TestPackages(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/packages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[packagesResponse](t, rec)
	assert.Len(t, resp.Packages, 8)
	assert.False(t, resp.FreeMode)
}

func TestAdminRequiresKey(t *testing.T) {
	ts := newTestServer(t)
	body := issueRequest{Mode: ledger.ModeQuantity, Units: 3}

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, "/admin/entitlements", body).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, "/admin/entitlements", body, "X-Admin-Key", "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/metrics", nil).Code)
	assert.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/admin/entitlements", body, "Authorization", "Bearer "+testAdminKey).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/metrics", nil, "X-Admin-Key", testAdminKey).Code)

	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	require.NoError(t, err)
	ts.adminKey = string(hash)
	assert.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/admin/entitlements", body, "X-Admin-Key", "hashed-key").Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, "/admin/entitlements", body, "X-Admin-Key", testAdminKey).Code)

	ts.adminKey = ""
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/admin/entitlements", nil, "X-Admin-Key", "").Code)
}

func TestAdminEntitlementLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.admin(t, http.MethodPost, "/admin/entitlements", issueRequest{Mode: ledger.ModeSubscription, Days: 30})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sub := decode[ledger.Record](t, rec)
	require.NotNil(t, sub.ExpiresAt)
	assert.True(t, testStart.Add(30*24*time.Hour).Equal(*sub.ExpiresAt))

	rec = ts.admin(t, http.MethodPost, "/admin/entitlements", issueRequest{Mode: ledger.ModeQuantity, Units: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.admin(t, http.MethodPost, "/admin/entitlements", issueRequest{Mode: ledger.ModeQuantity, Units: 4})
	require.Equal(t, http.StatusCreated, rec.Code)
	qty := decode[ledger.Record](t, rec)

	rec = ts.admin(t, http.MethodPatch, "/admin/entitlements/"+qty.Code, map[string]int{"remaining_units": 0})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ledger.StatusExhausted, decode[ledger.Record](t, rec).Status)

	rec = ts.admin(t, http.MethodPatch, "/admin/entitlements/"+qty.Code, map[string]int{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.admin(t, http.MethodGet, "/admin/entitlements?status=exhausted", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[listResponse](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, qty.Code, list.Entitlements[0].Code)

	assert.Equal(t, http.StatusBadRequest, ts.admin(t, http.MethodGet, "/admin/entitlements?limit=-1", nil).Code)

	require.NoError(t, ts.ledger.RecordUsage(context.Background(), ledger.Usage{Code: sub.Code, Action: ledger.ActionGeneratePDF, CharCount: 12}))
	rec = ts.admin(t, http.MethodGet, "/admin/entitlements/"+sub.Code+"/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	usage := decode[usageResponse](t, rec)
	require.Equal(t, 1, usage.Count)
	assert.Equal(t, 12, usage.Usage[0].CharCount)

	assert.Equal(t, http.StatusNoContent, ts.admin(t, http.MethodDelete, "/admin/entitlements/"+sub.Code, nil).Code)
	rec = ts.do(t, http.MethodGet, "/entitlement/"+sub.Code, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[map[string]any](t, rec)["valid"])
}

func TestAdminIssueWithChosenCode(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.admin(t, http.MethodPost, "/admin/entitlements", issueRequest{Mode: ledger.ModeQuantity, Units: 5, Code: "135790"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "135790", decode[ledger.Record](t, rec).Code)

	rec = ts.admin(t, http.MethodPost, "/admin/entitlements", issueRequest{Mode: ledger.ModeQuantity, Units: 9, Code: "135790"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[APIError](t, rec).ErrorMessage, "already in use")

	rec = ts.admin(t, http.MethodPost, "/admin/entitlements", issueRequest{Mode: ledger.ModeQuantity, Units: 1, Code: "12345"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	records, err := ts.ledger.List(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 5, records[0].TotalUnits)
}

func TestAdminOrderThenLookup(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.admin(t, http.MethodPost, "/admin/orders", createOrderRequest{PackageID: 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decode[payment.Order](t, rec)
	assert.True(t, strings.HasPrefix(order.OrderRef, "ORD"))
	assert.Equal(t, order.OrderRef[len(order.OrderRef)-6:], order.Record.Code)

	rec = ts.do(t, http.MethodGet, "/api/orders/"+order.OrderRef+"/entitlement", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode[map[string]any](t, rec)["remaining_units"])

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/orders/ORD0/entitlement", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.admin(t, http.MethodPost, "/admin/orders", createOrderRequest{PackageID: 77}).Code)
}

func TestAdminSweepAndStatus(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.store.Register([]byte("data"), artifact.Meta{MimeType: "text/plain", Name: "a.txt"})
	require.NoError(t, err)

	rec := ts.admin(t, http.MethodGet, "/admin/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[statusResponse](t, rec)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, int64(3600), status.ArtifactTTLSeconds)
	assert.Equal(t, 1, status.Artifacts[artifact.StateLive])
	require.NotNil(t, status.Host)

	ts.clock.Advance(2 * time.Hour)
	rec = ts.admin(t, http.MethodPost, "/admin/artifacts/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sweep := decode[sweepResponse](t, rec)
	assert.Equal(t, 1, sweep.Swept)
	assert.Equal(t, 1, sweep.Stats[artifact.StateGone])

	rec = ts.admin(t, http.MethodPost, "/admin/artifacts/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, artifact.ReconcileResult{}, decode[artifact.ReconcileResult](t, rec))
}

func TestGenerateIsRateLimited(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) {
		d.GenerateLimiter = NewRateLimiter("generate", 1, time.Minute)
	})

	rec := ts.do(t, http.MethodPost, "/api/generate", map[string]any{"text": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/generate", map[string]any{"text": ""})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestPreviewLeavesBalanceAndStoreUntouched(t *testing.T) {
	ts := newTestServer(t)
	code := ts.issue(t, 1)

	rec := ts.do(t, http.MethodPost, "/api/preview", orchestrator.Request{Text: "look first", Code: code, Style: smallStyle()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[orchestrator.PreviewResult](t, rec)
	require.NotEmpty(t, res.Pages)
	assert.Equal(t, len(res.Pages), res.PageCount)
	assert.True(t, strings.HasPrefix(res.Pages[0].Image, "data:image/png;base64,"))
	require.NotNil(t, res.Remaining)
	assert.Equal(t, 1, *res.Remaining)

	after, err := ts.ledger.Verify(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, 1, after.RemainingUnits)
	assert.Empty(t, ts.store.Stats())

	rec = ts.do(t, http.MethodPost, "/api/preview", map[string]any{"text": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreviewHasItsOwnLimiter(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) {
		d.PreviewLimiter = NewRateLimiter("preview", 1, 5*time.Minute)
	})

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/preview", map[string]any{"text": ""}).Code)
	rec := ts.do(t, http.MethodPost, "/api/preview", map[string]any{"text": ""})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "300", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/generate", map[string]any{"text": ""}).Code,
		"generate is limited separately")
}

func TestLimiterHonoursTrustedProxy(t *testing.T) {
	trust, err := ParseTrustedProxies([]string{"198.51.100.0/24"})
	require.NoError(t, err)
	ts := newTestServer(t, func(d *Deps) {
		d.Proxies = trust
		d.GenerateLimiter = NewRateLimiter("generate", 1, time.Minute)
	})

	// Requests arrive from 198.51.100.7, a trusted proxy, on behalf of two clients.
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/generate", map[string]any{"text": ""}, "X-Forwarded-For", "203.0.113.1").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/generate", map[string]any{"text": ""}, "X-Forwarded-For", "203.0.113.2").Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodPost, "/api/generate", map[string]any{"text": ""}, "X-Forwarded-For", "203.0.113.1").Code)
}

func TestWebhookRouteRequiresSignature(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/payment/webhook", map[string]any{"type": "checkout.session.completed"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSAndRequestID(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/packages", nil, "Origin", "https://app.example.com", "X-Request-ID", "req-123")
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = ts.do(t, http.MethodGet, "/api/packages", nil, "Origin", "https://evil.test")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = ts.do(t, http.MethodOptions, "/api/generate", nil,
		"Origin", "https://app.example.com", "Access-Control-Request-Method", "POST")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestErrorHandlerRecoversPanics(t *testing.T) {
	h := ErrorHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal", decode[APIError](t, rec).Code)
}
