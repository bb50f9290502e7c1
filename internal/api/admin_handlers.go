package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/handwrite/internal/artifact"
	herrors "github.com/rcourtman/handwrite/internal/errors"
	"github.com/rcourtman/handwrite/internal/hostmetrics"
	"github.com/rcourtman/handwrite/internal/ledger"
	"github.com/rcourtman/handwrite/internal/logging"
)

type issueRequest struct {
	Mode  ledger.Mode `json:"mode"`
	Units int         `json:"units,omitempty"`
	Days  int         `json:"days,omitempty"`
	// Code pins the issued code; a taken code is rejected.
	Code string `json:"code,omitempty"`
}

type adjustRequest struct {
	RemainingUnits *int `json:"remaining_units"`
}

type createOrderRequest struct {
	PackageID int `json:"package_id"`
}

type listResponse struct {
	Entitlements []*ledger.Record `json:"entitlements"`
	Count        int              `json:"count"`
}

type usageResponse struct {
	Usage []ledger.Usage `json:"usage"`
	Count int            `json:"count"`
}

type sweepResponse struct {
	Swept int            `json:"swept"`
	Stats artifact.Stats `json:"stats"`
}

type statusResponse struct {
	Version            string                `json:"version"`
	FreeMode           bool                  `json:"free_mode"`
	ArtifactTTLSeconds int64                 `json:"artifact_ttl_seconds"`
	Artifacts          artifact.Stats        `json:"artifacts"`
	Host               *hostmetrics.Snapshot `json:"host,omitempty"`
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:            h.deps.Version,
		FreeMode:           h.deps.FreeMode(),
		ArtifactTTLSeconds: int64(h.deps.Store.TTL() / time.Second),
		Artifacts:          h.deps.Store.Stats(),
	}
	if h.deps.Host != nil {
		snap := h.deps.Host.Snapshot()
		resp.Host = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	code := strings.TrimSpace(req.Code)
	rec, err := h.deps.Ledger.Issue(r.Context(), ledger.IssueRequest{
		Mode:          req.Mode,
		Units:         req.Units,
		Duration:      time.Duration(req.Days) * 24 * time.Hour,
		PreferredCode: code,
		RequireCode:   code != "",
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info().
		Str("code", rec.Code).
		Str("mode", string(rec.Mode)).
		Msg("Entitlement issued by admin")
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handlers) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.Filter{
		Status:     ledger.Status(strings.TrimSpace(q.Get("status"))),
		OrdersOnly: q.Get("orders_only") == "true" || q.Get("orders_only") == "1",
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter.Limit = limit

	records, err := h.deps.Ledger.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*ledger.Record{}
	}
	writeJSON(w, http.StatusOK, listResponse{Entitlements: records, Count: len(records)})
}

func (h *handlers) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.RemainingUnits == nil {
		writeError(w, r, herrors.Validation("adjust", "remaining_units is required"))
		return
	}
	rec, err := h.deps.Ledger.AdjustRemaining(r.Context(), r.PathValue("code"), *req.RemainingUnits)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Ledger.Delete(r.Context(), r.PathValue("code")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleUsage(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if !ledger.ValidCode(code) {
		writeError(w, r, herrors.Validation("usage", "code must be 6 digits"))
		return
	}
	limit, err := queryInt(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	usage, err := h.deps.Ledger.ListUsage(r.Context(), code, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if usage == nil {
		usage = []ledger.Usage{}
	}
	writeJSON(w, http.StatusOK, usageResponse{Usage: usage, Count: len(usage)})
}

func (h *handlers) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	order, err := h.deps.Payments.CreateOrder(r.Context(), req.PackageID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *handlers) handleSweep(w http.ResponseWriter, r *http.Request) {
	swept := h.deps.Store.Sweep(h.deps.Clock.Now())
	writeJSON(w, http.StatusOK, sweepResponse{Swept: swept, Stats: h.deps.Store.Stats()})
}

func (h *handlers) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if h.deps.Reconciler == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, string(herrors.ErrorTypeInternal),
			"reconciler not configured", logging.RequestIDFromContext(r.Context()), false)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Reconciler.ReconcileOnce(r.Context(), false))
}

func queryInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, herrors.Validation("query", "invalid limit %q", raw)
	}
	return n, nil
}
