package api

import (
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/rcourtman/handwrite/internal/ledger"
	"github.com/rcourtman/handwrite/internal/logging"
	"github.com/rcourtman/handwrite/internal/orchestrator"
	"github.com/rcourtman/handwrite/internal/payment"
)

// entitlementResponse is a record plus whether it can be used right now.
type entitlementResponse struct {
	*ledger.Record
	Valid bool `json:"valid"`
}

func newEntitlementResponse(rec *ledger.Record) entitlementResponse {
	return entitlementResponse{Record: rec, Valid: rec.Status == ledger.StatusActive}
}

type consumeRequest struct {
	Units int `json:"units"`
}

type packagesResponse struct {
	Packages []payment.Package `json:"packages"`
	FreeMode bool              `json:"free_mode"`
}

func (h *handlers) handleDownload(w http.ResponseWriter, r *http.Request) {
	content, err := h.deps.Store.Fetch(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer content.Close()

	header := w.Header()
	header.Set("Content-Type", content.MimeType)
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": content.Name}))
	header.Set("Cache-Control", "no-store")
	if content.Size >= 0 {
		header.Set("Content-Length", strconv.FormatInt(content.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, content); err != nil {
		// The client went away or the zip stream failed; the artifact is untouched.
		logging.FromContext(r.Context()).Debug().Err(err).Str("artifact_id", content.ID).Msg("Download interrupted")
	}
}

func (h *handlers) handleVerify(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Ledger.Verify(r.Context(), r.PathValue("code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEntitlementResponse(rec))
}

func (h *handlers) handleConsume(w http.ResponseWriter, r *http.Request) {
	req := consumeRequest{Units: 1}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.deps.Ledger.Consume(r.Context(), r.PathValue("code"), req.Units)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEntitlementResponse(rec))
}

func (h *handlers) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.deps.Orchestrator.Generate(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.deps.Orchestrator.Preview(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) handlePackages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, packagesResponse{
		Packages: payment.Catalog(),
		FreeMode: h.deps.FreeMode(),
	})
}

func (h *handlers) handleOrderEntitlement(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Payments.Entitlement(r.Context(), r.PathValue("order_ref"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEntitlementResponse(rec))
}
