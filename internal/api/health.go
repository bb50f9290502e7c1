package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rcourtman/handwrite/internal/logging"
)

const readyTimeout = 2 * time.Second

type readyResponse struct {
	Status    string  `json:"status"`
	Ledger    string  `json:"ledger"`
	CPUUsage  float64 `json:"cpu_usage_percent"`
	MemoryUse float64 `json:"memory_usage_percent"`
}

// handleHealthz returns 200 "ok" unconditionally (liveness probe).
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz checks ledger connectivity and reports the latest host sample.
func (h *handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{Status: "ready", Ledger: "ok"}
	if h.deps.Host != nil {
		snap := h.deps.Host.Snapshot()
		resp.CPUUsage = snap.CPUUsagePercent
		resp.MemoryUse = snap.MemoryUsagePercent
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := h.deps.Ledger.Ping(ctx); err != nil {
		logging.FromContext(r.Context()).Warn().Err(err).Msg("Readiness check failed")
		resp.Status = "not ready"
		resp.Ledger = "unreachable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
