// Package api serves the local diagnostics HTTP surface: store health,
// queue contents, table statistics, and a manual sync trigger.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/messmate/outpost/internal/offline"
)

// Handler holds the diagnostics endpoints' dependencies.
type Handler struct {
	manager *offline.Manager
	version string
}

// NewHandler creates a diagnostics handler.
func NewHandler(manager *offline.Manager, version string) *Handler {
	return &Handler{manager: manager, version: version}
}

// Health reports the health monitor's current view plus degraded state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.manager.Health()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":              h.version,
		"healthy":              status.Healthy,
		"known":                status.Known,
		"degraded":             h.manager.Degraded(),
		"last_check":           status.LastCheck,
		"consecutive_failures": status.ConsecutiveFailures,
		"total_checks":         status.TotalChecks,
		"avg_response_ms":      status.AverageResponseTime.Milliseconds(),
		"last_error":           status.LastError,
		"recoveries":           status.Recoveries,
		"last_recovery":        status.LastRecovery,
	})
}

// Queue lists the pending sync queue items.
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	items, err := h.manager.PendingRequests(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": len(items),
		"items":   items,
	})
}

// Stats reports per-table row counts.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.manager.TableCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": counts})
}

// Sync forces one drain pass and reports the outcome.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.manager.SyncNow(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"attempted":   res.Attempted,
		"synced":      len(res.Synced),
		"failed":      res.Failed,
		"skipped":     res.Skipped,
		"aborted":     res.Aborted,
		"cleared_all": res.ClearedAll,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "component", "api", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
