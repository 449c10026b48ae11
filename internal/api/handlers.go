package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/LeventeLantos/notification-dispatch/internal/model"
	"github.com/LeventeLantos/notification-dispatch/internal/scheduler"
	"github.com/LeventeLantos/notification-dispatch/internal/store"
)

type PendingCounter interface {
	Pending(ctx context.Context) (int64, error)
}

type AuditReader interface {
	ListByCorrelation(ctx context.Context, correlationID string, limit int) ([]model.AuditRecord, error)
}

type Handler struct {
	release  *scheduler.Scheduler
	pending  PendingCounter
	statuses store.StatusStore
	stats    store.StatsStore
	audit    AuditReader
}

// NewHandler wires the ops endpoints. audit may be nil when no audit
// database is configured.
func NewHandler(release *scheduler.Scheduler, pending PendingCounter, statuses store.StatusStore, stats store.StatsStore, audit AuditReader) *Handler {
	return &Handler{
		release:  release,
		pending:  pending,
		statuses: statuses,
		stats:    stats,
		audit:    audit,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) DeferralStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"loop": h.release.Status()}
	if h.pending != nil {
		n, err := h.pending.Pending(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		body["pending"] = n
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) DeferralStart(w http.ResponseWriter, r *http.Request) {
	h.release.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.release.IsRunning()})
}

func (h *Handler) DeferralStop(w http.ResponseWriter, r *http.Request) {
	h.release.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.release.IsRunning()})
}

func (h *Handler) MessageStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.statuses.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if st == nil {
		http.Error(w, "status not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) DailyStats(w http.ResponseWriter, r *http.Request) {
	day := r.PathValue("day")
	if _, err := time.Parse("2006-01-02", day); err != nil {
		http.Error(w, "day must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	st, err := h.stats.Get(r.Context(), day, r.URL.Query().Get("businessType"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		http.Error(w, "audit store not configured", http.StatusNotImplemented)
		return
	}

	limit := parseInt(r.URL.Query().Get("limit"), 100)
	if limit <= 0 {
		limit = 100
	}
	items, err := h.audit.ListByCorrelation(r.Context(), r.PathValue("correlationId"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
