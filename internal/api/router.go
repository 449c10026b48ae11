package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/deferral/status", h.DeferralStatus)
	mux.HandleFunc("POST /v1/deferral/start", h.DeferralStart)
	mux.HandleFunc("POST /v1/deferral/stop", h.DeferralStop)

	mux.HandleFunc("GET /v1/messages/{id}/status", h.MessageStatus)
	mux.HandleFunc("GET /v1/stats/{day}", h.DailyStats)
	mux.HandleFunc("GET /v1/audit/{correlationId}", h.AuditTrail)

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("notification-dispatch"))
	})

	return mux
}
