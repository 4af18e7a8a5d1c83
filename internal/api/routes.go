package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes mounts all API routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	mux.Handle("POST /api/payments", chain(http.HandlerFunc(h.CreatePayment)))
	mux.Handle("GET /api/payments", chain(http.HandlerFunc(h.ListPayments)))
	mux.Handle("GET /api/payments/{id}", chain(http.HandlerFunc(h.GetPayment)))
	mux.Handle("DELETE /api/payments/{id}", chain(http.HandlerFunc(h.CancelPayment)))

	mux.Handle("GET /api/poller/status", chain(http.HandlerFunc(h.PollerStatus)))
	mux.Handle("POST /api/poller/poll", chain(http.HandlerFunc(h.TriggerPoll)))

	mux.Handle("GET /api/coins", chain(http.HandlerFunc(h.ListCoins)))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())
}
