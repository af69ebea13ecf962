package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldsync/fieldsync/internal/handlers"
	"github.com/fieldsync/fieldsync/internal/middleware"
)

// NewRouter constructs a ServeMux with the operational routes registered.
func NewRouter(h *handlers.Handler) http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.HandleFunc("GET /readyz", h.Ready)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	// Outbox inspection
	mux.HandleFunc("GET /api/v1/envelopes", h.ListEnvelopes)
	mux.HandleFunc("GET /api/v1/envelopes/{id}", h.GetEnvelope)
	mux.HandleFunc("GET /api/v1/envelopes/{id}/audit", h.EnvelopeAudit)
	mux.HandleFunc("POST /api/v1/envelopes/{id}/requeue", h.RequeueEnvelope)

	// Schedule inspection
	mux.HandleFunc("GET /api/v1/sources/due", h.DueSources)

	return middleware.RequestID(mux)
}
