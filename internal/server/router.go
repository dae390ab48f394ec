package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/handlers"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/middleware"
)

// NewRouter constructs a ServeMux with the ingest API routes registered.
func NewRouter(h *handlers.IngestHandler) http.Handler {
	mux := http.NewServeMux()

	// Dashboard API
	mux.HandleFunc("/api/v1/latest", h.Latest)
	mux.HandleFunc("/api/v1/stream", h.Stream)

	// Health endpoints
	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/readyz", h.Ready)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	cors := middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
	})

	return middleware.RequestID(cors(mux))
}
