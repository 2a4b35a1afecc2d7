package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"vtt-sync/internal/middleware"
)

func SetupRoutes(h *Handler, log zerolog.Logger) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware(log))       // Add tracing spans to all requests
	r.Use(middleware.ErrorRecoveryMiddleware(log)) // Catch panics
	r.Use(middleware.MetricsMiddleware)            // Latency per route
	r.Use(middleware.CORSMiddleware)               // Handle CORS

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	// Session endpoints
	api.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.EndSession).Methods("DELETE")

	// Health check endpoint
	api.HandleFunc("/health", h.Health).Methods("GET")

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// WebSocket routes
	r.HandleFunc("/ws/session/{id}", h.HandleSessionWebSocket)

	return r
}
