package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures all API routes. HTTP metrics are registered on
// registry, which also backs /metrics; with a nil registry neither exists.
func SetupRoutes(handler *Handler, registry *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()

	var m *httpMetrics
	if registry != nil {
		m = newHTTPMetrics(registry)
	}
	r.Use(requestID, logRequests(handler.log, m), recovery(handler.log))

	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/accounts/{account}", handler.GetAccount).Methods("GET")
	api.HandleFunc("/accounts/{account}/positions", handler.OpenPosition).Methods("POST")
	api.HandleFunc("/accounts/{account}/close-all", handler.CloseAll).Methods("POST")
	api.HandleFunc("/accounts/{account}/history", handler.GetHistory).Methods("GET")
	api.HandleFunc("/accounts/{account}/reconcile", handler.Reconcile).Methods("POST")
	api.HandleFunc("/positions/{position}/close", handler.ClosePosition).Methods("POST")

	return r
}
