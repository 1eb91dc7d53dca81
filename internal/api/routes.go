package api

import (
	"net/http"
	"trainpipe/internal/health"
	"trainpipe/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Runs          RunService
	Ingest        Ingester // optional
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Runs, cfg.Ingest, cfg.Metrics, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Pipeline endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/runs", authMiddleware(http.HandlerFunc(handler.CreateRun)))
	mux.Handle("GET /v1/runs", authMiddleware(http.HandlerFunc(handler.ListRuns)))
	mux.Handle("GET /v1/runs/{runId}", authMiddleware(http.HandlerFunc(handler.GetRun)))
	mux.Handle("POST /v1/transactions", authMiddleware(http.HandlerFunc(handler.AppendTransactions)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)
	h = RequestIDMiddleware()(h)

	return h
}
