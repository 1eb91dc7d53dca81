// Package api provides the HTTP API handlers and routing for the trigger service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"trainpipe/internal/apperrors"
	"trainpipe/internal/health"
	"trainpipe/internal/ingest"
	"trainpipe/internal/observability"
	"trainpipe/internal/pipeline"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// RunService starts and reports pipeline runs.
type RunService interface {
	Submit(ctx context.Context, req *pipeline.Request) (*pipeline.Run, error)
	Get(ctx context.Context, runID string) (*pipeline.Run, error)
	List(ctx context.Context) (*pipeline.ListResponse, error)
}

// Ingester appends transaction data to the training dataset.
type Ingester interface {
	Append(ctx context.Context, data []byte) (*ingest.Result, error)
}

// TransactionRequest is the body of POST /v1/transactions.
type TransactionRequest struct {
	TransactionData string `json:"transaction_data"`
}

// Handler contains HTTP handlers for the trigger API
type Handler struct {
	runs    RunService
	ingest  Ingester
	metrics *observability.Metrics
	health  *health.Checker
}

// NewHandler creates a new API handler. ingester may be nil when ingest is not configured.
func NewHandler(runs RunService, ingester Ingester, metrics *observability.Metrics, healthChecker *health.Checker) *Handler {
	return &Handler{
		runs:    runs,
		ingest:  ingester,
		metrics: metrics,
		health:  healthChecker,
	}
}

// CreateRun handles POST /v1/runs. An empty body starts a run of the configured job.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	run, err := h.runs.Submit(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, run)
}

// ListRuns handles GET /v1/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	resp, err := h.runs.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetRun handles GET /v1/runs/{runId}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "Run ID is required")
		return
	}

	run, err := h.runs.Get(r.Context(), runID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, run)
}

// AppendTransactions handles POST /v1/transactions
func (h *Handler) AppendTransactions(w http.ResponseWriter, r *http.Request) {
	if h.ingest == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Transaction ingest is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	result, err := h.ingest.Append(r.Context(), []byte(req.TransactionData))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, result)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the cloud APIs are unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
