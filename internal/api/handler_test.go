package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"trainpipe/internal/apperrors"
	"trainpipe/internal/health"
	"trainpipe/internal/ingest"
	"trainpipe/internal/pipeline"
	"trainpipe/internal/storage"
)

// fakeRuns is an in-memory RunService.
type fakeRuns struct {
	mu        sync.Mutex
	runs      map[string]*pipeline.Run
	submitted []*pipeline.Request
	err       error
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: make(map[string]*pipeline.Run)}
}

func (f *fakeRuns) Submit(ctx context.Context, req *pipeline.Request) (*pipeline.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.submitted = append(f.submitted, req)
	job := req.JobName
	if job == "" {
		job = "train-model"
	}
	run := &pipeline.Run{ID: "run-1", Job: job, Status: pipeline.StatusAccepted}
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakeRuns) Get(ctx context.Context, runID string) (*pipeline.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, apperrors.NotFound("run", runID)
	}
	return run, nil
}

func (f *fakeRuns) List(ctx context.Context) (*pipeline.ListResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &pipeline.ListResponse{Runs: []pipeline.Run{}}
	for _, r := range f.runs {
		resp.Runs = append(resp.Runs, *r)
	}
	return resp, nil
}

func ready(ctx context.Context) error { return nil }

func newTestRouter(t *testing.T, runs RunService, ingester Ingester, apiKey string) http.Handler {
	t.Helper()
	return NewRouter(RouterConfig{
		Runs:          runs,
		Ingest:        ingester,
		HealthChecker: health.NewChecker(map[string]health.ReadinessChecker{"compute": health.ReadinessFunc(ready)}),
		APIKey:        apiKey,
	})
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_DependencyDown(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(map[string]health.ReadinessChecker{
			"storage": health.ReadinessFunc(func(ctx context.Context) error { return errors.New("AccessDenied") }),
		}),
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.Readyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusUnhealthy {
		t.Errorf("Expected status unhealthy, got %s", response.Status)
	}
}

func TestRouter_CreateRun(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    string
		wantJob string
	}{
		{"empty body uses configured job", "", "train-model"},
		{"job override", `{"jobName": "train-nightly", "meta": {"trigger": "cron"}}`, "train-nightly"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			runs := newFakeRuns()
			h := newTestRouter(t, runs, nil, "")

			w := do(t, h, http.MethodPost, "/v1/runs", tt.body, map[string]string{"Content-Type": "application/json"})

			if w.Code != http.StatusAccepted {
				t.Fatalf("Expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
			}
			var run pipeline.Run
			if err := json.NewDecoder(w.Body).Decode(&run); err != nil {
				t.Fatalf("invalid response: %v", err)
			}
			if run.Job != tt.wantJob || run.Status != pipeline.StatusAccepted {
				t.Errorf("run = %+v", run)
			}
		})
	}
}

func TestRouter_CreateRun_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		body string
		want int
	}{
		{"malformed JSON", nil, `{"jobName": train}`, http.StatusBadRequest},
		{"validation", apperrors.Validation("jobName", "bad"), `{}`, http.StatusBadRequest},
		{"conflict", apperrors.Conflict("run", "train-model", "busy"), `{}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			runs := newFakeRuns()
			runs.err = tt.err
			w := do(t, newTestRouter(t, runs, nil, ""), http.MethodPost, "/v1/runs", tt.body, nil)

			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
			var resp map[string]string
			json.NewDecoder(w.Body).Decode(&resp)
			if resp["error"] == "" {
				t.Error("Expected error message in response")
			}
		})
	}
}

func TestRouter_GetAndListRuns(t *testing.T) {
	t.Parallel()
	runs := newFakeRuns()
	h := newTestRouter(t, runs, nil, "")
	do(t, h, http.MethodPost, "/v1/runs", "", nil)

	w := do(t, h, http.MethodGet, "/v1/runs/run-1", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("GET run: expected %d, got %d", http.StatusOK, w.Code)
	}

	w = do(t, h, http.MethodGet, "/v1/runs/missing", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET missing run: expected %d, got %d", http.StatusNotFound, w.Code)
	}

	w = do(t, h, http.MethodGet, "/v1/runs", "", nil)
	var list pipeline.ListResponse
	json.NewDecoder(w.Body).Decode(&list)
	if w.Code != http.StatusOK || len(list.Runs) != 1 {
		t.Errorf("GET runs: status %d, %d runs", w.Code, len(list.Runs))
	}
}

func TestRouter_AppendTransactions(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryStore()
	appender, err := ingest.NewAppender(store, "data", "transactions.csv")
	if err != nil {
		t.Fatalf("NewAppender() error = %v", err)
	}
	h := newTestRouter(t, newFakeRuns(), appender, "")

	w := do(t, h, http.MethodPost, "/v1/transactions", `{"transaction_data": "1,9.5"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("first append: expected %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodPost, "/v1/transactions", `{"transaction_data": "2,12.0"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("second append: expected %d, got %d", http.StatusOK, w.Code)
	}

	obj, _ := store.Object("data", "transactions.csv")
	if string(obj.Body) != "1,9.5\n2,12.0" {
		t.Errorf("object = %q", obj.Body)
	}

	w = do(t, h, http.MethodPost, "/v1/transactions", `{}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty data: expected %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestRouter_AppendTransactions_NotConfigured(t *testing.T) {
	t.Parallel()
	w := do(t, newTestRouter(t, newFakeRuns(), nil, ""), http.MethodPost, "/v1/transactions", `{"transaction_data": "x"}`, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestRouter_Auth(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, newFakeRuns(), nil, "s3cret")

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong scheme", map[string]string{"Authorization": "Basic s3cret"}, http.StatusUnauthorized},
		{"wrong key", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"valid", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if w := do(t, h, http.MethodGet, "/v1/runs", "", tt.header); w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}

	if w := do(t, h, http.MethodGet, "/livez", "", nil); w.Code != http.StatusOK {
		t.Errorf("probes must not require auth, got %d", w.Code)
	}
}

func TestMiddleware_Logging(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := LoggingMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	// Should not panic
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		contentType string
		wantCalled  bool
	}{
		{"text/plain", false},
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			t.Parallel()
			called := false
			handler := ContentTypeMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if called != tt.wantCalled {
				t.Errorf("called = %v, want %v (status %d)", called, tt.wantCalled, w.Code)
			}
		})
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	t.Parallel()
	var seen string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if seen != "abc-123" || w.Header().Get(RequestIDHeader) != "abc-123" {
		t.Errorf("expected caller request ID to propagate, got %q", seen)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	if seen == "" || w.Header().Get(RequestIDHeader) != seen {
		t.Errorf("expected a generated request ID, got %q", seen)
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := CORSMiddleware()(inner)

	// Test OPTIONS preflight
	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}
