//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"trainpipe/internal/api"
	"trainpipe/internal/ci"
	"trainpipe/internal/compute"
	"trainpipe/internal/config"
	"trainpipe/internal/dispatcher"
	"trainpipe/internal/health"
	"trainpipe/internal/ingest"
	"trainpipe/internal/lifecycle"
	"trainpipe/internal/logship"
	"trainpipe/internal/pipeline"
	"trainpipe/internal/remote"
	"trainpipe/internal/storage"
	"trainpipe/internal/testutil"

	"github.com/spf13/afero"
)

const apiKey = "e2e-key"

// fakeCloud stands in for the EC2 provider. Status checks pass on the third poll.
type fakeCloud struct {
	mu          sync.Mutex
	launched    []string
	terminated  []string
	healthPolls int
}

func (c *fakeCloud) Launch(ctx context.Context, spec compute.InstanceSpec) (*compute.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := fmt.Sprintf("i-e2e%d", len(c.launched))
	c.launched = append(c.launched, id)
	return &compute.Instance{ID: id, Status: compute.StatusProvisioning}, nil
}

func (c *fakeCloud) WaitRunning(ctx context.Context, instanceID string) error { return nil }

func (c *fakeCloud) PublicAddress(ctx context.Context, instanceID string) (string, error) {
	return "203.0.113.10", nil
}

func (c *fakeCloud) Terminate(ctx context.Context, instanceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = append(c.terminated, instanceID)
	return nil
}

func (c *fakeCloud) InstanceHealth(ctx context.Context, instanceID string) (compute.HealthReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthPolls++
	if c.healthPolls < 3 {
		return compute.HealthReport{Found: c.healthPolls > 1, System: "initializing", Instance: "initializing"}, nil
	}
	return compute.HealthReport{Found: true, System: "ok", Instance: "ok"}, nil
}

func (c *fakeCloud) counts() (launched, terminated int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.launched), len(c.terminated)
}

// scriptedRunner replays training output instead of opening an SSH session.
type scriptedRunner struct{}

func (scriptedRunner) Run(ctx context.Context, target remote.Target, command string, sink remote.LineSink) (*remote.ExecutionOutput, error) {
	sink(remote.Stdout, "epoch 1 loss=0.42")
	sink(remote.Stderr, "warning: using cpu")
	return &remote.ExecutionOutput{ExitCode: 0, StdoutLines: 1, StderrLines: 1, Duration: time.Millisecond}, nil
}

// newJenkins serves a passing "train-model" job that reports building once, and a
// failing "broken" job.
func newJenkins(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	polls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("GET /job/train-model/api/json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"lastBuild":{"number":7}}`)
	})
	mux.HandleFunc("GET /job/train-model/7/api/json", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		building := polls == 1
		mu.Unlock()
		if building {
			fmt.Fprint(w, `{"number":7,"building":true,"result":null}`)
			return
		}
		fmt.Fprint(w, `{"number":7,"building":false,"result":"SUCCESS"}`)
	})
	mux.HandleFunc("GET /job/broken/api/json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"lastBuild":{"number":3}}`)
	})
	mux.HandleFunc("GET /job/broken/3/api/json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":3,"building":false,"result":"FAILURE"}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// callbackReceiver records the CloudEvent types it receives.
type callbackReceiver struct {
	mu    sync.Mutex
	types []string
}

func (c *callbackReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.types = append(c.types, r.Header.Get("Ce-Type"))
	c.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (c *callbackReceiver) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, typ := range c.types {
		if typ == eventType {
			n++
		}
	}
	return n
}

type env struct {
	server    *httptest.Server
	cloud     *fakeCloud
	store     *storage.MemoryStore
	callbacks *callbackReceiver
}

func newEnv(t *testing.T) *env {
	t.Helper()
	jenkins := newJenkins(t)
	callbacks := &callbackReceiver{}
	callbackServer := httptest.NewServer(callbacks)
	t.Cleanup(callbackServer.Close)

	fs := afero.NewMemMapFs()
	store := storage.NewMemoryStore()
	cloud := &fakeCloud{}

	shipper, err := logship.NewShipper(logship.Config{Fs: fs, Store: store, Bucket: "logs"})
	if err != nil {
		t.Fatalf("NewShipper() error = %v", err)
	}
	controller, err := lifecycle.NewController(lifecycle.Config{
		Provider: cloud,
		Health:   compute.NewMonitor(cloud, compute.MonitorConfig{Interval: 10 * time.Millisecond, MaxWait: 5 * time.Second}),
		Runner:   scriptedRunner{},
	})
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}

	events := dispatcher.NewMemory(dispatcher.MemoryConfig{BufferSize: 100, Workers: 2}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = events.Close(ctx)
	})

	svc, err := pipeline.NewService(pipeline.Config{
		Poller:     ci.NewPoller(ci.PollerConfig{Interval: 10 * time.Millisecond, MaxWait: 5 * time.Second}),
		Cycles:     controller,
		Shipper:    shipper,
		Job:        ci.JobRequest{BaseURL: jenkins.URL, Name: "train-model", User: "ci", Token: "token"},
		Instance:   compute.InstanceSpec{AMI: "ami-123", Type: "t3.large"},
		Command:    remote.TrainingCommand(remote.TrainingEnv{ProjectURI: "https://example.com/project.git"}),
		LogRoot:    "/var/log/trainpipe",
		Fs:         fs,
		LogOutput:  io.Discard,
		Dispatcher: events,
		Callback:   config.CallbackConfig{URL: callbackServer.URL, Events: []string{pipeline.EventTypeStart, pipeline.EventTypeExit}},
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})

	appender, err := ingest.NewAppender(store, "data", "transactions.csv")
	if err != nil {
		t.Fatalf("NewAppender() error = %v", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Runs:   svc,
		Ingest: appender,
		HealthChecker: health.NewChecker(map[string]health.ReadinessChecker{
			"objectStorage": health.ReadinessFunc(func(ctx context.Context) error { return nil }),
		}),
		APIKey: apiKey,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &env{server: server, cloud: cloud, store: store, callbacks: callbacks}
}

func (e *env) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (e *env) awaitRun(t *testing.T, id string) pipeline.Run {
	t.Helper()
	var run pipeline.Run
	testutil.MustWaitFor(t, func() bool {
		e.do(t, http.MethodGet, "/v1/runs/"+id, "", &run)
		return run.Status == pipeline.StatusSucceeded || run.Status == pipeline.StatusFailed
	}, testutil.WithTimeout(10*time.Second))
	return run
}

func TestPipeline_SuccessfulRun(t *testing.T) {
	e := newEnv(t)

	var accepted pipeline.Run
	if status := e.do(t, http.MethodPost, "/v1/runs", `{"meta":{"trigger":"e2e"}}`, &accepted); status != http.StatusAccepted {
		t.Fatalf("POST /v1/runs status = %d, want 202", status)
	}
	if accepted.Job != "train-model" || accepted.Meta["trigger"] != "e2e" {
		t.Fatalf("accepted run = %+v", accepted)
	}

	run := e.awaitRun(t, accepted.ID)
	if run.Status != pipeline.StatusSucceeded {
		t.Fatalf("run finished %s: %s", run.Status, run.Error)
	}
	for _, name := range []string{pipeline.StageCI, pipeline.StageTraining, pipeline.StageShipLogs} {
		if stage, ok := run.Stage(name); !ok || stage.Status != pipeline.StatusSucceeded {
			t.Errorf("stage %s = %+v", name, stage)
		}
	}
	if run.Build == nil || run.Build.Number != 7 || run.Build.Polls < 2 {
		t.Errorf("build = %+v", run.Build)
	}
	if run.Cycle == nil || run.Cycle.State() != lifecycle.StateDone || !run.Cycle.Terminated {
		t.Errorf("cycle = %+v", run.Cycle)
	}
	if launched, terminated := e.cloud.counts(); launched != 1 || terminated != 1 {
		t.Errorf("launched %d, terminated %d; want 1 and 1", launched, terminated)
	}

	if run.Logs == nil || !run.Logs.Uploaded {
		t.Fatalf("logs = %+v", run.Logs)
	}
	bundle, ok := e.store.Object("logs", run.Logs.Key)
	if !ok {
		t.Fatalf("log bundle %s not uploaded", run.Logs.Key)
	}
	if !strings.Contains(string(bundle.Body), "epoch 1 loss=0.42") {
		t.Error("log bundle is missing the remote training output")
	}

	testutil.MustWaitFor(t, func() bool {
		return e.callbacks.count(pipeline.EventTypeStart) == 1 && e.callbacks.count(pipeline.EventTypeExit) == 1
	})
	if n := e.callbacks.count(pipeline.EventTypeStage); n != 0 {
		t.Errorf("stage events should be filtered out, got %d", n)
	}
}

func TestPipeline_FailedCIGate(t *testing.T) {
	e := newEnv(t)

	var accepted pipeline.Run
	if status := e.do(t, http.MethodPost, "/v1/runs", `{"jobName":"broken"}`, &accepted); status != http.StatusAccepted {
		t.Fatalf("POST /v1/runs status = %d, want 202", status)
	}

	run := e.awaitRun(t, accepted.ID)
	if run.Status != pipeline.StatusFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	if stage, ok := run.Stage(pipeline.StageTraining); !ok || stage.Status != pipeline.StatusSkipped {
		t.Errorf("training stage = %+v, want skipped", stage)
	}
	if stage, ok := run.Stage(pipeline.StageShipLogs); !ok || stage.Status != pipeline.StatusSucceeded {
		t.Errorf("ship_logs stage = %+v, want succeeded", stage)
	}
	if launched, _ := e.cloud.counts(); launched != 0 {
		t.Errorf("no instance should be launched after a failed CI build, got %d", launched)
	}

	var list pipeline.ListResponse
	e.do(t, http.MethodGet, "/v1/runs", "", &list)
	if len(list.Runs) != 1 || list.Runs[0].ID != run.ID {
		t.Errorf("GET /v1/runs = %+v", list.Runs)
	}
}

func TestTransactions_Ingest(t *testing.T) {
	e := newEnv(t)

	var first, second ingest.Result
	if status := e.do(t, http.MethodPost, "/v1/transactions", `{"transaction_data":"id,amount\n1,9.5"}`, &first); status != http.StatusCreated {
		t.Fatalf("first ingest status = %d, want 201", status)
	}
	if status := e.do(t, http.MethodPost, "/v1/transactions", `{"transaction_data":"2,12.0"}`, &second); status != http.StatusOK {
		t.Fatalf("second ingest status = %d, want 200", status)
	}
	if !first.Created || second.Created {
		t.Errorf("created flags = %v, %v", first.Created, second.Created)
	}

	obj, ok := e.store.Object("data", "transactions.csv")
	if !ok || string(obj.Body) != "id,amount\n1,9.5\n2,12.0" {
		t.Errorf("dataset = %q", obj.Body)
	}
}

func TestHealthAndAuth(t *testing.T) {
	e := newEnv(t)

	if status := e.do(t, http.MethodGet, "/readyz", "", nil); status != http.StatusOK {
		t.Errorf("GET /readyz status = %d, want 200", status)
	}

	resp, err := http.Get(e.server.URL + "/v1/runs")
	if err != nil {
		t.Fatalf("GET /v1/runs failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
}
