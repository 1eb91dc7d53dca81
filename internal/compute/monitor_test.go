package compute

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"trainpipe/internal/apperrors"
)

// scriptedReader returns one report per call; the last one repeats.
type scriptedReader struct {
	mu      sync.Mutex
	reports []HealthReport
	errAt   int // 1-based call that fails, 0 never
	err     error
	calls   int
}

func (r *scriptedReader) InstanceHealth(ctx context.Context, instanceID string) (HealthReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.errAt != 0 && r.calls == r.errAt {
		return HealthReport{}, r.err
	}
	return r.reports[min(r.calls-1, len(r.reports)-1)], nil
}

func (r *scriptedReader) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

var (
	missing      = HealthReport{}
	initializing = HealthReport{Found: true, System: "initializing", Instance: "initializing"}
	halfReady    = HealthReport{Found: true, System: "ok", Instance: "initializing"}
	ready        = HealthReport{Found: true, System: "ok", Instance: "ok"}
)

func fastMonitor(r StatusReader) *Monitor {
	return NewMonitor(r, MonitorConfig{Interval: time.Millisecond, MaxWait: 5 * time.Second})
}

func TestAwaitHealthy_WaitsForBothChecks(t *testing.T) {
	t.Parallel()
	reader := &scriptedReader{reports: []HealthReport{missing, initializing, halfReady, ready, halfReady}}

	if err := fastMonitor(reader).AwaitHealthy(context.Background(), "i-123"); err != nil {
		t.Fatalf("AwaitHealthy() error = %v", err)
	}
	if reader.callCount() != 4 {
		t.Errorf("expected to return on the first fully healthy poll (4), got %d polls", reader.callCount())
	}
}

func TestAwaitHealthy_StatusReadErrorIsFatal(t *testing.T) {
	t.Parallel()
	reader := &scriptedReader{
		reports: []HealthReport{initializing, ready},
		errAt:   2,
		err:     errors.New("throttled"),
	}

	err := fastMonitor(reader).AwaitHealthy(context.Background(), "i-123")
	if !errors.Is(err, apperrors.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if reader.callCount() != 2 {
		t.Errorf("expected polling to stop at the failing call, got %d polls", reader.callCount())
	}
}

func TestAwaitHealthy_KeepsClassifiedErrors(t *testing.T) {
	t.Parallel()
	reader := &scriptedReader{
		reports: []HealthReport{ready},
		errAt:   1,
		err:     apperrors.Transport("ec2.DescribeInstanceStatus", errors.New("boom")),
	}

	err := fastMonitor(reader).AwaitHealthy(context.Background(), "i-123")
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) || appErr.Op != "ec2.DescribeInstanceStatus" {
		t.Fatalf("expected original error to pass through, got %v", err)
	}
}

func TestAwaitHealthy_MaxWait(t *testing.T) {
	t.Parallel()
	reader := &scriptedReader{reports: []HealthReport{halfReady}}
	m := NewMonitor(reader, MonitorConfig{Interval: 2 * time.Millisecond, MaxWait: 20 * time.Millisecond})

	err := m.AwaitHealthy(context.Background(), "i-123")
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestAwaitHealthy_ContextCancelled(t *testing.T) {
	t.Parallel()
	reader := &scriptedReader{reports: []HealthReport{missing}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fastMonitor(reader).AwaitHealthy(ctx, "i-123")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHealthReport_Healthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		report HealthReport
		want   bool
	}{
		{missing, false},
		{initializing, false},
		{halfReady, false},
		{HealthReport{Found: true, System: "impaired", Instance: "ok"}, false},
		{HealthReport{System: "ok", Instance: "ok"}, false},
		{ready, true},
	}
	for _, tt := range tests {
		if got := tt.report.Healthy(); got != tt.want {
			t.Errorf("%+v.Healthy() = %v, want %v", tt.report, got, tt.want)
		}
	}
}
