package observability

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestLogger(t *testing.T) {
	t.Parallel()
	if got := Logger(context.Background()); got != slog.Default() {
		t.Error("expected the default logger without one in the context")
	}
	if got := Logger(WithLogger(context.Background(), nil)); got != slog.Default() {
		t.Error("expected the default logger for a nil logger")
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil)).With("runId", "run-1")
	Logger(WithLogger(context.Background(), logger)).Info("Instance created", "instanceId", "i-0abc")

	if out := buf.String(); !strings.Contains(out, `"runId":"run-1"`) || !strings.Contains(out, `"instanceId":"i-0abc"`) {
		t.Errorf("record did not reach the context logger: %s", out)
	}
}
