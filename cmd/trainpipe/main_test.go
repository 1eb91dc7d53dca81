package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"trainpipe/internal/apperrors"
	"trainpipe/internal/config"
	"trainpipe/internal/dispatcher"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "run", "ship-logs", "publish-report", "ingest"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestCommands_RequireConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trainpipe.yaml")
	if err := os.WriteFile(path, []byte("logs:\n  root: "+dir+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"INGEST_BUCKET", "INGEST_KEY", "REPORT_BASE_URL", "LOG_BUCKET", "CI_URL"} {
		t.Setenv(key, "")
	}

	tests := []struct {
		name string
		args []string
	}{
		{"ingest", []string{"ingest", "--data", "1,2"}},
		{"publish-report", []string{"publish-report"}},
		{"ship-logs", []string{"ship-logs"}},
		{"run", []string{"run"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRootCmd()
			root.SetArgs(append([]string{"--config", path, "--log-level", "error"}, tt.args...))
			root.SetOut(&bytes.Buffer{})

			if err := root.Execute(); !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestRootCmd_InvalidLogLevel(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"--log-level", "loud", "ingest"})
	if err := root.Execute(); err == nil {
		t.Error("expected error for invalid log level")
	}
}

func TestServe_ClosesDispatcherWhenSetupFails(t *testing.T) {
	cfg := config.Defaults()
	cfg.Callback.URL = "http://hooks.local/events"
	a := &app{cfg: cfg}

	if err := a.serve(context.Background()); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected ErrValidation from pipeline setup, got %v", err)
	}
	if a.events == nil {
		t.Fatal("expected a callback dispatcher to be created")
	}
	if err := a.events.Dispatch(&dispatcher.Event{}); !errors.Is(err, dispatcher.ErrClosed) {
		t.Errorf("Dispatch after failed setup = %v, want ErrClosed", err)
	}
}
