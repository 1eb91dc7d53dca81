package compute

import (
	"context"
	"errors"
	"time"
	"trainpipe/internal/apperrors"
	"trainpipe/internal/observability"
	"trainpipe/pkg/backoff"
)

// MonitorConfig configures health polling. Zero values use defaults.
type MonitorConfig struct {
	Interval time.Duration // default: 15s
	MaxWait  time.Duration // default: 20m
}

// Monitor waits for an instance to pass both status checks.
type Monitor struct {
	reader   StatusReader
	interval time.Duration
	maxWait  time.Duration
}

// NewMonitor creates a health monitor backed by reader.
func NewMonitor(reader StatusReader, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 20 * time.Minute
	}
	return &Monitor{reader: reader, interval: cfg.Interval, maxWait: cfg.MaxWait}
}

// AwaitHealthy polls until the system and instance checks both report "ok".
// A missing status entry counts as not ready. A status read error ends the wait.
func (m *Monitor) AwaitHealthy(ctx context.Context, instanceID string) error {
	logger := observability.Logger(ctx).With("component", "compute", "instanceId", instanceID)
	start := time.Now()

	err := backoff.Poll(ctx, backoff.PollConfig{Interval: m.interval, MaxWait: m.maxWait},
		func(ctx context.Context, attempt int) (bool, error) {
			report, err := m.reader.InstanceHealth(ctx, instanceID)
			if err != nil {
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				var appErr *apperrors.Error
				if errors.As(err, &appErr) {
					return false, err
				}
				return false, apperrors.Transport("compute.instanceHealth", err)
			}
			if report.Healthy() {
				return true, nil
			}
			logger.Debug("Waiting for status checks",
				"attempt", attempt,
				"found", report.Found,
				"system", report.System,
				"instance", report.Instance,
			)
			return false, nil
		})
	if errors.Is(err, backoff.ErrPollTimeout) {
		return apperrors.Timeout("compute.awaitHealthy", time.Since(start))
	}
	if err != nil {
		return err
	}

	logger.Info("Instance passed status checks", "waited", time.Since(start).Round(time.Millisecond))
	return nil
}
