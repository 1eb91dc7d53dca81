package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrPollTimeout is returned by Poll when the wait bound is exhausted.
var ErrPollTimeout = errors.New("poll wait exceeded")

// PollConfig bounds a fixed-interval polling loop.
// A zero MaxWait and zero MaxAttempts poll until done, an error, or context cancellation.
type PollConfig struct {
	Interval    time.Duration // default: 1s
	MaxWait     time.Duration // total wall-clock bound
	MaxAttempts int           // total check bound
}

// CheckFunc reports whether polling is done. A non-nil error stops polling immediately.
type CheckFunc func(ctx context.Context, attempt int) (done bool, err error)

// Poll runs check immediately and then once per interval until it reports done,
// returns an error, the context ends, or a bound is hit (ErrPollTimeout).
func Poll(ctx context.Context, cfg PollConfig, check CheckFunc) error {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}

	var deadline time.Time
	if cfg.MaxWait > 0 {
		deadline = time.Now().Add(cfg.MaxWait)
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := check(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return ErrPollTimeout
		}
		wait := interval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ErrPollTimeout
			}
			wait = min(wait, remaining)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
