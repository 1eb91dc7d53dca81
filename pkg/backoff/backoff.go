// Package backoff computes retry delays and runs bounded polling loops.
package backoff

import "time"

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

const (
	defaultInitial = 100 * time.Millisecond
	defaultMax     = 5 * time.Second
)

// Exponential returns the delay before retry number attempt: Initial for the
// first retry, doubling each time, capped at Max. A nil cfg uses the defaults.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxDelay := defaultInitial, defaultMax
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxDelay = cfg.Max
		}
	}
	if initial >= maxDelay {
		return maxDelay
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}
