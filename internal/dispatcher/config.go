package dispatcher

import (
	"time"
	"trainpipe/internal/config"
	"trainpipe/pkg/backoff"
)

// MemoryConfig holds configuration for the in-memory dispatcher. Zero values use defaults.
type MemoryConfig struct {
	BufferSize       int            // pending events buffer (default: 1000)
	Workers          int            // concurrent delivery goroutines (default: 2)
	HTTPTimeout      time.Duration  // per-request timeout (default: 10s)
	MaxRetries       int            // retries after the first attempt (default: 3)
	Backoff          backoff.Config // delay between retries
	BreakerThreshold int            // consecutive failures that open a host's circuit (default: 5)
	BreakerCooldown  time.Duration  // time an open circuit rejects deliveries (default: 30s)
	MaxRequeues      int            // times an event waits for an open circuit before it is dropped (default: 10)
}

// FromConfig converts the service configuration into dispatcher settings.
func FromConfig(cfg config.DispatcherConfig) MemoryConfig {
	return MemoryConfig{
		BufferSize:  cfg.BufferSize,
		Workers:     cfg.Workers,
		HTTPTimeout: cfg.HTTPTimeout,
		MaxRetries:  cfg.MaxRetries,
	}.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	return c
}

// deliveryBudget bounds one callback: every attempt may use the full HTTP
// timeout and every retry waits its backoff delay first.
func (c MemoryConfig) deliveryBudget() time.Duration {
	budget := time.Duration(c.MaxRetries+1) * c.HTTPTimeout
	for attempt := 1; attempt <= c.MaxRetries; attempt++ {
		budget += backoff.Exponential(attempt, &c.Backoff)
	}
	return budget
}
