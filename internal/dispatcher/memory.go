package dispatcher

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
	"trainpipe/pkg/backoff"
	"trainpipe/pkg/circuitbreaker"
	"trainpipe/pkg/cloudevent"
)

// MemoryDispatcher delivers run callbacks from a bounded in-process queue.
//
// Callbacks are fire-and-forget for the pipeline: Dispatch never blocks a run,
// and a callback that cannot be queued or delivered is counted and logged, never
// reported back to the run that produced it. Callbacks still queued at Close are
// delivered before Close returns, so the exit events of cancelled runs go out.
type MemoryDispatcher struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	budget   time.Duration // bound on one callback including its retries
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder records callback delivery metrics. It may be nil.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory starts cfg.Workers delivery goroutines. Call Close to stop them.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:  make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		config:   cfg,
		budget:   cfg.deliveryBudget(),
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	for range cfg.Workers {
		d.wg.Go(d.worker)
	}
	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Callback dispatcher started",
		"workers", cfg.Workers,
		"buffer", cfg.BufferSize,
		"maxRetries", cfg.MaxRetries,
		"budget", d.budget,
	)
	return d
}

func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues a run callback. It returns ErrClosed after Close and
// ErrBufferFull when the queue is full; the callback is dropped in both cases.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}

	select {
	case d.queue <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, "queue full")
		return ErrBufferFull
	}
}

// Stats returns delivery counters since the dispatcher started.
func (d *MemoryDispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Close stops accepting callbacks and waits until the workers have delivered
// what is queued, or until ctx ends. Callbacks waiting out an open circuit are
// dropped. Close is idempotent.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Callback dispatcher draining", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Callback dispatcher stopped",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Callback dispatcher drain timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker() {
	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

// deliver sends one callback. A destination whose circuit is open is not
// contacted; the callback waits for the cooldown and is queued again.
func (d *MemoryDispatcher) deliver(event *Event) {
	host := extractHost(event.Destination)
	breaker := d.breakers.Get(host)

	if !breaker.Allow() {
		d.requeue(event, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.budget)
	defer cancel()

	start := time.Now()
	if err := d.sendWithRetry(ctx, event); err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.eventLogger(event).Warn("Callback delivery failed", "error", err)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

func (d *MemoryDispatcher) requeue(event *Event, host string) {
	if event.Requeues >= d.config.MaxRequeues {
		d.drop(event, "circuit open")
		return
	}

	event.Requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}
	logger := d.eventLogger(event)

	go func() {
		select {
		case <-d.shutdown:
			d.drop(event, "dispatcher closed")
			return
		case <-time.After(d.config.BreakerCooldown):
		}

		select {
		case d.queue <- event:
			logger.Debug("Callback requeued", "circuit", host)
		case <-d.shutdown:
			d.drop(event, "dispatcher closed")
		default:
			d.drop(event, "queue full on requeue")
		}
	}()
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.eventLogger(event).Warn("Callback dropped", "reason", reason)
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	opts := cloudevent.SendOptions{SigningKey: event.SigningKey}

	var lastErr error
	for attempt := range d.config.MaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, &d.config.Backoff)):
			}
		}

		lastErr = d.sender.Send(ctx, event.Destination, event.Payload, opts)
		if lastErr == nil {
			return nil
		}
		if !cloudevent.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// eventLogger scopes log records to the run a callback belongs to.
func (d *MemoryDispatcher) eventLogger(event *Event) *slog.Logger {
	logger := d.logger.With("destination", extractHost(event.Destination), "requeues", event.Requeues)
	if event.Payload != nil {
		logger = logger.With("runId", event.Payload.Subject, "type", event.Payload.Type)
	}
	return logger
}

// extractHost keys circuit breakers by destination host.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
