package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/runs/stages take
// - Traffic: Request/run throughput, shipped log volume
// - Errors: Rate of failures per run and per stage
// - Saturation: Active runs and billable instances
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Run metrics (Latency, Traffic, Errors, Saturation)
	RunDuration    metric.Float64Histogram
	RunsTotal      metric.Int64Counter
	RunErrorsTotal metric.Int64Counter
	RunsActive     metric.Int64UpDownCounter

	// Stage metrics (Latency, Errors)
	StageDuration    metric.Float64Histogram
	StageErrorsTotal metric.Int64Counter

	// Instance metrics (Saturation)
	InstancesActive  metric.Int64UpDownCounter
	InstanceLifetime metric.Float64Histogram

	// Log shipment metrics (Traffic)
	LogBytesShipped metric.Int64Counter
	LogFilesShipped metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration   metric.Float64Histogram
	DispatcherDelivered  metric.Int64Counter
	DispatcherFailed     metric.Int64Counter
	DispatcherDropped    metric.Int64Counter
	DispatcherRequeued   metric.Int64Counter
	DispatcherQueueSize  metric.Int64Gauge
	DispatcherBufferSize int64 // config value for saturation calculation
}

// longBuckets covers stages that take from seconds to hours.
var longBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("trainpipe")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Run metrics
	m.RunDuration, err = meter.Float64Histogram(
		"pipeline_run_duration_seconds",
		metric.WithDescription("Pipeline run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(longBuckets...),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RunsTotal, err = meter.Int64Counter(
		"pipeline_runs_total",
		metric.WithDescription("Total number of pipeline runs started"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RunErrorsTotal, err = meter.Int64Counter(
		"pipeline_run_errors_total",
		metric.WithDescription("Total number of failed pipeline runs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RunsActive, err = meter.Int64UpDownCounter(
		"pipeline_runs_active",
		metric.WithDescription("Number of currently executing pipeline runs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Stage metrics
	m.StageDuration, err = meter.Float64Histogram(
		"pipeline_stage_duration_seconds",
		metric.WithDescription("Duration of each pipeline stage in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(longBuckets...),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StageErrorsTotal, err = meter.Int64Counter(
		"pipeline_stage_errors_total",
		metric.WithDescription("Total number of failed pipeline stages"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Instance metrics
	m.InstancesActive, err = meter.Int64UpDownCounter(
		"instances_active",
		metric.WithDescription("Number of billable training instances currently alive"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.InstanceLifetime, err = meter.Float64Histogram(
		"instance_lifetime_seconds",
		metric.WithDescription("Time from launch to confirmed termination in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(longBuckets...),
	)
	if err != nil {
		return nil, nil, err
	}

	// Log shipment metrics
	m.LogBytesShipped, err = meter.Int64Counter(
		"log_bytes_shipped_total",
		metric.WithDescription("Total bytes of log bundles uploaded"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.LogFilesShipped, err = meter.Int64Counter(
		"log_files_shipped_total",
		metric.WithDescription("Total log files included in uploaded bundles"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordRunStarted records a pipeline run being started for a CI job.
func (m *Metrics) RecordRunStarted(ctx context.Context, job string) {
	attrs := metric.WithAttributes(jobAttr(job))
	m.RunsTotal.Add(ctx, 1, attrs)
	m.RunsActive.Add(ctx, 1, attrs)
}

// RecordRunCompleted records a pipeline run finishing (success or failure).
func (m *Metrics) RecordRunCompleted(ctx context.Context, job string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(jobAttr(job), successAttr(success))
	m.RunDuration.Record(ctx, durationSeconds, attrs)
	m.RunsActive.Add(ctx, -1, metric.WithAttributes(jobAttr(job)))

	if !success {
		m.RunErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordStage records the outcome of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(stageAttr(stage), successAttr(success))
	m.StageDuration.Record(ctx, durationSeconds, attrs)

	if !success {
		m.StageErrorsTotal.Add(ctx, 1, metric.WithAttributes(stageAttr(stage)))
	}
}

// RecordInstanceLaunched records a billable instance coming into existence.
func (m *Metrics) RecordInstanceLaunched(ctx context.Context) {
	m.InstancesActive.Add(ctx, 1)
}

// RecordInstanceTerminated records a confirmed termination and the instance's lifetime.
func (m *Metrics) RecordInstanceTerminated(ctx context.Context, lifetimeSeconds float64) {
	m.InstancesActive.Add(ctx, -1)
	m.InstanceLifetime.Record(ctx, lifetimeSeconds)
}

// RecordLogsShipped records an uploaded log bundle.
func (m *Metrics) RecordLogsShipped(ctx context.Context, files int, bytes int64) {
	m.LogFilesShipped.Add(ctx, int64(files))
	m.LogBytesShipped.Add(ctx, bytes)
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
