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

// Job outcomes, recorded as the kind attribute of job_errors_total.
const (
	OutcomeDone       = "done"
	OutcomeDiagnostic = "diagnostic"
	OutcomeExit       = "exit"
	OutcomeSetup      = "setup"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs/flushes take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Running jobs and admission queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobsResumed    metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter

	// Worker pool metrics (Saturation, Errors)
	PoolQueueSize metric.Int64Gauge
	PoolRejected  metric.Int64Counter

	// Store metrics (Latency, Errors)
	StoreFlushDuration metric.Float64Histogram
	StoreFlushFailures metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("geoalign")
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

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Worker run time from spawn to exit in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs created"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsResumed, err = meter.Int64Counter(
		"jobs_resumed_total",
		metric.WithDescription("Total number of unfinished jobs resumed at startup"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of jobs that ended in error, by kind"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of currently running workers (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Worker pool metrics
	m.PoolQueueSize, err = meter.Int64Gauge(
		"workerpool_queue_size",
		metric.WithDescription("Jobs waiting for a free worker (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PoolRejected, err = meter.Int64Counter(
		"workerpool_rejected_total",
		metric.WithDescription("Jobs refused because the admission queue was full"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Store metrics
	m.StoreFlushDuration, err = meter.Float64Histogram(
		"store_flush_duration_seconds",
		metric.WithDescription("Time to durably write the job store, including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StoreFlushFailures, err = meter.Int64Counter(
		"store_flush_failures_total",
		metric.WithDescription("Flushes that failed after all retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Notification delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total notifications successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total notifications failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total notifications dropped (buffer full)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of notifications in dispatcher queue (saturation)"),
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

// RecordJobCreated records a new job being created.
func (m *Metrics) RecordJobCreated(ctx context.Context) {
	m.JobsTotal.Add(ctx, 1)
}

// RecordJobResumed records an unfinished job picked up again after a restart.
func (m *Metrics) RecordJobResumed(ctx context.Context) {
	m.JobsResumed.Add(ctx, 1)
}

// RecordJobStarted records a worker being spawned.
func (m *Metrics) RecordJobStarted(ctx context.Context) {
	m.JobsActive.Add(ctx, 1)
}

// RecordJobFinished records a job reaching a terminal state. Setup failures
// never started a worker, so they carry no duration and leave jobs_active alone.
func (m *Metrics) RecordJobFinished(ctx context.Context, outcome string, durationSeconds float64) {
	success := outcome == OutcomeDone
	if outcome != OutcomeSetup {
		m.JobDuration.Record(ctx, durationSeconds, metric.WithAttributes(successAttr(success)))
		m.JobsActive.Add(ctx, -1)
	}
	if !success {
		m.JobErrorsTotal.Add(ctx, 1, metric.WithAttributes(kindAttr(outcome)))
	}
}

// RecordPoolQueueSize records the number of admitted jobs waiting for a worker.
func (m *Metrics) RecordPoolQueueSize(ctx context.Context, size int64) {
	m.PoolQueueSize.Record(ctx, size)
}

// RecordPoolRejected records an admission refused because the queue was full.
func (m *Metrics) RecordPoolRejected(ctx context.Context) {
	m.PoolRejected.Add(ctx, 1)
}

// RecordStoreFlush records one flush of the job store.
func (m *Metrics) RecordStoreFlush(ctx context.Context, success bool, durationSeconds float64) {
	m.StoreFlushDuration.Record(ctx, durationSeconds, metric.WithAttributes(successAttr(success)))
	if !success {
		m.StoreFlushFailures.Add(ctx, 1)
	}
}

// RecordDispatcherDelivered records a successful notification delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed notification delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped notification.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
