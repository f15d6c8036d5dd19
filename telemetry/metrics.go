// Package telemetry provides OpenTelemetry metrics for the archive
// server: ingestion outcomes, dedup effectiveness, filter accuracy,
// cache behaviour, session flushes, compaction phases, and backend
// operation latencies.
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/web-archive"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	ingestUnitsTotal          metric.Int64Counter
	ingestBytesTotal          metric.Int64Counter
	blobWriteSize             metric.Float64Histogram
	redactionsTotal           metric.Int64Counter
	filterFalsePositivesTotal metric.Int64Counter
	cacheLookupsTotal         metric.Int64Counter
	sessionFlushesTotal       metric.Int64Counter
	sessionFlushRecordsTotal  metric.Int64Counter

	compactionItemsTotal metric.Int64Counter
	compactionDuration   metric.Float64Histogram

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "web-archive"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"web_archive_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"web_archive_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"web_archive_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	ingestUnitsTotal, err := meter.Int64Counter(
		"web_archive_ingest_units_total",
		metric.WithDescription("Total ingested content units by outcome"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		return err
	}

	ingestBytesTotal, err := meter.Int64Counter(
		"web_archive_ingest_bytes_total",
		metric.WithDescription("Total raw bytes presented for ingestion"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	blobWriteSize, err := meter.Float64Histogram(
		"web_archive_blob_write_size_bytes",
		metric.WithDescription("Compressed size of content objects written to storage"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536, 131072, 262144, 524288, 1048576, 2097152, 4194304, 8388608, 16777216),
	)
	if err != nil {
		return err
	}

	redactionsTotal, err := meter.Int64Counter(
		"web_archive_redactions_total",
		metric.WithDescription("Total credential values redacted during scrubbing"),
		metric.WithUnit("{redaction}"),
	)
	if err != nil {
		return err
	}

	filterFalsePositivesTotal, err := meter.Int64Counter(
		"web_archive_filter_false_positives_total",
		metric.WithDescription("Existence filter hits not confirmed by the index"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"web_archive_cache_lookups_total",
		metric.WithDescription("Hot cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	sessionFlushesTotal, err := meter.Int64Counter(
		"web_archive_session_flushes_total",
		metric.WithDescription("Total session index document flushes"),
		metric.WithUnit("{flush}"),
	)
	if err != nil {
		return err
	}

	sessionFlushRecordsTotal, err := meter.Int64Counter(
		"web_archive_session_flush_records_total",
		metric.WithDescription("Total request records flushed to session documents"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	compactionItemsTotal, err := meter.Int64Counter(
		"web_archive_compaction_items_total",
		metric.WithDescription("Total items processed by compaction phases"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return err
	}

	compactionDuration, err := meter.Float64Histogram(
		"web_archive_compaction_duration_seconds",
		metric.WithDescription("Duration of compaction phases"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	backendRequestDuration, err := meter.Float64Histogram(
		"web_archive_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	backendRequestsTotal, err := meter.Int64Counter(
		"web_archive_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendBytesTotal, err := meter.Int64Counter(
		"web_archive_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:             requestsTotal,
		responseBytesTotal:        responseBytesTotal,
		requestDuration:           requestDuration,
		ingestUnitsTotal:          ingestUnitsTotal,
		ingestBytesTotal:          ingestBytesTotal,
		blobWriteSize:             blobWriteSize,
		redactionsTotal:           redactionsTotal,
		filterFalsePositivesTotal: filterFalsePositivesTotal,
		cacheLookupsTotal:         cacheLookupsTotal,
		sessionFlushesTotal:       sessionFlushesTotal,
		sessionFlushRecordsTotal:  sessionFlushRecordsTotal,
		compactionItemsTotal:      compactionItemsTotal,
		compactionDuration:        compactionDuration,
		backendRequestDuration:    backendRequestDuration,
		backendRequestsTotal:      backendRequestsTotal,
		backendBytesTotal:         backendBytesTotal,
		meterProvider:             mp,
		promHandler:               promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// StatusClass converts an HTTP status code to its class ("2xx", "4xx", ...).
func StatusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

// RecordHTTP records HTTP request metrics. Call this from the logging
// middleware after the request completes. Route is the registered
// pattern, not the raw path, to keep cardinality bounded.
func RecordHTTP(ctx context.Context, method, route string, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status_class", StatusClass(status)),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordIngestUnit records one ingested content unit. Outcome is one of
// "new", "duplicate", or "error".
func RecordIngestUnit(ctx context.Context, outcome string, rawBytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("outcome", outcome),
	}
	globalMetrics.ingestUnitsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if rawBytes > 0 {
		globalMetrics.ingestBytesTotal.Add(ctx, rawBytes, metric.WithAttributes(attrs...))
	}
}

// RecordBlobWrite records a content object write with its compressed size.
func RecordBlobWrite(ctx context.Context, size int64, isNew bool) {
	if globalMetrics == nil {
		return
	}

	result := "exists"
	if isNew {
		result = "new"
	}

	globalMetrics.blobWriteSize.Record(ctx, float64(size),
		metric.WithAttributes(attribute.String("result", result)))
}

// RecordRedactions records credential values redacted in one unit.
func RecordRedactions(ctx context.Context, count int64) {
	if globalMetrics == nil || count <= 0 {
		return
	}
	globalMetrics.redactionsTotal.Add(ctx, count)
}

// RecordFilterFalsePositive records an existence-filter hit that the
// index did not confirm.
func RecordFilterFalsePositive(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.filterFalsePositivesTotal.Add(ctx, 1)
}

// RecordCacheLookup records a hot cache lookup.
func RecordCacheLookup(ctx context.Context, hit bool) {
	if globalMetrics == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)))
}

// RecordSessionFlush records one session index document flush.
func RecordSessionFlush(ctx context.Context, records int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sessionFlushesTotal.Add(ctx, 1)
	globalMetrics.sessionFlushRecordsTotal.Add(ctx, int64(records))
}

// RecordCompactionPhase records one compaction phase run.
func RecordCompactionPhase(ctx context.Context, phase string, items int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("phase", phase),
	}
	globalMetrics.compactionItemsTotal.Add(ctx, int64(items), metric.WithAttributes(attrs...))
	globalMetrics.compactionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler, or nil
// when the Prometheus exporter is not enabled.
func PrometheusHandler() http.Handler {
	if globalMetrics == nil {
		return nil
	}
	return globalMetrics.promHandler
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
