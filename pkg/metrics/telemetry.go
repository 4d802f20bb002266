package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cohenjo/readmodel/pkg/config"
)

/*
Telemetry owns the OpenTelemetry meter and tracer providers. Metrics are
exported through a Prometheus registry served by Handler.

All Record methods are safe on a nil *Telemetry, so components can take
one optionally.
*/
type Telemetry struct {
	config         config.TelemetryConfig
	registry       *prometheus.Registry
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer

	received      metric.Int64Counter
	applied       metric.Int64Counter
	skipped       metric.Int64Counter
	malformed     metric.Int64Counter
	sinkErrors    metric.Int64Counter
	applyDuration metric.Float64Histogram
	httpRequests  metric.Int64Counter
	httpDuration  metric.Float64Histogram
}

// NewTelemetry sets up the providers. With telemetry disabled it returns a
// Telemetry that records nothing but still serves the default registry.
func NewTelemetry(cfg config.TelemetryConfig) (*Telemetry, error) {
	t := &Telemetry{
		config:   cfg,
		registry: prometheus.NewRegistry(),
		tracer:   noop.NewTracerProvider().Tracer(cfg.ServiceName),
	}
	if !cfg.Enabled {
		log.Info().Msg("Telemetry disabled")
		return t, nil
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(t.registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(t.meterProvider)

	t.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRate))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(t.tracerProvider)
	t.tracer = t.tracerProvider.Tracer(cfg.ServiceName, trace.WithInstrumentationVersion(cfg.ServiceVersion))

	if err := t.createInstruments(); err != nil {
		return nil, err
	}

	log.Info().Str("service", cfg.ServiceName).Float64("trace_sample_rate", cfg.TraceSampleRate).Msg("Telemetry configured")
	return t, nil
}

func (t *Telemetry) createInstruments() error {
	meter := t.meterProvider.Meter(t.config.ServiceName, metric.WithInstrumentationVersion(t.config.ServiceVersion))

	var err error
	if t.received, err = meter.Int64Counter("readmodel_events_received_total",
		metric.WithDescription("Change notifications received from the event source")); err != nil {
		return fmt.Errorf("failed to create events_received counter: %w", err)
	}
	if t.applied, err = meter.Int64Counter("readmodel_events_applied_total",
		metric.WithDescription("Changes applied to the read model")); err != nil {
		return fmt.Errorf("failed to create events_applied counter: %w", err)
	}
	if t.skipped, err = meter.Int64Counter("readmodel_events_skipped_total",
		metric.WithDescription("Notifications intentionally not applied, e.g. snapshot reads")); err != nil {
		return fmt.Errorf("failed to create events_skipped counter: %w", err)
	}
	if t.malformed, err = meter.Int64Counter("readmodel_events_malformed_total",
		metric.WithDescription("Notifications dropped as malformed")); err != nil {
		return fmt.Errorf("failed to create events_malformed counter: %w", err)
	}
	if t.sinkErrors, err = meter.Int64Counter("readmodel_sink_errors_total",
		metric.WithDescription("Sink writes that failed; the read model may have diverged")); err != nil {
		return fmt.Errorf("failed to create sink_errors counter: %w", err)
	}
	if t.applyDuration, err = meter.Float64Histogram("readmodel_apply_duration_seconds",
		metric.WithDescription("Time spent applying one change to the sink"),
		metric.WithUnit("s")); err != nil {
		return fmt.Errorf("failed to create apply_duration histogram: %w", err)
	}
	if t.httpRequests, err = meter.Int64Counter("readmodel_http_requests_total",
		metric.WithDescription("HTTP API requests")); err != nil {
		return fmt.Errorf("failed to create http_requests counter: %w", err)
	}
	if t.httpDuration, err = meter.Float64Histogram("readmodel_http_request_duration_seconds",
		metric.WithDescription("HTTP API request latency"),
		metric.WithUnit("s")); err != nil {
		return fmt.Errorf("failed to create http_duration histogram: %w", err)
	}
	return nil
}

func (t *Telemetry) enabled() bool {
	return t != nil && t.meterProvider != nil
}

// RecordReceived counts a notification by operation code.
func (t *Telemetry) RecordReceived(ctx context.Context, op string) {
	if !t.enabled() {
		return
	}
	t.received.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordApplied counts a successful sink call and its latency.
func (t *Telemetry) RecordApplied(ctx context.Context, kind string, d time.Duration) {
	if !t.enabled() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	t.applied.Add(ctx, 1, attrs)
	t.applyDuration.Record(ctx, d.Seconds(), attrs)
}

func (t *Telemetry) RecordSkipped(ctx context.Context, reason string) {
	if !t.enabled() {
		return
	}
	t.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (t *Telemetry) RecordMalformed(ctx context.Context) {
	if !t.enabled() {
		return
	}
	t.malformed.Add(ctx, 1)
}

// RecordSinkError counts a failed sink call and its latency.
func (t *Telemetry) RecordSinkError(ctx context.Context, kind string, d time.Duration) {
	if !t.enabled() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	t.sinkErrors.Add(ctx, 1, attrs)
	t.applyDuration.Record(ctx, d.Seconds(), attrs)
}

// StartApplySpan starts the span covering one sink call.
func (t *Telemetry) StartApplySpan(ctx context.Context, kind, table, id string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "readmodel.apply",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("readmodel.kind", kind),
			attribute.String("readmodel.table", table),
			attribute.String("readmodel.id", id),
		))
}

// Handler serves the OpenTelemetry metrics together with the default
// Prometheus registry.
func (t *Telemetry) Handler() http.Handler {
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer}
	if t != nil {
		gatherers = append(prometheus.Gatherers{t.registry}, gatherers...)
	}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var firstErr error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("failed to shut down tracer provider: %w", err)
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to shut down meter provider: %w", err)
		}
	}
	return firstErr
}
