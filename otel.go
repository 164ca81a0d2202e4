package inbox

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/inbox"
)

// otelInstrumentation holds OpenTelemetry instrumentation for data stores.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	// Pagination
	loadLatency metric.Float64Histogram
	loadCount   metric.Int64Counter
	loadErrors  metric.Int64Counter
	pageLatency metric.Float64Histogram
	pageCount   metric.Int64Counter
	pageErrors  metric.Int64Counter

	// Mutations
	mutationLatency metric.Float64Histogram
	mutationCount   metric.Int64Counter
	mutationErrors  metric.Int64Counter
	rollbackCount   metric.Int64Counter

	// Real-time
	connectLatency metric.Float64Histogram
	connectErrors  metric.Int64Counter
	reconnectCount metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error
	histogram := func(dst *metric.Float64Histogram, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
	}
	counter := func(dst *metric.Int64Counter, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Counter(name, metric.WithDescription(desc))
	}

	histogram(&o.loadLatency, "inbox.load.duration", "Duration of first page loads")
	counter(&o.loadCount, "inbox.load.count", "Number of first page loads")
	counter(&o.loadErrors, "inbox.load.errors", "Number of failed first page loads")

	histogram(&o.pageLatency, "inbox.page.duration", "Duration of next page fetches")
	counter(&o.pageCount, "inbox.page.count", "Number of next page fetches")
	counter(&o.pageErrors, "inbox.page.errors", "Number of failed next page fetches")

	histogram(&o.mutationLatency, "inbox.mutation.duration", "Duration of mutations including confirmation")
	counter(&o.mutationCount, "inbox.mutation.count", "Number of mutations")
	counter(&o.mutationErrors, "inbox.mutation.errors", "Number of failed mutations")
	counter(&o.rollbackCount, "inbox.rollback.count", "Number of optimistic changes rolled back")

	histogram(&o.connectLatency, "inbox.socket.connect.duration", "Duration of socket connect and subscribe")
	counter(&o.connectErrors, "inbox.socket.connect.errors", "Number of failed socket connects")
	counter(&o.reconnectCount, "inbox.socket.reconnects", "Number of failed reconnect attempts")

	return err
}

// startSpan starts a new span if tracing is enabled.
// The returned function ends the span, recording err if non-nil.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordLoad records first page load metrics.
func (o *otelInstrumentation) recordLoad(ctx context.Context, duration time.Duration, datasetID string, resultCount int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("dataset", datasetID),
		attribute.Int("result_count", resultCount),
	)

	o.loadLatency.Record(ctx, duration.Seconds(), attrs)
	o.loadCount.Add(ctx, 1, attrs)
	if err != nil {
		o.loadErrors.Add(ctx, 1, attrs)
	}
}

// recordPage records next page fetch metrics.
func (o *otelInstrumentation) recordPage(ctx context.Context, duration time.Duration, datasetID string, resultCount int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("dataset", datasetID),
		attribute.Int("result_count", resultCount),
	)

	o.pageLatency.Record(ctx, duration.Seconds(), attrs)
	o.pageCount.Add(ctx, 1, attrs)
	if err != nil {
		o.pageErrors.Add(ctx, 1, attrs)
	}
}

// recordMutation records mutation metrics.
func (o *otelInstrumentation) recordMutation(ctx context.Context, duration time.Duration, operation string, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
	)

	o.mutationLatency.Record(ctx, duration.Seconds(), attrs)
	o.mutationCount.Add(ctx, 1, attrs)
	if err != nil {
		o.mutationErrors.Add(ctx, 1, attrs)
	}
}

func (o *otelInstrumentation) recordRollback(ctx context.Context, operation string) {
	if !o.metricsEnabled {
		return
	}
	o.rollbackCount.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

func (o *otelInstrumentation) recordConnect(ctx context.Context, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}
	o.connectLatency.Record(ctx, duration.Seconds())
	if err != nil {
		o.connectErrors.Add(ctx, 1)
	}
}

func (o *otelInstrumentation) recordReconnect(ctx context.Context) {
	if !o.metricsEnabled {
		return
	}
	o.reconnectCount.Add(ctx, 1)
}
