package mailhost

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
	instrumentationName = "github.com/rbaliyan/mailhost"
)

// otelInstrumentation holds OpenTelemetry instrumentation for the ingestors.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	appendLatency   metric.Float64Histogram
	appendCount     metric.Int64Counter
	appendErrors    metric.Int64Counter
	appendDuplicate metric.Int64Counter
	quotaRejections metric.Int64Counter
	quotaLatency    metric.Float64Histogram
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

	o.appendLatency, err = meter.Float64Histogram(
		"mailhost.append.duration",
		metric.WithDescription("Duration of append operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.appendCount, err = meter.Int64Counter(
		"mailhost.append.count",
		metric.WithDescription("Number of append operations"),
	)
	if err != nil {
		return err
	}

	o.appendErrors, err = meter.Int64Counter(
		"mailhost.append.errors",
		metric.WithDescription("Number of failed appends"),
	)
	if err != nil {
		return err
	}

	o.appendDuplicate, err = meter.Int64Counter(
		"mailhost.append.duplicates",
		metric.WithDescription("Number of appends answered by an existing message"),
	)
	if err != nil {
		return err
	}

	o.quotaRejections, err = meter.Int64Counter(
		"mailhost.quota.rejections",
		metric.WithDescription("Number of writes rejected for quota"),
	)
	if err != nil {
		return err
	}

	o.quotaLatency, err = meter.Float64Histogram(
		"mailhost.quota.duration",
		metric.WithDescription("Duration of quota queries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	return nil
}

// startSpan starts a new span if tracing is enabled.
// The returned function ends the span and records err on it.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
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

// recordAppend records append operation metrics.
func (o *otelInstrumentation) recordAppend(ctx context.Context, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("code", ResponseCode(err)),
	)

	o.appendLatency.Record(ctx, duration.Seconds(), attrs)
	o.appendCount.Add(ctx, 1, attrs)
	if err != nil {
		o.appendErrors.Add(ctx, 1, attrs)
	}
}

// recordDuplicate records an append short-circuited by fingerprint.
func (o *otelInstrumentation) recordDuplicate(ctx context.Context) {
	if !o.metricsEnabled {
		return
	}
	o.appendDuplicate.Add(ctx, 1)
}

// recordQuotaRejection records a write rejected for quota.
func (o *otelInstrumentation) recordQuotaRejection(ctx context.Context, stage string) {
	if !o.metricsEnabled {
		return
	}
	o.quotaRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// recordQuota records quota query metrics.
func (o *otelInstrumentation) recordQuota(ctx context.Context, duration time.Duration, op string) {
	if !o.metricsEnabled {
		return
	}
	o.quotaLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("operation", op)))
}
