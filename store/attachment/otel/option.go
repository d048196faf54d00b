package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName is reported when no service name is set.
const DefaultServiceName = "mailhost"

type options struct {
	tracing     bool
	metrics     bool
	serviceName string
	backend     string
	tp          trace.TracerProvider
	mp          metric.MeterProvider
}

func newOptions(opts ...Option) *options {
	o := &options{
		tracing:     true,
		metrics:     true,
		serviceName: DefaultServiceName,
		tp:          otel.GetTracerProvider(),
		mp:          otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures the instrumented body store.
type Option func(*options)

// WithServiceName sets the service.name metric attribute.
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithBackend names the wrapped backend ("s3", "gcs", "memory"). It is
// added to metrics and spans so cache hits and bucket calls can be told
// apart when several wrappers are stacked.
func WithBackend(name string) Option {
	return func(o *options) {
		o.backend = name
	}
}

// WithTracerProvider sets the tracer provider. Default is the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tp = tp
		}
	}
}

// WithMeterProvider sets the meter provider. Default is the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.mp = mp
		}
	}
}

// WithDisabled turns the wrapper into a pass-through.
func WithDisabled() Option {
	return func(o *options) {
		o.tracing = false
		o.metrics = false
	}
}
