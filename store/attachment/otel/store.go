// Package otel provides OpenTelemetry instrumentation for body stores.
package otel

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/mailhost/store"
)

const instrumentationName = "github.com/rbaliyan/mailhost/store/attachment/otel"

// Store wraps an AttachmentFileStore with OpenTelemetry instrumentation.
//
// Metrics carry only the operation and service name; body hashes and URIs
// go on spans.
type Store struct {
	backend store.AttachmentFileStore
	opts    *options

	tracer trace.Tracer
	attrs  []attribute.KeyValue // constant attributes, e.g. backend

	duration metric.Float64Histogram
	ops      metric.Int64Counter
	bytes    metric.Int64Counter
	errors   metric.Int64Counter
}

// Ensure Store implements AttachmentFileStore.
var _ store.AttachmentFileStore = (*Store)(nil)

// New creates a new instrumented body store wrapping the given backend.
func New(backend store.AttachmentFileStore, opts ...Option) (*Store, error) {
	o := newOptions(opts...)

	s := &Store{backend: backend, opts: o}
	if o.backend != "" {
		s.attrs = []attribute.KeyValue{attribute.String("backend", o.backend)}
	}
	if o.tracing {
		s.tracer = o.tp.Tracer(instrumentationName)
	}
	if o.metrics {
		if err := s.initMetrics(o.mp); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}
	return s, nil
}

func (s *Store) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error
	s.duration, err = meter.Float64Histogram(
		"body_store.duration",
		metric.WithDescription("Duration of body store operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}
	s.ops, err = meter.Int64Counter(
		"body_store.operations",
		metric.WithDescription("Number of body store operations"),
	)
	if err != nil {
		return err
	}
	s.bytes, err = meter.Int64Counter(
		"body_store.bytes",
		metric.WithDescription("Bytes uploaded and loaded"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}
	s.errors, err = meter.Int64Counter(
		"body_store.errors",
		metric.WithDescription("Number of failed body store operations"),
	)
	return err
}

// start opens a span for op if tracing is enabled. The returned span may be nil.
func (s *Store) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	return s.tracer.Start(ctx, "body_store."+op,
		trace.WithAttributes(s.attrs...),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// record finishes an operation: metrics first, then span status.
func (s *Store) record(ctx context.Context, span trace.Span, op string, start time.Time, n int64, err error) {
	if s.opts.metrics {
		attrs := metric.WithAttributes(append([]attribute.KeyValue{
			attribute.String("operation", op),
			attribute.String("service.name", s.opts.serviceName),
		}, s.attrs...)...)
		s.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		s.ops.Add(ctx, 1, attrs)
		if n > 0 {
			s.bytes.Add(ctx, n, attrs)
		}
		if err != nil {
			s.errors.Add(ctx, 1, attrs)
		}
	}

	if span == nil {
		return
	}
	if n > 0 {
		span.SetAttributes(attribute.Int64("body.bytes", n))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Upload uploads a body with tracing and metrics.
func (s *Store) Upload(ctx context.Context, name, contentType string, content io.Reader) (string, error) {
	ctx, span := s.start(ctx, "upload",
		attribute.String("body.name", name),
		attribute.String("body.content_type", contentType),
	)
	start := time.Now()

	cr := &countingReader{reader: content}
	uri, err := s.backend.Upload(ctx, name, contentType, cr)
	if span != nil && err == nil {
		span.SetAttributes(attribute.String("body.uri", uri))
	}
	s.record(ctx, span, "upload", start, cr.bytes, err)
	return uri, err
}

// Load returns a reader for the body. Bytes and the span are recorded when
// the reader is closed.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	ctx, span := s.start(ctx, "load", attribute.String("body.uri", uri))
	start := time.Now()

	reader, err := s.backend.Load(ctx, uri)
	if err != nil {
		s.record(ctx, span, "load", start, 0, err)
		return nil, err
	}
	return &instrumentedReader{reader: reader, span: span, store: s, ctx: ctx, start: start}, nil
}

// Delete removes a body with tracing and metrics.
func (s *Store) Delete(ctx context.Context, uri string) error {
	ctx, span := s.start(ctx, "delete", attribute.String("body.uri", uri))
	start := time.Now()

	err := s.backend.Delete(ctx, uri)
	s.record(ctx, span, "delete", start, 0, err)
	return err
}

type countingReader struct {
	reader io.Reader
	bytes  int64
}

func (r *countingReader) Read(p []byte) (n int, err error) {
	n, err = r.reader.Read(p)
	r.bytes += int64(n)
	return n, err
}

type instrumentedReader struct {
	reader io.ReadCloser
	span   trace.Span
	store  *Store
	ctx    context.Context
	start  time.Time
	bytes  int64
	closed bool
}

func (r *instrumentedReader) Read(p []byte) (n int, err error) {
	n, err = r.reader.Read(p)
	r.bytes += int64(n)
	return n, err
}

func (r *instrumentedReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.reader.Close()
	r.store.record(r.ctx, r.span, "load", r.start, r.bytes, err)
	return err
}
