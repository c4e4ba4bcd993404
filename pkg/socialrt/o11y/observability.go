// Package o11y defines the metrics and tracing hooks used by socialrt
// clients. Implementations live elsewhere (see package otel).
package o11y

import (
	"context"
)

// MetricsProvider abstracts metrics collection (can be implemented with OpenTelemetry, Prometheus, etc.)
type MetricsProvider interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
	Gauge(name string) Gauge
}

// TracingProvider abstracts distributed tracing
type TracingProvider interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Counter represents a monotonically increasing metric
type Counter interface {
	Add(ctx context.Context, value int64, labels ...Label)
}

// Histogram records distribution of values
type Histogram interface {
	Record(ctx context.Context, value float64, labels ...Label)
}

// Gauge represents a value that can go up and down
type Gauge interface {
	Set(ctx context.Context, value float64, labels ...Label)
}

// Span represents a unit of work in a trace
type Span interface {
	SetAttributes(labels ...Label)
	SetStatus(code SpanStatusCode, description string)
	End()
}

// Label represents a key-value pair for metrics and tracing
type Label struct {
	Key   string
	Value string
}

// SpanStatusCode represents the status of a span
type SpanStatusCode int

const (
	SpanStatusUnset SpanStatusCode = iota
	SpanStatusOK
	SpanStatusError
)

// Metric names emitted by socialrt clients.
const (
	MetricConnects          = "socialrt_connects_total"
	MetricDisconnects       = "socialrt_disconnects_total"
	MetricReconnectAttempts = "socialrt_reconnect_attempts_total"
	MetricConnectLatency    = "socialrt_connect_duration_seconds"
	MetricPublished         = "socialrt_published_total"
	MetricQueued            = "socialrt_queued_total"
	MetricFlushed           = "socialrt_flushed_total"
	MetricDropped           = "socialrt_dropped_total"
	MetricReceived          = "socialrt_received_total"
	MetricDecodeErrors      = "socialrt_decode_errors_total"
	MetricOutboxDepth       = "socialrt_outbox_depth"
)

// CounterOrNil returns the named counter, or nil when no provider is configured.
func CounterOrNil(provider MetricsProvider, name string) Counter {
	if provider == nil {
		return nil
	}
	return provider.Counter(name)
}

// Inc adds one to counter if it is non-nil.
func Inc(ctx context.Context, counter Counter, labels ...Label) {
	if counter != nil {
		counter.Add(ctx, 1, labels...)
	}
}

// StartSpan starts a span when tracing is configured. The returned span is
// nil otherwise, and EndSpan tolerates that.
func StartSpan(ctx context.Context, provider TracingProvider, name string) (context.Context, Span) {
	if provider == nil {
		return ctx, nil
	}
	return provider.StartSpan(ctx, name)
}

// EndSpan records err (if any) on span and ends it.
func EndSpan(span Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.SetStatus(SpanStatusError, err.Error())
	} else {
		span.SetStatus(SpanStatusOK, "")
	}
	span.End()
}
