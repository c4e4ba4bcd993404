package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/tsarna/socialrt/pkg/socialrt/o11y"
)

func newTestProvider() *Provider {
	return NewProviderFrom(metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider(), "socialrt-test", "0.0.0")
}

func TestProviderInstrumentsAreCached(t *testing.T) {
	p := newTestProvider()

	assert.Same(t, p.Counter(o11y.MetricPublished), p.Counter(o11y.MetricPublished))
	assert.NotSame(t, p.Counter(o11y.MetricPublished), p.Counter(o11y.MetricQueued))
	assert.Same(t, p.Histogram(o11y.MetricConnectLatency), p.Histogram(o11y.MetricConnectLatency))
	assert.Same(t, p.Gauge(o11y.MetricOutboxDepth), p.Gauge(o11y.MetricOutboxDepth))
}

func TestGaugeTracksLastValuePerLabelSet(t *testing.T) {
	p := newTestProvider()
	ctx := context.Background()

	g, ok := p.Gauge(o11y.MetricOutboxDepth).(*otelGauge)
	require.True(t, ok)

	chat := o11y.Label{Key: "client", Value: "chat"}
	notify := o11y.Label{Key: "client", Value: "notify"}

	g.Set(ctx, 3, chat)
	g.Set(ctx, 5, notify)
	g.Set(ctx, 1, chat)

	assert.Equal(t, 1.0, g.value(chat))
	assert.Equal(t, 5.0, g.value(notify))
	assert.Equal(t, 0.0, g.value())
}

func TestProviderSpans(t *testing.T) {
	p := newTestProvider()

	ctx, span := p.StartSpan(context.Background(), "broker.connect")
	require.NotNil(t, ctx)
	require.NotNil(t, span)

	assert.NotPanics(t, func() {
		span.SetAttributes(o11y.Label{Key: "url", Value: "ws://localhost/ws"})
		o11y.EndSpan(span, errors.New("refused"))
	})
}

func TestProviderCounterAndHistogram(t *testing.T) {
	p := newTestProvider()
	ctx := context.Background()

	assert.NotPanics(t, func() {
		p.Counter(o11y.MetricConnects).Add(ctx, 1, o11y.Label{Key: "client", Value: "chat"})
		p.Histogram(o11y.MetricConnectLatency).Record(ctx, 0.25)
	})
}
