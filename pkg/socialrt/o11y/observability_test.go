package o11y

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingProvider struct {
	counters map[string]*countingCounter
}

func (p *countingProvider) Counter(name string) Counter {
	if p.counters == nil {
		p.counters = make(map[string]*countingCounter)
	}
	c := &countingCounter{}
	p.counters[name] = c
	return c
}

func (p *countingProvider) Histogram(name string) Histogram { return nil }
func (p *countingProvider) Gauge(name string) Gauge         { return nil }

type countingCounter struct {
	total int64
}

func (c *countingCounter) Add(ctx context.Context, value int64, labels ...Label) {
	c.total += value
}

type recordingSpan struct {
	code  SpanStatusCode
	desc  string
	ended bool
}

func (s *recordingSpan) SetAttributes(labels ...Label) {}
func (s *recordingSpan) SetStatus(code SpanStatusCode, description string) {
	s.code = code
	s.desc = description
}
func (s *recordingSpan) End() { s.ended = true }

func TestCounterHelpers(t *testing.T) {
	t.Run("nil provider yields nil counter", func(t *testing.T) {
		assert.Nil(t, CounterOrNil(nil, MetricPublished))
		assert.NotPanics(t, func() { Inc(context.Background(), nil) })
	})

	t.Run("provider counter is incremented", func(t *testing.T) {
		provider := &countingProvider{}
		counter := CounterOrNil(provider, MetricPublished)
		Inc(context.Background(), counter)
		Inc(context.Background(), counter)
		assert.Equal(t, int64(2), provider.counters[MetricPublished].total)
	})
}

func TestSpanHelpers(t *testing.T) {
	t.Run("nil tracing provider", func(t *testing.T) {
		ctx := context.Background()
		got, span := StartSpan(ctx, nil, "connect")
		assert.Equal(t, ctx, got)
		assert.Nil(t, span)
		assert.NotPanics(t, func() { EndSpan(span, nil) })
	})

	t.Run("error status", func(t *testing.T) {
		span := &recordingSpan{}
		EndSpan(span, errors.New("boom"))
		assert.Equal(t, SpanStatusError, span.code)
		assert.Equal(t, "boom", span.desc)
		assert.True(t, span.ended)
	})

	t.Run("ok status", func(t *testing.T) {
		span := &recordingSpan{}
		EndSpan(span, nil)
		assert.Equal(t, SpanStatusOK, span.code)
		assert.True(t, span.ended)
	})
}
