package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/tsarna/socialrt/pkg/socialrt"
	"github.com/tsarna/socialrt/pkg/socialrt/broker"
	"github.com/tsarna/socialrt/pkg/socialrt/dispatch"
	"github.com/tsarna/socialrt/pkg/socialrt/o11y"
	"github.com/tsarna/socialrt/pkg/socialrt/outbox"
	"github.com/tsarna/socialrt/pkg/socialrt/stompws"
	"go.uber.org/zap"
)

// ConnectedFunc is called after each connect, once subscriptions are in
// place and the outbox has been flushed.
type ConnectedFunc func(ctx context.Context)

// DisconnectedFunc is called when a connection ends. err is nil after Deactivate.
type DisconnectedFunc func(ctx context.Context, err error)

// DropHandler is told about every queued action discarded at teardown.
type DropHandler func(action outbox.Action, err error)

// ClientBuilder provides a fluent interface for building chat clients.
type ClientBuilder struct {
	url            string
	dialer         broker.Dialer
	identity       socialrt.Identity
	conversation   string
	debug          bool
	logger         *zap.Logger
	dialTimeout    time.Duration
	policy         broker.ReconnectPolicy
	monitor        broker.ClientMonitor
	onConnected    ConnectedFunc
	onDisconnected DisconnectedFunc
	onDrop         DropHandler
	outboxCapacity int
	queueSize      int
	metrics        o11y.MetricsProvider
	tracing        o11y.TracingProvider
}

// NewClient creates a new chat client builder.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		logger:         zap.NewNop(),
		dialTimeout:    30 * time.Second,
		policy:         broker.DefaultReconnectPolicy(),
		outboxCapacity: outbox.DefaultCapacity,
		queueSize:      dispatch.DefaultQueueSize,
	}
}

// WithURL sets the broker WebSocket URL.
func (b *ClientBuilder) WithURL(url string) *ClientBuilder {
	b.url = url
	return b
}

// WithDialer replaces the default STOMP-over-WebSocket dialer.
func (b *ClientBuilder) WithDialer(dialer broker.Dialer) *ClientBuilder {
	b.dialer = dialer
	return b
}

// WithIdentity sets the user the connection is opened for.
func (b *ClientBuilder) WithIdentity(identity socialrt.Identity) *ClientBuilder {
	b.identity = identity
	return b
}

// WithConversation subscribes to a conversation's topic on every connect.
func (b *ClientBuilder) WithConversation(conversationID string) *ClientBuilder {
	b.conversation = conversationID
	return b
}

// WithDebug logs every inbound event at debug level.
func (b *ClientBuilder) WithDebug(debug bool) *ClientBuilder {
	b.debug = debug
	return b
}

// WithLogger sets the logger for the client.
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout bounds each connection attempt.
func (b *ClientBuilder) WithDialTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithReconnectPolicy sets the fixed-delay reconnect policy.
func (b *ClientBuilder) WithReconnectPolicy(policy broker.ReconnectPolicy) *ClientBuilder {
	b.policy = policy
	return b
}

// WithMonitor sets an optional monitor for connection lifecycle events.
func (b *ClientBuilder) WithMonitor(monitor broker.ClientMonitor) *ClientBuilder {
	b.monitor = monitor
	return b
}

// WithOnConnected sets the connected callback.
func (b *ClientBuilder) WithOnConnected(fn ConnectedFunc) *ClientBuilder {
	b.onConnected = fn
	return b
}

// WithOnDisconnected sets the disconnected callback.
func (b *ClientBuilder) WithOnDisconnected(fn DisconnectedFunc) *ClientBuilder {
	b.onDisconnected = fn
	return b
}

// WithDropHandler sets the handler told about actions discarded at teardown.
func (b *ClientBuilder) WithDropHandler(fn DropHandler) *ClientBuilder {
	b.onDrop = fn
	return b
}

// WithOutboxCapacity bounds how many actions may wait for a connection.
func (b *ClientBuilder) WithOutboxCapacity(capacity int) *ClientBuilder {
	if capacity > 0 {
		b.outboxCapacity = capacity
	}
	return b
}

// WithQueueSize sets how many inbound events may wait for observers.
func (b *ClientBuilder) WithQueueSize(size int) *ClientBuilder {
	if size > 0 {
		b.queueSize = size
	}
	return b
}

// WithMetrics sets the metrics provider.
func (b *ClientBuilder) WithMetrics(provider o11y.MetricsProvider) *ClientBuilder {
	b.metrics = provider
	return b
}

// WithTracing sets the tracing provider.
func (b *ClientBuilder) WithTracing(provider o11y.TracingProvider) *ClientBuilder {
	b.tracing = provider
	return b
}

// IsValid checks that all required configuration is present.
func (b *ClientBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}

	if b.identity.UserID == "" {
		return fmt.Errorf("user id is required")
	}

	return nil
}

// Build creates the client. It does not connect; call Activate.
func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	logger := b.logger.With(zap.String("user_id", b.identity.UserID))

	dialer := b.dialer
	if dialer == nil {
		d, err := stompws.NewDialer().WithLogger(logger).Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build dialer: %w", err)
		}
		dialer = d
	}

	c := &Client{
		logger:         logger,
		dispatcher:     dispatch.NewDispatcher(logger),
		outbox:         outbox.New(b.outboxCapacity),
		queueSize:      b.queueSize,
		conversation:   b.conversation,
		onConnected:    b.onConnected,
		onDisconnected: b.onDisconnected,
		onDrop:         b.onDrop,
	}
	c.setupMetrics(b.metrics)

	if b.debug {
		c.dispatcher.On("#", dispatch.LogEvents(logger, zap.DebugLevel, "debug"))
	}

	bc, err := broker.NewClient().
		WithName("chat").
		WithURL(b.url).
		WithDialer(dialer).
		WithHeaders(b.identity.Headers()).
		WithLogger(logger).
		WithDialTimeout(b.dialTimeout).
		WithReconnectPolicy(b.policy).
		WithMonitor(b.monitor).
		WithOnConnect(c.sessionStarted).
		WithOnDisconnect(c.sessionEnded).
		WithMetrics(b.metrics).
		WithTracing(b.tracing).
		Build()
	if err != nil {
		return nil, err
	}
	c.broker = bc

	return c, nil
}
