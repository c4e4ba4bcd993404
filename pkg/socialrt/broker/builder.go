package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/tsarna/socialrt/pkg/socialrt/o11y"
	"go.uber.org/zap"
)

// ConnectHook runs on every new session before the client reports itself
// connected. Returning an error closes the session and counts as a failed attempt.
type ConnectHook func(ctx context.Context, session Session) error

// DisconnectHook runs after a session ends. err is nil when the session was
// closed by Deactivate.
type DisconnectHook func(err error)

// ClientBuilder provides a fluent interface for building broker clients.
type ClientBuilder struct {
	url          string
	headers      map[string]string
	dialer       Dialer
	logger       *zap.Logger
	dialTimeout  time.Duration
	policy       ReconnectPolicy
	monitor      ClientMonitor
	onConnect    ConnectHook
	onDisconnect DisconnectHook
	name         string
	metrics      o11y.MetricsProvider
	tracing      o11y.TracingProvider
}

// NewClient creates a new broker client builder.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		logger:      zap.NewNop(),
		dialTimeout: 30 * time.Second,
		policy:      DefaultReconnectPolicy(),
		name:        "broker",
	}
}

// WithURL sets the broker WebSocket URL.
func (b *ClientBuilder) WithURL(url string) *ClientBuilder {
	b.url = url
	return b
}

// WithDialer sets the Dialer used for every connection attempt.
func (b *ClientBuilder) WithDialer(dialer Dialer) *ClientBuilder {
	b.dialer = dialer
	return b
}

// WithHeader adds a header sent with the protocol handshake.
func (b *ClientBuilder) WithHeader(key, value string) *ClientBuilder {
	if b.headers == nil {
		b.headers = make(map[string]string)
	}
	b.headers[key] = value
	return b
}

// WithHeaders adds several handshake headers.
func (b *ClientBuilder) WithHeaders(headers map[string]string) *ClientBuilder {
	for key, value := range headers {
		b.WithHeader(key, value)
	}
	return b
}

// WithLogger sets the logger for the client.
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout bounds each dial, handshake included.
func (b *ClientBuilder) WithDialTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithReconnectPolicy sets the fixed-delay reconnect policy.
func (b *ClientBuilder) WithReconnectPolicy(policy ReconnectPolicy) *ClientBuilder {
	b.policy = policy
	return b
}

// WithMonitor sets an optional monitor for lifecycle events.
func (b *ClientBuilder) WithMonitor(monitor ClientMonitor) *ClientBuilder {
	b.monitor = monitor
	return b
}

// WithOnConnect sets the hook run on each new session.
func (b *ClientBuilder) WithOnConnect(hook ConnectHook) *ClientBuilder {
	b.onConnect = hook
	return b
}

// WithOnDisconnect sets the hook run when a session ends.
func (b *ClientBuilder) WithOnDisconnect(hook DisconnectHook) *ClientBuilder {
	b.onDisconnect = hook
	return b
}

// WithName sets the name used in logs and metric labels.
func (b *ClientBuilder) WithName(name string) *ClientBuilder {
	if name != "" {
		b.name = name
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

	if b.dialer == nil {
		return fmt.Errorf("dialer is required")
	}

	if b.policy.MaxAttempts < -1 {
		return fmt.Errorf("max reconnect attempts must be -1 or more, got %d", b.policy.MaxAttempts)
	}

	return nil
}

// Build creates the client. It does not connect; call Activate.
func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(b.headers))
	for k, v := range b.headers {
		headers[k] = v
	}

	logger := b.logger.With(zap.String("client", b.name))

	c := &Client{
		target:       Target{URL: b.url, Headers: headers},
		dialer:       b.dialer,
		logger:       logger,
		dialTimeout:  b.dialTimeout,
		policy:       b.policy,
		monitor:      b.monitor,
		onConnect:    b.onConnect,
		onDisconnect: b.onDisconnect,
		name:         b.name,
		tracing:      b.tracing,
	}
	c.setupMetrics(b.metrics)

	return c, nil
}
