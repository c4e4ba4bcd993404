// Package notify keeps one notification connection per auth session.
//
// A Session hands out a Client bound to a bearer token. Asking again with
// the same token while that client is still active returns the same Client;
// a different token, or a client that has stopped, replaces it.
package notify

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/tsarna/socialrt/pkg/socialrt"
	"github.com/tsarna/socialrt/pkg/socialrt/broker"
	"github.com/tsarna/socialrt/pkg/socialrt/dispatch"
	"github.com/tsarna/socialrt/pkg/socialrt/o11y"
	"github.com/tsarna/socialrt/pkg/socialrt/stompws"
	"go.uber.org/zap"
)

// TokenParam is the query parameter carrying the bearer token.
const TokenParam = "token"

// SessionBuilder provides a fluent interface for building Sessions.
type SessionBuilder struct {
	url         string
	dialer      broker.Dialer
	logger      *zap.Logger
	dialTimeout time.Duration
	policy      broker.ReconnectPolicy
	monitor     broker.ClientMonitor
	queueSize   int
	metrics     o11y.MetricsProvider
	tracing     o11y.TracingProvider
}

// NewSession creates a new Session builder.
func NewSession() *SessionBuilder {
	return &SessionBuilder{
		logger:      zap.NewNop(),
		dialTimeout: 30 * time.Second,
		policy:      broker.DefaultReconnectPolicy(),
		queueSize:   dispatch.DefaultQueueSize,
	}
}

// WithURL sets the broker WebSocket URL, without the token.
func (b *SessionBuilder) WithURL(url string) *SessionBuilder {
	b.url = url
	return b
}

// WithDialer replaces the default STOMP-over-WebSocket dialer.
func (b *SessionBuilder) WithDialer(dialer broker.Dialer) *SessionBuilder {
	b.dialer = dialer
	return b
}

// WithLogger sets the logger.
func (b *SessionBuilder) WithLogger(logger *zap.Logger) *SessionBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout bounds each connection attempt.
func (b *SessionBuilder) WithDialTimeout(timeout time.Duration) *SessionBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithReconnectPolicy sets the fixed-delay reconnect policy for every client.
func (b *SessionBuilder) WithReconnectPolicy(policy broker.ReconnectPolicy) *SessionBuilder {
	b.policy = policy
	return b
}

// WithMonitor sets an optional monitor for connection lifecycle events.
func (b *SessionBuilder) WithMonitor(monitor broker.ClientMonitor) *SessionBuilder {
	b.monitor = monitor
	return b
}

// WithQueueSize sets how many notifications may wait for the handler.
func (b *SessionBuilder) WithQueueSize(size int) *SessionBuilder {
	if size > 0 {
		b.queueSize = size
	}
	return b
}

// WithMetrics sets the metrics provider.
func (b *SessionBuilder) WithMetrics(provider o11y.MetricsProvider) *SessionBuilder {
	b.metrics = provider
	return b
}

// WithTracing sets the tracing provider.
func (b *SessionBuilder) WithTracing(provider o11y.TracingProvider) *SessionBuilder {
	b.tracing = provider
	return b
}

// IsValid checks that all required configuration is present.
func (b *SessionBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}

	if _, err := url.Parse(b.url); err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	return nil
}

// Build creates the Session. No connection is made until Client is called.
func (b *SessionBuilder) Build() (*Session, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	dialer := b.dialer
	if dialer == nil {
		d, err := stompws.NewDialer().WithLogger(b.logger).Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build dialer: %w", err)
		}
		dialer = d
	}

	return &Session{
		url:         b.url,
		dialer:      dialer,
		logger:      b.logger,
		dialTimeout: b.dialTimeout,
		policy:      b.policy,
		monitor:     b.monitor,
		queueSize:   b.queueSize,
		metrics:     b.metrics,
		tracing:     b.tracing,
	}, nil
}

// Session owns at most one notification Client at a time.
type Session struct {
	url         string
	dialer      broker.Dialer
	logger      *zap.Logger
	dialTimeout time.Duration
	policy      broker.ReconnectPolicy
	monitor     broker.ClientMonitor
	queueSize   int
	metrics     o11y.MetricsProvider
	tracing     o11y.TracingProvider

	// mu guards the fields below. It is never held while waiting for a
	// connection, so Current and Disconnect do not block behind a dial.
	mu      sync.Mutex
	client  *Client
	token   string
	pending *Client
}

// Client returns the client for token, connecting one if needed.
//
// The current client is reused when token is unchanged and the client is
// still active, connected or reconnecting. Otherwise the current client is
// deactivated and a new one is activated and awaited. Concurrent calls for
// the same token share one pending connection. The wait ends with an error
// if the broker rejects the handshake, ctx is done or Disconnect is called;
// transport failures are retried meanwhile. A client that failed to connect
// is discarded.
func (s *Session) Client(ctx context.Context, token string) (*Client, error) {
	s.mu.Lock()
	if s.client != nil && s.token == token && s.client.IsActive() {
		c := s.client
		s.mu.Unlock()
		return c, nil
	}

	c := s.pending
	var stale []*Client
	if c == nil || c.Token() != token {
		stale = s.detach()
		var err error
		if c, err = s.newClient(token); err != nil {
			s.mu.Unlock()
			s.deactivate(stale)
			return nil, err
		}
		c.activate()
		s.pending = c
	}
	s.mu.Unlock()
	s.deactivate(stale)

	err := c.broker.WaitConnected(ctx)

	s.mu.Lock()
	switch {
	case err != nil:
		if s.pending == c {
			s.pending = nil
		}
	case s.pending == c:
		s.pending = nil
		s.client = c
		s.token = token
	case s.client != c:
		// Superseded or disconnected while connecting.
		err = socialrt.ErrClosed
	}
	s.mu.Unlock()

	if err != nil {
		_ = c.Deactivate()
		s.logger.Error("Notification connection failed", zap.Error(err))
		return nil, fmt.Errorf("failed to connect for notifications: %w", err)
	}
	return c, nil
}

// Current returns the current client, or nil. A client still connecting is
// not current yet.
func (s *Session) Current() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Subscribe replaces the notification handler on the current client.
func (s *Session) Subscribe(handler dispatch.Handler) error {
	c := s.Current()
	if c == nil {
		return socialrt.ErrNotConnected
	}
	return c.Subscribe(handler)
}

// MarkRead marks a notification read through the current client.
func (s *Session) MarkRead(notificationID any) error {
	c := s.Current()
	if c == nil {
		return socialrt.ErrNotConnected
	}
	return c.MarkRead(notificationID)
}

// Disconnect deactivates the current client and forgets it and its
// subscription, so the next Client call starts afresh. A connection still
// pending is abandoned and its Client call fails.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	current := s.client
	pending := s.pending
	s.client, s.token, s.pending = nil, "", nil
	s.mu.Unlock()

	if pending != nil {
		_ = pending.Deactivate()
	}
	if current == nil {
		return nil
	}
	return current.Deactivate()
}

// detach forgets the current and pending clients and returns them for
// deactivation. Callers hold mu.
func (s *Session) detach() []*Client {
	var out []*Client
	if s.client != nil {
		out = append(out, s.client)
	}
	if s.pending != nil {
		out = append(out, s.pending)
	}
	s.client, s.token, s.pending = nil, "", nil
	return out
}

// deactivate stops clients, ignoring errors. Callers must not hold mu.
func (s *Session) deactivate(clients []*Client) {
	for _, c := range clients {
		if err := c.Deactivate(); err != nil {
			s.logger.Debug("Error deactivating notification client", zap.Error(err))
		}
	}
}

func (s *Session) newClient(token string) (*Client, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	q := u.Query()
	q.Set(TokenParam, token)
	u.RawQuery = q.Encode()

	c := &Client{
		token:      token,
		logger:     s.logger,
		dispatcher: dispatch.NewDispatcher(s.logger),
		queueSize:  s.queueSize,
	}
	c.setupMetrics(s.metrics)

	bc, err := broker.NewClient().
		WithName("notifications").
		WithURL(u.String()).
		WithDialer(s.dialer).
		WithLogger(s.logger).
		WithDialTimeout(s.dialTimeout).
		WithReconnectPolicy(s.policy).
		WithMonitor(s.monitor).
		WithOnConnect(c.sessionStarted).
		WithOnDisconnect(c.sessionEnded).
		WithMetrics(s.metrics).
		WithTracing(s.tracing).
		Build()
	if err != nil {
		return nil, err
	}
	c.broker = bc

	return c, nil
}
