package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tsarna/socialrt/pkg/socialrt"
	"github.com/tsarna/socialrt/pkg/socialrt/o11y"
	"go.uber.org/zap"
)

// ErrSessionEnded is reported when a session ends without an error of its
// own while the client is still active.
var ErrSessionEnded = errors.New("broker session ended")

// Client owns one logical broker connection. Activate starts a run loop that
// keeps a session open, reconnecting after the policy's fixed delay; the
// ConnectHook sets up subscriptions on each new session.
type Client struct {
	// Configuration
	target       Target
	dialer       Dialer
	logger       *zap.Logger
	dialTimeout  time.Duration
	policy       ReconnectPolicy
	monitor      ClientMonitor
	onConnect    ConnectHook
	onDisconnect DisconnectHook
	name         string
	tracing      o11y.TracingProvider

	connectCounter    o11y.Counter
	disconnectCounter o11y.Counter
	reconnectCounter  o11y.Counter
	connectLatency    o11y.Histogram

	// Connection state
	mu        sync.Mutex
	active    bool
	connected bool
	session   Session
	cancel    context.CancelFunc
	runDone   chan struct{}
	waiter    *connectWaiter
}

// connectWaiter resolves once with the outcome of the first connect attempt.
type connectWaiter struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newConnectWaiter() *connectWaiter {
	return &connectWaiter{done: make(chan struct{})}
}

func (w *connectWaiter) resolve(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

func (c *Client) setupMetrics(provider o11y.MetricsProvider) {
	if provider == nil {
		return
	}
	c.connectCounter = provider.Counter(o11y.MetricConnects)
	c.disconnectCounter = provider.Counter(o11y.MetricDisconnects)
	c.reconnectCounter = provider.Counter(o11y.MetricReconnectAttempts)
	c.connectLatency = provider.Histogram(o11y.MetricConnectLatency)
}

func (c *Client) label() o11y.Label {
	return o11y.Label{Key: "client", Value: c.name}
}

// Name returns the client name used in logs and metrics.
func (c *Client) Name() string {
	return c.name
}

// URL returns the broker URL the client connects to.
func (c *Client) URL() string {
	return c.target.URL
}

// Activate starts connecting in the background and returns immediately.
// The run loop stops when ctx is cancelled, when Deactivate is called, or
// when the reconnect policy gives up. Activating an active client does nothing.
func (c *Client) Activate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.active = true
	c.cancel = cancel
	c.runDone = make(chan struct{})
	c.waiter = newConnectWaiter()

	c.logger.Debug("Activating broker client", zap.String("url", RedactURL(c.target.URL)))

	go c.run(runCtx, c.runDone, c.waiter)
}

// Deactivate stops the run loop and closes the live session, if any. It
// blocks until the run loop has exited. Deactivating an inactive client does nothing.
func (c *Client) Deactivate() error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = false
	cancel, done := c.cancel, c.runDone
	c.mu.Unlock()

	c.logger.Debug("Deactivating broker client")

	cancel()
	<-done

	return nil
}

// IsActive reports whether the client is connected or trying to connect.
func (c *Client) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// IsConnected reports whether a session is established and its connect hook completed.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// WaitConnected blocks until the client first connects after Activate. It
// returns early with an error when the broker rejects the handshake, when
// the reconnect policy gives up, or when ctx is done. Transport failures
// that will be retried do not end the wait.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	w := c.waiter
	c.mu.Unlock()

	if w == nil {
		return fmt.Errorf("client has not been activated")
	}

	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send publishes body to destination on the live session.
func (c *Client) Send(destination string, body []byte) error {
	c.mu.Lock()
	session, connected := c.session, c.connected
	c.mu.Unlock()

	if !connected || session == nil {
		return socialrt.ErrNotConnected
	}

	return session.Send(destination, body)
}

func (c *Client) run(ctx context.Context, done chan struct{}, waiter *connectWaiter) {
	defer close(done)
	defer c.stopped(done)
	defer waiter.resolve(socialrt.ErrClosed)

	failed := 0
	for {
		session, err := c.connect(ctx)
		if err == nil {
			failed = 0
			waiter.resolve(nil)

			err = c.await(ctx, session)
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Broker connection lost", zap.Error(err))
		} else {
			if ctx.Err() != nil {
				waiter.resolve(ctx.Err())
				return
			}
			if errors.Is(err, ErrHandshakeRejected) {
				waiter.resolve(err)
			}
			failed++
			c.logger.Error("Failed to connect to broker",
				zap.String("url", RedactURL(c.target.URL)),
				zap.Int("failed_attempts", failed),
				zap.Error(err),
			)
		}

		if !c.policy.Allows(failed) {
			c.logger.Warn("Not reconnecting to broker",
				zap.Int("failed_attempts", failed),
				zap.Int("max_attempts", c.policy.MaxAttempts),
			)
			waiter.resolve(err)
			return
		}

		o11y.Inc(ctx, c.reconnectCounter, c.label())
		if c.monitor != nil {
			c.monitor.OnReconnectAttempt(ctx, c, failed+1, c.policy.Delay)
		}

		timer := time.NewTimer(c.policy.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// stopped marks the client inactive when its run loop exits on its own
// (policy gave up or the activation context ended). Deactivate has already
// done so otherwise.
func (c *Client) stopped(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active && c.runDone == done {
		c.active = false
		c.cancel()
	}
}

// connect dials, runs the connect hook, and publishes the session.
func (c *Client) connect(ctx context.Context) (Session, error) {
	ctx, span := o11y.StartSpan(ctx, c.tracing, "broker.connect")
	start := time.Now()

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	session, err := c.dialer.Dial(dialCtx, c.target)
	cancel()
	if err != nil {
		o11y.EndSpan(span, err)
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	if c.onConnect != nil {
		if err := c.onConnect(ctx, session); err != nil {
			if closeErr := session.Close(); closeErr != nil {
				c.logger.Debug("Error closing session after failed connect hook", zap.Error(closeErr))
			}
			o11y.EndSpan(span, err)
			return nil, fmt.Errorf("failed to set up broker session: %w", err)
		}
	}

	c.mu.Lock()
	c.session = session
	c.connected = true
	c.mu.Unlock()

	o11y.EndSpan(span, nil)
	o11y.Inc(ctx, c.connectCounter, c.label())
	if c.connectLatency != nil {
		c.connectLatency.Record(ctx, time.Since(start).Seconds(), c.label())
	}

	c.logger.Info("Connected to broker", zap.String("url", RedactURL(c.target.URL)))

	if c.monitor != nil {
		c.monitor.OnConnect(ctx, c)
	}

	return session, nil
}

// await blocks until session ends or ctx is cancelled, then tears the
// session down and reports the disconnect.
func (c *Client) await(ctx context.Context, session Session) error {
	var err error
	select {
	case <-session.Done():
		err = session.Err()
		if err == nil && ctx.Err() == nil {
			err = ErrSessionEnded
		}
	case <-ctx.Done():
		if closeErr := session.Close(); closeErr != nil {
			c.logger.Debug("Error closing broker session", zap.Error(closeErr))
		}
	}

	c.mu.Lock()
	c.session = nil
	c.connected = false
	c.mu.Unlock()

	o11y.Inc(context.Background(), c.disconnectCounter, c.label())

	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
	if c.monitor != nil {
		c.monitor.OnDisconnect(context.Background(), c, err)
	}

	if err == nil {
		c.logger.Info("Disconnected from broker")
	}

	return err
}
