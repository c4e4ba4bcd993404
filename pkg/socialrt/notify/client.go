package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tsarna/socialrt/pkg/socialrt"
	"github.com/tsarna/socialrt/pkg/socialrt/broker"
	"github.com/tsarna/socialrt/pkg/socialrt/dispatch"
	"github.com/tsarna/socialrt/pkg/socialrt/o11y"
	"go.uber.org/zap"
)

// Client is one token-bound notification connection, obtained from Session.Client.
type Client struct {
	broker     *broker.Client
	token      string
	logger     *zap.Logger
	dispatcher *dispatch.Dispatcher
	async      *dispatch.AsyncDispatcher
	queueSize  int

	published    o11y.Counter
	received     o11y.Counter
	decodeErrors o11y.Counter

	mu          sync.Mutex
	session     broker.Session
	subscribed  bool
	cancelOn    func()
	sub         broker.Subscription
	deactivated bool
}

type markReadPayload struct {
	NotificationID any `json:"notificationId"`
}

func (c *Client) setupMetrics(provider o11y.MetricsProvider) {
	c.published = o11y.CounterOrNil(provider, o11y.MetricPublished)
	c.received = o11y.CounterOrNil(provider, o11y.MetricReceived)
	c.decodeErrors = o11y.CounterOrNil(provider, o11y.MetricDecodeErrors)
}

func (c *Client) label() o11y.Label {
	return o11y.Label{Key: "client", Value: "notifications"}
}

// Token returns the bearer token the client was created for.
func (c *Client) Token() string {
	return c.token
}

// IsActive reports whether the client is connected or reconnecting.
func (c *Client) IsActive() bool {
	return c.broker.IsActive()
}

// IsConnected reports whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

func (c *Client) activate() {
	c.async = dispatch.NewAsyncDispatcher(c.dispatcher, c.queueSize).Start()
	c.broker.Activate(context.Background())
}

// Deactivate closes the connection and drops the subscription. It must not
// be called from the notification handler.
func (c *Client) Deactivate() error {
	c.mu.Lock()
	if c.deactivated {
		c.mu.Unlock()
		return nil
	}
	c.deactivated = true
	c.mu.Unlock()

	err := c.broker.Deactivate()

	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()

	if c.async != nil {
		_ = c.async.Close()
	}

	return err
}

// Subscribe makes handler the receiver of the user's notifications. A
// previous subscription is cancelled first, so there is never more than
// one. The subscription is restored after every reconnect.
func (c *Client) Subscribe(handler dispatch.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deactivated {
		return socialrt.ErrClosed
	}

	c.cancel()

	c.cancelOn = c.dispatcher.On(socialrt.NotificationQueue, handler)
	c.subscribed = true

	if c.session == nil {
		return nil
	}
	return c.subscribe(c.session)
}

// Unsubscribe cancels the notification subscription, if any.
func (c *Client) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel()
}

// cancel drops the handler and broker subscription. Callers hold mu.
func (c *Client) cancel() {
	if c.cancelOn != nil {
		c.cancelOn()
		c.cancelOn = nil
	}
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.logger.Warn("Failed to unsubscribe from notifications", zap.Error(err))
		}
		c.sub = nil
	}
	c.subscribed = false
}

func (c *Client) subscribe(session broker.Session) error {
	sub, err := session.Subscribe(socialrt.NotificationQueue, c.receive)
	if err != nil {
		return fmt.Errorf("failed to subscribe to notifications: %w", err)
	}
	c.sub = sub
	c.logger.Debug("Subscribed to notifications")
	return nil
}

// MarkRead publishes a read receipt for notificationID, JSON-encoded as given.
func (c *Client) MarkRead(notificationID any) error {
	body, err := json.Marshal(markReadPayload{NotificationID: notificationID})
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return socialrt.ErrNotConnected
	}
	if err := session.Send(socialrt.MarkReadDestination, body); err != nil {
		c.logger.Error("Failed to mark notification read", zap.Error(err))
		return err
	}
	o11y.Inc(context.Background(), c.published, c.label())
	return nil
}

func (c *Client) sessionStarted(ctx context.Context, session broker.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subscribed {
		if err := c.subscribe(session); err != nil {
			return err
		}
	}
	c.session = session
	return nil
}

func (c *Client) sessionEnded(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
	c.sub = nil
}

func (c *Client) receive(msg broker.Message) {
	o11y.Inc(context.Background(), c.received, c.label())

	if !json.Valid(msg.Body) {
		o11y.Inc(context.Background(), c.decodeErrors, c.label())
		c.logger.Warn("Dropping malformed notification", zap.Int("size", len(msg.Body)))
		return
	}

	event := dispatch.Event{
		Destination: socialrt.NotificationQueue,
		Headers:     msg.Headers,
		Payload:     json.RawMessage(msg.Body),
	}
	if err := c.async.Dispatch(context.Background(), event); err != nil {
		c.logger.Warn("Dropping notification", zap.Error(err))
	}
}
