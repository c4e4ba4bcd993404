// Package chat is the real-time chat transport: one broker connection per
// user, subscribed to the user's direct-message and unread-summary queues
// and optionally to one conversation's topic.
//
// Publishing never blocks on the network. While the client is not connected,
// send, update and delete requests wait in an outbox and are flushed, in the
// order they were made, as soon as the next connection is set up and before
// any request made after it.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tsarna/socialrt/pkg/socialrt"
	"github.com/tsarna/socialrt/pkg/socialrt/broker"
	"github.com/tsarna/socialrt/pkg/socialrt/dispatch"
	"github.com/tsarna/socialrt/pkg/socialrt/o11y"
	"github.com/tsarna/socialrt/pkg/socialrt/outbox"
	"go.uber.org/zap"
)

const conversationField = "topic"

// Client is a chat connection. Build one with NewClient.
type Client struct {
	broker     *broker.Client
	logger     *zap.Logger
	dispatcher *dispatch.Dispatcher
	outbox     *outbox.Outbox
	queueSize  int

	onConnected    ConnectedFunc
	onDisconnected DisconnectedFunc
	onDrop         DropHandler

	published    o11y.Counter
	queued       o11y.Counter
	flushed      o11y.Counter
	dropped      o11y.Counter
	received     o11y.Counter
	decodeErrors o11y.Counter
	outboxDepth  o11y.Gauge

	lifecycle sync.Mutex
	async     atomic.Pointer[dispatch.AsyncDispatcher]

	// mu orders publishing against the flush that runs on connect.
	mu           sync.Mutex
	session      broker.Session
	conversation string
	convSub      broker.Subscription
	carry        []outbox.Action
}

type updatePayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type deletePayload struct {
	MessageID string `json:"messageId"`
}

func (c *Client) setupMetrics(provider o11y.MetricsProvider) {
	if provider == nil {
		return
	}
	c.published = provider.Counter(o11y.MetricPublished)
	c.queued = provider.Counter(o11y.MetricQueued)
	c.flushed = provider.Counter(o11y.MetricFlushed)
	c.dropped = provider.Counter(o11y.MetricDropped)
	c.received = provider.Counter(o11y.MetricReceived)
	c.decodeErrors = provider.Counter(o11y.MetricDecodeErrors)
	c.outboxDepth = provider.Gauge(o11y.MetricOutboxDepth)
}

func (c *Client) label() o11y.Label {
	return o11y.Label{Key: "client", Value: "chat"}
}

// Activate starts connecting in the background. Activating an active
// client does nothing.
func (c *Client) Activate(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.broker.IsActive() {
		return
	}

	if old := c.async.Swap(nil); old != nil {
		_ = old.Close()
	}
	c.async.Store(dispatch.NewAsyncDispatcher(c.dispatcher, c.queueSize).Start())

	c.broker.Activate(ctx)
}

// Deactivate closes the connection, discards anything still in the outbox,
// and waits for observers to finish with events already received. Queued
// actions are reported to the drop handler with socialrt.ErrDropped.
// It must not be called from an observer or callback.
func (c *Client) Deactivate() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	err := c.broker.Deactivate()

	c.dropQueued()

	if async := c.async.Swap(nil); async != nil {
		_ = async.Close()
	}

	return err
}

// IsConnected reports whether the client is connected and has finished
// its on-connect setup.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// WaitConnected blocks until the first connection after Activate is set up.
func (c *Client) WaitConnected(ctx context.Context) error {
	return c.broker.WaitConnected(ctx)
}

// Queued returns the number of actions waiting for a connection.
func (c *Client) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.carry) + c.outbox.Len()
}

// SendMessage publishes payload, JSON-encoded, to the send-message destination.
func (c *Client) SendMessage(payload any) error {
	return c.publish(socialrt.SendMessageDestination, payload)
}

// UpdateMessage publishes an edit of message id.
func (c *Client) UpdateMessage(id, content string) error {
	return c.publish(socialrt.UpdateMessageDestination, updatePayload{MessageID: id, Content: content})
}

// DeleteMessage publishes a deletion of message id.
func (c *Client) DeleteMessage(id string) error {
	return c.publish(socialrt.DeleteMessageDestination, deletePayload{MessageID: id})
}

// publish sends immediately when connected and queues otherwise. Only
// local failures are returned.
func (c *Client) publish(destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		err := c.session.Send(destination, body)
		if err == nil {
			o11y.Inc(context.Background(), c.published, c.label())
			return nil
		}
		c.logger.Error("Failed to publish, queueing until reconnected",
			zap.String("destination", destination),
			zap.Error(err),
		)
	}

	action := outbox.NewAction(destination, body)
	if err := c.outbox.Push(action); err != nil {
		c.logger.Warn("Outbox full, action rejected",
			zap.String("destination", destination),
			zap.Int("capacity", c.outbox.Cap()),
		)
		return err
	}

	o11y.Inc(context.Background(), c.queued, c.label())
	c.recordDepth()

	c.logger.Debug("Queued action",
		zap.String("destination", destination),
		zap.Stringer("action_id", action.ID),
	)

	return nil
}

func (c *Client) recordDepth() {
	if c.outboxDepth != nil {
		c.outboxDepth.Set(context.Background(), float64(len(c.carry)+c.outbox.Len()), c.label())
	}
}

// Conversation returns the conversation whose topic the client follows.
func (c *Client) Conversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversation
}

// SetConversation switches the followed conversation. When connected, the
// old topic is unsubscribed before the new one is subscribed; otherwise the
// change applies on the next connect. An empty id follows no conversation.
func (c *Client) SetConversation(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conversationID == c.conversation {
		return nil
	}

	old := c.convSub
	c.conversation = conversationID
	c.convSub = nil

	if c.session == nil {
		return nil
	}

	if old != nil {
		if err := old.Unsubscribe(); err != nil {
			c.logger.Warn("Failed to unsubscribe from conversation",
				zap.String("destination", old.Destination()),
				zap.Error(err),
			)
		}
	}

	if conversationID == "" {
		return nil
	}

	sub, err := c.subscribe(c.session, socialrt.ConversationTopic(conversationID))
	if err != nil {
		return err
	}
	c.convSub = sub
	return nil
}

// On registers handler for inbound events whose destination matches
// pattern. See package dispatch for pattern syntax. The returned function
// cancels the registration.
func (c *Client) On(pattern string, handler dispatch.Handler) func() {
	return c.dispatcher.On(pattern, handler)
}

// OnConversationMessage registers handler for messages on any conversation topic.
func (c *Client) OnConversationMessage(handler func(ctx context.Context, conversationID string, event dispatch.Event)) func() {
	prefix := strings.TrimPrefix(socialrt.ConversationTopic(""), "/topic/")
	return c.dispatcher.On("/topic/+"+conversationField, func(ctx context.Context, event dispatch.Event) {
		topic := event.Fields[conversationField]
		if !strings.HasPrefix(topic, prefix) {
			return
		}
		handler(ctx, strings.TrimPrefix(topic, prefix), event)
	})
}

// OnDirectMessage registers handler for the user's direct-message queue.
func (c *Client) OnDirectMessage(handler dispatch.Handler) func() {
	return c.dispatcher.On(socialrt.DirectMessageQueue, handler)
}

// OnUnreadSummary registers handler for the user's unread-summary queue.
func (c *Client) OnUnreadSummary(handler dispatch.Handler) func() {
	return c.dispatcher.On(socialrt.UnreadSummaryQueue, handler)
}

// sessionStarted subscribes, flushes the outbox, and marks the client
// connected, all before any other publish can reach the session.
func (c *Client) sessionStarted(ctx context.Context, session broker.Session) error {
	c.mu.Lock()

	destinations := []string{socialrt.DirectMessageQueue, socialrt.UnreadSummaryQueue}
	if c.conversation != "" {
		destinations = append([]string{socialrt.ConversationTopic(c.conversation)}, destinations...)
	}

	for _, destination := range destinations {
		sub, err := c.subscribe(session, destination)
		if err != nil {
			c.convSub = nil
			c.mu.Unlock()
			return err
		}
		if c.conversation != "" && destination == socialrt.ConversationTopic(c.conversation) {
			c.convSub = sub
		}
	}

	if err := c.flush(ctx, session); err != nil {
		c.convSub = nil
		c.mu.Unlock()
		return err
	}

	c.session = session
	c.mu.Unlock()

	if c.onConnected != nil {
		c.callback(ctx, func(ctx context.Context) { c.onConnected(ctx) })
	}

	return nil
}

func (c *Client) subscribe(session broker.Session, destination string) (broker.Subscription, error) {
	sub, err := session.Subscribe(destination, c.receiver(destination))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", destination, err)
	}
	c.logger.Debug("Subscribed", zap.String("destination", destination))
	return sub, nil
}

// flush publishes queued actions oldest first. On failure the unsent
// remainder is kept, in order, for the next connection. Callers hold mu.
func (c *Client) flush(ctx context.Context, session broker.Session) error {
	pending := append(c.carry, c.outbox.Drain()...)
	c.carry = nil
	defer c.recordDepth()

	for i, action := range pending {
		if err := session.Send(action.Destination, action.Body); err != nil {
			c.carry = pending[i:]
			return fmt.Errorf("failed to flush queued action %s: %w", action.ID, err)
		}
		o11y.Inc(ctx, c.flushed, c.label())
	}

	if len(pending) > 0 {
		c.logger.Info("Flushed queued actions", zap.Int("count", len(pending)))
	}

	return nil
}

func (c *Client) sessionEnded(err error) {
	c.mu.Lock()
	c.session = nil
	c.convSub = nil
	c.mu.Unlock()

	if c.onDisconnected != nil {
		c.callback(context.Background(), func(ctx context.Context) { c.onDisconnected(ctx, err) })
	}
}

// dropQueued empties the outbox, reporting each action as dropped.
func (c *Client) dropQueued() {
	c.mu.Lock()
	pending := append(c.carry, c.outbox.Drain()...)
	c.carry = nil
	c.recordDepth()
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	c.logger.Warn("Dropping queued actions at teardown", zap.Int("count", len(pending)))

	for _, action := range pending {
		o11y.Inc(context.Background(), c.dropped, c.label())
		if c.onDrop != nil {
			c.onDrop(action, socialrt.ErrDropped)
		}
	}
}

// callback runs fn on the observer goroutine so it never overlaps an observer.
func (c *Client) callback(ctx context.Context, fn func(ctx context.Context)) {
	async := c.async.Load()
	if async == nil {
		return
	}
	if err := async.Call(ctx, fn); err != nil {
		c.logger.Warn("Dropping lifecycle callback", zap.Error(err))
	}
}

func (c *Client) receiver(destination string) broker.MessageHandler {
	return func(msg broker.Message) {
		o11y.Inc(context.Background(), c.received, c.label())

		if !json.Valid(msg.Body) {
			o11y.Inc(context.Background(), c.decodeErrors, c.label())
			c.logger.Warn("Dropping malformed message",
				zap.String("destination", destination),
				zap.Int("size", len(msg.Body)),
			)
			return
		}

		async := c.async.Load()
		if async == nil {
			return
		}

		event := dispatch.Event{
			Destination: destination,
			Headers:     msg.Headers,
			Payload:     json.RawMessage(msg.Body),
		}
		if err := async.Dispatch(context.Background(), event); err != nil {
			c.logger.Warn("Dropping inbound message",
				zap.String("destination", destination),
				zap.Error(err),
			)
		}
	}
}
