// Package stomptest runs a minimal in-process STOMP-over-WebSocket broker
// for tests. It understands CONNECT, SUBSCRIBE, UNSUBSCRIBE, SEND and
// DISCONNECT, routes SEND frames to subscribers of the same destination,
// and records what clients sent.
package stomptest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"
	"go.uber.org/zap"
)

// Subprotocols the broker accepts.
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// Frame is a SEND frame received from a client.
type Frame struct {
	Destination string
	ContentType string
	Headers     map[string]string
	Body        string
}

// Connect describes one accepted or rejected CONNECT.
type Connect struct {
	Headers map[string]string
	Query   url.Values
}

// Broker is a test STOMP broker served over httptest.
type Broker struct {
	server *httptest.Server
	logger *zap.Logger

	mu        sync.Mutex
	conns     map[*conn]struct{}
	sent      []Frame
	connects  []Connect
	rejection string
	messageID int64
	closed    bool
}

// NewBroker starts a broker listening on a loopback port.
func NewBroker() *Broker {
	return NewBrokerWithLogger(zap.NewNop())
}

// NewBrokerWithLogger starts a broker that logs frames to logger.
func NewBrokerWithLogger(logger *zap.Logger) *Broker {
	b := &Broker{
		logger: logger,
		conns:  make(map[*conn]struct{}),
	}
	b.server = httptest.NewServer(http.HandlerFunc(b.serveWebsocket))
	return b
}

// URL returns the ws:// URL of the broker's endpoint.
func (b *Broker) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws"
}

// RejectConnects makes subsequent CONNECT frames fail with an ERROR frame
// carrying message. An empty message accepts connects again.
func (b *Broker) RejectConnects(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejection = message
}

// Sent returns every SEND frame received, in arrival order.
func (b *Broker) Sent() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Frame, len(b.sent))
	copy(out, b.sent)
	return out
}

// SentTo returns the bodies of SEND frames received for destination.
func (b *Broker) SentTo(destination string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, f := range b.sent {
		if f.Destination == destination {
			out = append(out, f.Body)
		}
	}
	return out
}

// Connects returns every CONNECT seen, accepted or not.
func (b *Broker) Connects() []Connect {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Connect, len(b.connects))
	copy(out, b.connects)
	return out
}

// ConnectionCount returns the number of live STOMP connections.
func (b *Broker) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for c := range b.conns {
		if c.connected.Load() {
			count++
		}
	}
	return count
}

// Subscriptions returns how many live subscriptions exist on destination
// across all connections.
func (b *Broker) Subscriptions(destination string) int {
	b.mu.Lock()
	conns := b.snapshot()
	b.mu.Unlock()

	count := 0
	for _, c := range conns {
		count += len(c.subscriptionsTo(destination))
	}
	return count
}

// Publish delivers body as a MESSAGE to every subscriber of destination and
// returns the number of deliveries.
func (b *Broker) Publish(destination, body string) int {
	b.mu.Lock()
	conns := b.snapshot()
	b.mu.Unlock()

	delivered := 0
	for _, c := range conns {
		for _, id := range c.subscriptionsTo(destination) {
			f := frame.New("MESSAGE",
				"destination", destination,
				"subscription", id,
				"message-id", strconv.FormatInt(atomic.AddInt64(&b.messageID, 1), 10),
				"content-type", "application/json",
			)
			f.Body = []byte(body)
			if err := c.write(f); err != nil {
				b.logger.Debug("Failed to deliver message", zap.Error(err))
				continue
			}
			delivered++
		}
	}
	return delivered
}

// DropConnections severs every client socket without a STOMP or WebSocket
// close handshake.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := b.snapshot()
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.CloseNow()
	}
}

// Close drops all connections and stops the server.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.DropConnections()
	b.server.Close()
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (b *Broker) snapshot() []*conn {
	out := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		out = append(out, c)
	}
	return out
}

func (b *Broker) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: Subprotocols})
	if err != nil {
		b.logger.Error("Failed to accept WebSocket connection", zap.Error(err))
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ws.Close(websocket.StatusServiceRestart, "broker shutting down")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	nc := websocket.NetConn(ctx, ws, websocket.MessageText)
	c := &conn{
		ws:     ws,
		writer: frame.NewWriter(nc),
		subs:   make(map[string]string),
	}
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		_ = nc.Close()
	}()

	b.serve(c, frame.NewReader(nc), r.URL.Query())
}

func (b *Broker) serve(c *conn, reader *frame.Reader, query url.Values) {
	for {
		f, err := reader.Read()
		if err != nil {
			b.logger.Debug("Connection closed", zap.Error(err))
			return
		}
		if f == nil {
			continue
		}

		b.logger.Debug("Frame received", zap.String("command", f.Command))

		switch f.Command {
		case "CONNECT", "STOMP":
			if !b.handleConnect(c, f, query) {
				return
			}
			continue
		case "SUBSCRIBE":
			c.subscribe(f.Header.Get("id"), f.Header.Get("destination"))
		case "UNSUBSCRIBE":
			c.unsubscribe(f.Header.Get("id"))
		case "SEND":
			b.handleSend(f)
		case "DISCONNECT":
			b.receipt(c, f)
			return
		}

		b.receipt(c, f)
	}
}

func (b *Broker) handleConnect(c *conn, f *frame.Frame, query url.Values) bool {
	b.mu.Lock()
	b.connects = append(b.connects, Connect{Headers: headerMap(f.Header), Query: query})
	rejection := b.rejection
	b.mu.Unlock()

	if rejection != "" {
		errFrame := frame.New("ERROR", "message", rejection, "content-type", "text/plain")
		errFrame.Body = []byte(rejection)
		_ = c.write(errFrame)
		return false
	}

	if err := c.write(frame.New("CONNECTED", "version", "1.2", "heart-beat", "0,0", "server", "stomptest")); err != nil {
		return false
	}
	c.connected.Store(true)
	return true
}

func (b *Broker) handleSend(f *frame.Frame) {
	sent := Frame{
		Destination: f.Header.Get("destination"),
		ContentType: f.Header.Get("content-type"),
		Headers:     headerMap(f.Header),
		Body:        string(f.Body),
	}

	b.mu.Lock()
	b.sent = append(b.sent, sent)
	b.mu.Unlock()

	b.Publish(sent.Destination, sent.Body)
}

func (b *Broker) receipt(c *conn, f *frame.Frame) {
	if id := f.Header.Get("receipt"); id != "" {
		_ = c.write(frame.New("RECEIPT", "receipt-id", id))
	}
}

func headerMap(h *frame.Header) map[string]string {
	out := make(map[string]string)
	if h == nil {
		return out
	}
	for i := 0; i < h.Len(); i++ {
		k, v := h.GetAt(i)
		if _, seen := out[k]; !seen {
			out[k] = v
		}
	}
	return out
}

type conn struct {
	ws        *websocket.Conn
	connected atomic.Bool

	writeMu sync.Mutex
	writer  *frame.Writer

	subsMu sync.Mutex
	subs   map[string]string
}

func (c *conn) write(f *frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writer.Write(f)
}

func (c *conn) subscribe(id, destination string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs[id] = destination
}

func (c *conn) unsubscribe(id string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	delete(c.subs, id)
}

func (c *conn) subscriptionsTo(destination string) []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	var ids []string
	for id, dest := range c.subs {
		if dest == destination {
			ids = append(ids, id)
		}
	}
	return ids
}
