// Package stompws implements broker.Dialer with STOMP carried over a
// WebSocket, the transport Spring-style message brokers expose to browsers.
package stompws

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"
	"github.com/tsarna/socialrt/pkg/socialrt/broker"
	"go.uber.org/zap"
)

// Subprotocols offered during the WebSocket upgrade, most preferred first.
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// ContentType is sent with every published body.
const ContentType = "application/json"

const (
	defaultReadLimit         = 1 << 20
	defaultDisconnectTimeout = 5 * time.Second
)

// DialerBuilder provides a fluent interface for building Dialers.
type DialerBuilder struct {
	logger            *zap.Logger
	sendHeartBeat     time.Duration
	recvHeartBeat     time.Duration
	host              string
	readLimit         int64
	disconnectTimeout time.Duration
	httpHeaders       map[string][]string
}

// NewDialer creates a Dialer builder. Heart-beating is off unless
// WithHeartBeat is used.
func NewDialer() *DialerBuilder {
	return &DialerBuilder{
		logger:            zap.NewNop(),
		readLimit:         defaultReadLimit,
		disconnectTimeout: defaultDisconnectTimeout,
	}
}

// WithLogger sets the logger for dialed sessions.
func (b *DialerBuilder) WithLogger(logger *zap.Logger) *DialerBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithHeartBeat sets the heart-beat intervals offered in CONNECT. Zero
// disables that direction.
func (b *DialerBuilder) WithHeartBeat(send, recv time.Duration) *DialerBuilder {
	b.sendHeartBeat = send
	b.recvHeartBeat = recv
	return b
}

// WithHost overrides the STOMP host header. It defaults to the URL's hostname.
func (b *DialerBuilder) WithHost(host string) *DialerBuilder {
	b.host = host
	return b
}

// WithReadLimit sets the largest WebSocket message accepted from the broker.
func (b *DialerBuilder) WithReadLimit(limit int64) *DialerBuilder {
	if limit > 0 {
		b.readLimit = limit
	}
	return b
}

// WithDisconnectTimeout bounds how long Close waits for the broker's
// DISCONNECT receipt before dropping the socket.
func (b *DialerBuilder) WithDisconnectTimeout(timeout time.Duration) *DialerBuilder {
	if timeout > 0 {
		b.disconnectTimeout = timeout
	}
	return b
}

// WithHTTPHeader adds a header to the WebSocket upgrade request.
func (b *DialerBuilder) WithHTTPHeader(key, value string) *DialerBuilder {
	if b.httpHeaders == nil {
		b.httpHeaders = make(map[string][]string)
	}
	b.httpHeaders[key] = append(b.httpHeaders[key], value)
	return b
}

// IsValid checks the builder configuration.
func (b *DialerBuilder) IsValid() error {
	if b.sendHeartBeat < 0 || b.recvHeartBeat < 0 {
		return fmt.Errorf("heart-beat intervals must not be negative")
	}
	return nil
}

// Build creates the Dialer.
func (b *DialerBuilder) Build() (*Dialer, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	headers := make(map[string][]string, len(b.httpHeaders))
	for k, v := range b.httpHeaders {
		headers[k] = append([]string(nil), v...)
	}

	return &Dialer{
		logger:            b.logger,
		sendHeartBeat:     b.sendHeartBeat,
		recvHeartBeat:     b.recvHeartBeat,
		host:              b.host,
		readLimit:         b.readLimit,
		disconnectTimeout: b.disconnectTimeout,
		httpHeaders:       headers,
	}, nil
}

// Dialer opens STOMP sessions over WebSocket.
type Dialer struct {
	logger            *zap.Logger
	sendHeartBeat     time.Duration
	recvHeartBeat     time.Duration
	host              string
	readLimit         int64
	disconnectTimeout time.Duration
	httpHeaders       map[string][]string
}

var _ broker.Dialer = (*Dialer)(nil)

// Dial upgrades to WebSocket and performs the STOMP CONNECT handshake,
// sending target.Headers as CONNECT headers. ctx bounds the handshake only;
// the returned session lives until closed or the transport fails.
func (d *Dialer) Dial(ctx context.Context, target broker.Target) (broker.Session, error) {
	u, err := url.Parse(target.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	dialOptions := &websocket.DialOptions{Subprotocols: Subprotocols}
	if len(d.httpHeaders) > 0 {
		dialOptions.HTTPHeader = make(map[string][]string, len(d.httpHeaders))
		for k, v := range d.httpHeaders {
			dialOptions.HTTPHeader[k] = v
		}
	}

	ws, _, err := websocket.Dial(ctx, target.URL, dialOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	ws.SetReadLimit(d.readLimit)

	// The net.Conn outlives ctx; cancelling connCtx tears the socket down.
	connCtx, cancel := context.WithCancel(context.Background())
	s := newSession(d.logger.With(zap.String("url", broker.RedactURL(u.String()))), cancel, d.disconnectTimeout)
	conn := &watchedConn{Conn: websocket.NetConn(connCtx, ws, websocket.MessageText), session: s}

	host := d.host
	if host == "" {
		host = u.Hostname()
	}
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(host),
		stomp.ConnOpt.HeartBeat(d.sendHeartBeat, d.recvHeartBeat),
		stomp.ConnOpt.Logger(newStompLogger(s.logger)),
	}
	for k, v := range target.Headers {
		opts = append(opts, stomp.ConnOpt.Header(k, v))
	}

	stop := context.AfterFunc(ctx, cancel)
	stompConn, err := stomp.Connect(conn, opts...)
	if !stop() {
		if err == nil {
			_ = stompConn.MustDisconnect()
		}
		cancel()
		return nil, fmt.Errorf("STOMP handshake interrupted: %w", ctx.Err())
	}
	if err != nil {
		// A socket that failed underneath the handshake is a transport
		// problem; anything else is the broker refusing us.
		transportFailed := s.isDone()
		cancel()
		if transportFailed {
			return nil, fmt.Errorf("STOMP handshake failed: %w", err)
		}
		return nil, fmt.Errorf("%w: %w", broker.ErrHandshakeRejected, err)
	}

	s.attach(stompConn)
	s.logger.Debug("STOMP session established",
		zap.String("subprotocol", ws.Subprotocol()),
		zap.String("version", string(stompConn.Version())),
		zap.String("server", stompConn.Server()),
	)

	return s, nil
}

