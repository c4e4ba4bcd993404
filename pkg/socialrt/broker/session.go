// Package broker manages a single message-broker connection: dialing,
// handing each new session to the owner for subscription setup, watching
// for the session to end, and reconnecting after a fixed delay.
package broker

import (
	"context"
	"errors"
	"net/url"
)

// ErrHandshakeRejected marks dial errors where the broker answered the
// protocol handshake with a refusal, as opposed to transport failures.
var ErrHandshakeRejected = errors.New("broker rejected handshake")

// Message is an inbound frame received on a subscribed destination.
type Message struct {
	Destination string
	Headers     map[string]string
	Body        []byte
}

// MessageHandler is called for each message on a subscription. Handlers for
// one subscription are called sequentially.
type MessageHandler func(msg Message)

// Subscription is a live subscription on a Session.
type Subscription interface {
	Destination() string
	Unsubscribe() error
}

// Session is one established broker connection. It ends when Close is
// called or when the transport fails; Done is closed in either case.
type Session interface {
	Send(destination string, body []byte) error
	Subscribe(destination string, handler MessageHandler) (Subscription, error)

	// Done is closed when the session ends.
	Done() <-chan struct{}

	// Err returns why the session ended: nil after Close, the transport or
	// protocol error otherwise. It is only meaningful after Done is closed.
	Err() error

	Close() error
}

// Target describes where and how to connect.
type Target struct {
	URL     string
	Headers map[string]string
}

// Dialer establishes sessions, including the protocol handshake.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, target Target) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, target Target) (Session, error) {
	return f(ctx, target)
}

// RedactURL drops the query string and user info from raw, which may carry
// credentials. Unparseable input yields an empty string.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
