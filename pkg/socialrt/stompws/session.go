package stompws

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/tsarna/socialrt/pkg/socialrt"
	"github.com/tsarna/socialrt/pkg/socialrt/broker"
	"go.uber.org/zap"
)

// ErrDisconnectTimeout is logged when the broker does not acknowledge
// DISCONNECT in time and the socket is dropped instead.
var ErrDisconnectTimeout = errors.New("timed out waiting for DISCONNECT receipt")

// session adapts a go-stomp connection to broker.Session.
type session struct {
	logger            *zap.Logger
	cancel            context.CancelFunc
	disconnectTimeout time.Duration

	mu      sync.Mutex
	conn    *stomp.Conn
	closing bool

	endOnce sync.Once
	done    chan struct{}
	err     error
}

var _ broker.Session = (*session)(nil)

func newSession(logger *zap.Logger, cancel context.CancelFunc, disconnectTimeout time.Duration) *session {
	return &session{
		logger:            logger,
		cancel:            cancel,
		disconnectTimeout: disconnectTimeout,
		done:              make(chan struct{}),
	}
}

func (s *session) attach(conn *stomp.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

func (s *session) stompConn() (*stomp.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing || s.conn == nil || s.isDone() {
		return nil, socialrt.ErrClosed
	}
	return s.conn, nil
}

func (s *session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Send publishes body as JSON to destination.
func (s *session) Send(destination string, body []byte) error {
	conn, err := s.stompConn()
	if err != nil {
		return err
	}
	return conn.Send(destination, ContentType, body)
}

// Subscribe opens an auto-ack subscription and calls handler for each
// MESSAGE frame, one at a time, until the subscription ends.
func (s *session) Subscribe(destination string, handler broker.MessageHandler) (broker.Subscription, error) {
	conn, err := s.stompConn()
	if err != nil {
		return nil, err
	}

	sub, err := conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, err
	}

	go s.deliver(sub, handler)

	s.logger.Debug("Subscribed", zap.String("destination", destination), zap.String("id", sub.Id()))

	return &subscription{sub: sub}, nil
}

func (s *session) deliver(sub *stomp.Subscription, handler broker.MessageHandler) {
	for msg := range sub.C {
		if msg == nil {
			continue
		}
		if msg.Err != nil {
			// ERROR frames and transport failures arrive here.
			s.logger.Error("STOMP subscription error",
				zap.String("destination", sub.Destination()),
				zap.Error(msg.Err),
			)
			s.fail(msg.Err)
			continue
		}

		headers := make(map[string]string)
		if msg.Header != nil {
			for i := 0; i < msg.Header.Len(); i++ {
				k, v := msg.Header.GetAt(i)
				if _, seen := headers[k]; !seen {
					headers[k] = v
				}
			}
		}

		destination := msg.Destination
		if destination == "" {
			destination = sub.Destination()
		}

		handler(broker.Message{
			Destination: destination,
			Headers:     headers,
			Body:        msg.Body,
		})
	}
}

// Done is closed once the underlying socket is gone.
func (s *session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended; nil after Close.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close sends DISCONNECT, waits a bounded time for the receipt, and drops
// the socket.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closing = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil && !s.isDone() {
		disconnected := make(chan error, 1)
		go func() { disconnected <- conn.Disconnect() }()

		select {
		case err := <-disconnected:
			if err != nil {
				s.logger.Debug("STOMP disconnect failed", zap.Error(err))
			}
		case <-time.After(s.disconnectTimeout):
			s.logger.Warn("Dropping STOMP connection", zap.Error(ErrDisconnectTimeout))
		}
	}

	s.cancel()
	s.end(nil)
	return nil
}

// fail ends the session with err unless Close is already in progress.
func (s *session) fail(err error) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()

	if closing {
		s.end(nil)
		return
	}
	s.end(err)
}

func (s *session) end(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		s.cancel()
	})
}

type subscription struct {
	sub *stomp.Subscription
}

func (s *subscription) Destination() string {
	return s.sub.Destination()
}

func (s *subscription) Unsubscribe() error {
	if !s.sub.Active() {
		return nil
	}
	return s.sub.Unsubscribe()
}

// watchedConn reports the first read failure to its session, which is how
// a dropped socket is noticed between frames.
type watchedConn struct {
	net.Conn
	session *session
}

func (c *watchedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		c.session.fail(err)
	}
	return n, err
}
