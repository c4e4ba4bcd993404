// Package brokertest provides in-memory broker sessions for tests.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tsarna/socialrt/pkg/socialrt"
	"github.com/tsarna/socialrt/pkg/socialrt/broker"
)

// Sent is a frame published through a fake Session.
type Sent struct {
	Destination string
	Body        string
}

// Dialer hands out fake sessions and records every dial.
type Dialer struct {
	mu       sync.Mutex
	targets  []broker.Target
	sessions []*Session
	failures []error
	block    chan struct{}
	dialed   chan *Session
}

// NewDialer creates a Dialer whose dials succeed unless failures are queued.
func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Session, 64)}
}

// FailNext makes the next len(errs) dials fail with the given errors, in order.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

// Hold makes dials block until Release is called or the dial context ends.
func (d *Dialer) Hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.block = make(chan struct{})
}

// Release unblocks dials held by Hold.
func (d *Dialer) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.block != nil {
		close(d.block)
		d.block = nil
	}
}

// Dial implements broker.Dialer.
func (d *Dialer) Dial(ctx context.Context, target broker.Target) (broker.Session, error) {
	d.mu.Lock()
	d.targets = append(d.targets, target)
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		d.mu.Unlock()
		return nil, err
	}
	s := NewSession()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()

	d.dialed <- s
	return s, nil
}

// Targets returns every target dialed so far.
func (d *Dialer) Targets() []broker.Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]broker.Target, len(d.targets))
	copy(out, d.targets)
	return out
}

// Sessions returns every session handed out so far.
func (d *Dialer) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Session, len(d.sessions))
	copy(out, d.sessions)
	return out
}

// NextSession waits for the next successful dial.
func (d *Dialer) NextSession(timeout time.Duration) (*Session, error) {
	select {
	case s := <-d.dialed:
		return s, nil
	case <-time.After(timeout):
		return nil, errors.New("timed out waiting for dial")
	}
}

// Session is an in-memory broker.Session.
type Session struct {
	mu           sync.Mutex
	sent         []Sent
	subs         map[string][]*subscription
	subscribes   []string
	sendErr      error
	subscribeErr error
	done         chan struct{}
	err          error
	closed       bool
}

// NewSession creates an open session.
func NewSession() *Session {
	return &Session{
		subs: make(map[string][]*subscription),
		done: make(chan struct{}),
	}
}

type subscription struct {
	session     *Session
	destination string
	handler     broker.MessageHandler
	active      bool
}

func (s *subscription) Destination() string {
	return s.destination
}

func (s *subscription) Unsubscribe() error {
	s.session.mu.Lock()
	defer s.session.mu.Unlock()

	if !s.active {
		return errors.New("already unsubscribed")
	}
	s.active = false
	subs := s.session.subs[s.destination]
	for i, sub := range subs {
		if sub == s {
			s.session.subs[s.destination] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// Send implements broker.Session.
func (s *Session) Send(destination string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return socialrt.ErrClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, Sent{Destination: destination, Body: string(body)})
	return nil
}

// Subscribe implements broker.Session.
func (s *Session) Subscribe(destination string, handler broker.MessageHandler) (broker.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, socialrt.ErrClosed
	}
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	sub := &subscription{session: s, destination: destination, handler: handler, active: true}
	s.subs[destination] = append(s.subs[destination], sub)
	s.subscribes = append(s.subscribes, destination)
	return sub, nil
}

// Done implements broker.Session.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err implements broker.Session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements broker.Session.
func (s *Session) Close() error {
	s.end(nil)
	return nil
}

// Fail ends the session as if the transport had failed with err.
func (s *Session) Fail(err error) {
	s.end(err)
}

func (s *Session) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	s.subs = make(map[string][]*subscription)
	close(s.done)
}

// FailSends makes subsequent Send calls return err.
func (s *Session) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// FailSubscribes makes subsequent Subscribe calls return err.
func (s *Session) FailSubscribes(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeErr = err
}

// Deliver sends body to every active subscription on destination and
// returns how many handlers received it.
func (s *Session) Deliver(destination string, body string) int {
	s.mu.Lock()
	subs := make([]*subscription, len(s.subs[destination]))
	copy(subs, s.subs[destination])
	s.mu.Unlock()

	for _, sub := range subs {
		sub.handler(broker.Message{
			Destination: destination,
			Headers:     map[string]string{"destination": destination},
			Body:        []byte(body),
		})
	}
	return len(subs)
}

// Sent returns every frame published so far.
func (s *Session) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sent, len(s.sent))
	copy(out, s.sent)
	return out
}

// Subscribes returns every destination subscribed to, in order, including
// ones since unsubscribed.
func (s *Session) Subscribes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.subscribes))
	copy(out, s.subscribes)
	return out
}

// ActiveSubscriptions returns how many live subscriptions exist on destination.
func (s *Session) ActiveSubscriptions(destination string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[destination])
}

// IsClosed reports whether the session has ended.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// WaitFor polls cond until it returns true or timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		time.Sleep(2 * time.Millisecond)
	}
	if cond() {
		return nil
	}
	return fmt.Errorf("condition not met within %s", timeout)
}
