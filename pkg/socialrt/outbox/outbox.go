// Package outbox holds publish requests issued while a connection is not
// yet established, until they can be flushed in the order they were issued.
package outbox

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the number of actions an Outbox holds when no capacity is given.
const DefaultCapacity = 256

// ErrOutboxFull is returned by Push when the outbox is at capacity.
var ErrOutboxFull = errors.New("outbox is full")

// Action is a single deferred publish.
type Action struct {
	ID          uuid.UUID
	Destination string
	Body        []byte
	QueuedAt    time.Time
}

// NewAction creates an Action with a fresh id.
func NewAction(destination string, body []byte) Action {
	return Action{
		ID:          uuid.New(),
		Destination: destination,
		Body:        body,
		QueuedAt:    time.Now(),
	}
}

// Outbox is a bounded FIFO of actions. It is safe for concurrent use, but
// callers that need ordering between Push and Drain must serialize them.
type Outbox struct {
	queue chan Action
}

// New returns an Outbox holding at most capacity actions.
func New(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Outbox{queue: make(chan Action, capacity)}
}

// Push appends an action, or returns ErrOutboxFull.
func (o *Outbox) Push(action Action) error {
	select {
	case o.queue <- action:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Drain removes and returns every queued action in the order they were pushed.
// Each action is returned by exactly one Drain call.
func (o *Outbox) Drain() []Action {
	var actions []Action
	for {
		select {
		case action := <-o.queue:
			actions = append(actions, action)
		default:
			return actions
		}
	}
}

// Len returns the number of queued actions.
func (o *Outbox) Len() int {
	return len(o.queue)
}

// Cap returns the maximum number of queued actions.
func (o *Outbox) Cap() int {
	return cap(o.queue)
}
