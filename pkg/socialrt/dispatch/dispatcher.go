// Package dispatch delivers inbound broker messages to registered observers.
//
// Observers register a destination pattern using MQTT-style wildcards over
// "/"-separated destination levels ("+" for one level, "#" for the rest), or
// an exact destination. Each registration returns a cancel function.
package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/amir-yaghoubi/mqttpattern"
	"go.uber.org/zap"
)

// Event is a decoded inbound message.
type Event struct {
	Destination string
	Headers     map[string]string
	Payload     json.RawMessage

	// Fields holds named wildcard values extracted from the observer's pattern.
	Fields map[string]string
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Handler receives events.
type Handler func(ctx context.Context, event Event)

type matcher func(destination string) (bool, map[string]string)

func makeMatcher(pattern string) matcher {
	if !strings.ContainsAny(pattern, "+#") {
		return func(destination string) (bool, map[string]string) {
			return destination == pattern, nil
		}
	}

	return func(destination string) (bool, map[string]string) {
		if !mqttpattern.Matches(pattern, destination) {
			return false, nil
		}
		fields := mqttpattern.Extract(pattern, destination)
		if len(fields) == 0 {
			fields = nil
		}
		return true, fields
	}
}

type observer struct {
	id      uint64
	pattern string
	match   matcher
	handler Handler
}

// Dispatcher is a typed event emitter keyed by destination pattern.
// Handlers are called synchronously, in registration order.
type Dispatcher struct {
	logger *zap.Logger

	mu        sync.RWMutex
	observers []observer
	nextID    uint64
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger}
}

// On registers handler for destinations matching pattern. Calling the
// returned function removes the registration; it is safe to call more than once.
func (d *Dispatcher) On(pattern string, handler Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.observers = append(d.observers, observer{
		id:      id,
		pattern: pattern,
		match:   makeMatcher(pattern),
		handler: handler,
	})
	d.mu.Unlock()

	return func() {
		d.remove(id)
	}
}

func (d *Dispatcher) remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, o := range d.observers {
		if o.id == id {
			d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
			return
		}
	}
}

// Dispatch delivers event to every matching observer and returns how many
// observers received it. A panicking handler is logged and does not prevent
// delivery to the remaining observers.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) int {
	d.mu.RLock()
	observers := make([]observer, len(d.observers))
	copy(observers, d.observers)
	d.mu.RUnlock()

	delivered := 0
	for _, o := range observers {
		ok, fields := o.match(event.Destination)
		if !ok {
			continue
		}
		ev := event
		ev.Fields = fields
		d.call(ctx, o, ev)
		delivered++
	}

	if delivered == 0 {
		d.logger.Debug("No observer for destination", zap.String("destination", event.Destination))
	}

	return delivered
}

func (d *Dispatcher) call(ctx context.Context, o observer, event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Observer panicked",
				zap.String("pattern", o.pattern),
				zap.String("destination", event.Destination),
				zap.Any("panic", r),
			)
		}
	}()
	o.handler(ctx, event)
}

// Len returns the number of registered observers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.observers)
}
