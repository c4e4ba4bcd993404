// Package transform rewrites or filters inbound events before they are shown.
package transform

import (
	"strings"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/tsarna/socialrt/pkg/socialrt/dispatch"
)

// EventTransformFunc transforms one event.
//
// Returning nil drops the event and stops the chain. Returning false for the
// continue flag stops the chain but keeps the returned event.
type EventTransformFunc func(event *dispatch.Event) (*dispatch.Event, bool)

// DropDestinationPattern drops events whose destination matches pattern.
// Patterns use MQTT-style wildcards over "/"-separated levels, so
// "/user/queue/+" drops every user queue.
func DropDestinationPattern(pattern string) EventTransformFunc {
	return func(event *dispatch.Event) (*dispatch.Event, bool) {
		if mqttpattern.Matches(pattern, event.Destination) {
			return nil, false
		}
		return event, true
	}
}

// KeepDestinationPrefix drops events whose destination does not start with prefix.
func KeepDestinationPrefix(prefix string) EventTransformFunc {
	return func(event *dispatch.Event) (*dispatch.Event, bool) {
		if !strings.HasPrefix(event.Destination, prefix) {
			return nil, false
		}
		return event, true
	}
}

// ChainTransforms combines transforms into one, applied in order.
func ChainTransforms(transforms ...EventTransformFunc) EventTransformFunc {
	return func(event *dispatch.Event) (*dispatch.Event, bool) {
		return ApplyTransforms(event, transforms)
	}
}

// ApplyTransforms runs event through transforms in order.
func ApplyTransforms(event *dispatch.Event, transforms []EventTransformFunc) (*dispatch.Event, bool) {
	current := event
	for _, transform := range transforms {
		if transform == nil {
			continue
		}

		next, cont := transform(current)
		if next == nil {
			return nil, false
		}
		current = next
		if !cont {
			return current, false
		}
	}
	return current, true
}
