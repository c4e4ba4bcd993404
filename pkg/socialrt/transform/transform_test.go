package transform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/socialrt/pkg/socialrt/dispatch"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func event(destination, payload string) *dispatch.Event {
	return &dispatch.Event{Destination: destination, Payload: json.RawMessage(payload)}
}

func TestDestinationTransforms(t *testing.T) {
	t.Run("drop pattern", func(t *testing.T) {
		drop := DropDestinationPattern("/user/queue/+")

		result, cont := drop(event("/user/queue/messages", `{}`))
		assert.Nil(t, result)
		assert.False(t, cont)

		e := event("/topic/conversations.42", `{}`)
		result, cont = drop(e)
		assert.Same(t, e, result)
		assert.True(t, cont)
	})

	t.Run("keep prefix", func(t *testing.T) {
		keep := KeepDestinationPrefix("/topic/")

		result, _ := keep(event("/user/queue/messages", `{}`))
		assert.Nil(t, result)

		result, cont := keep(event("/topic/conversations.42", `{}`))
		assert.NotNil(t, result)
		assert.True(t, cont)
	})

	t.Run("chain stops at first drop", func(t *testing.T) {
		called := false
		spy := func(e *dispatch.Event) (*dispatch.Event, bool) {
			called = true
			return e, true
		}

		chain := ChainTransforms(DropDestinationPattern("/user/#"), spy)
		result, cont := chain(event("/user/queue/unread-summary", `{}`))
		assert.Nil(t, result)
		assert.False(t, cont)
		assert.False(t, called)
	})

	t.Run("chain stops when continue is false", func(t *testing.T) {
		stop := func(e *dispatch.Event) (*dispatch.Event, bool) { return e, false }
		drop := DropDestinationPattern("#")

		result, cont := ApplyTransforms(event("/a", `1`), []EventTransformFunc{nil, stop, drop})
		assert.NotNil(t, result)
		assert.False(t, cont)
	})
}

func TestJqTransform(t *testing.T) {
	t.Run("field extraction", func(t *testing.T) {
		jq, err := JqTransform(".content", nil)
		require.NoError(t, err)

		result, cont := jq(event("/user/queue/messages", `{"messageId":"m1","content":"hi"}`))
		require.NotNil(t, result)
		assert.True(t, cont)
		assert.JSONEq(t, `"hi"`, string(result.Payload))
		assert.Equal(t, "/user/queue/messages", result.Destination)
	})

	t.Run("input event is not modified", func(t *testing.T) {
		jq, err := JqTransform(".a", nil)
		require.NoError(t, err)

		in := event("/x", `{"a":1}`)
		_, _ = jq(in)
		assert.JSONEq(t, `{"a":1}`, string(in.Payload))
	})

	t.Run("destination variable", func(t *testing.T) {
		jq, err := JqTransform("{text: .content, on: $destination}", nil)
		require.NoError(t, err)

		result, _ := jq(event("/topic/conversations.7", `{"content":"yo"}`))
		require.NotNil(t, result)
		assert.JSONEq(t, `{"text":"yo","on":"/topic/conversations.7"}`, string(result.Payload))
	})

	t.Run("fields variable", func(t *testing.T) {
		jq, err := JqTransform("$fields.topic", nil)
		require.NoError(t, err)

		e := event("/topic/conversations.7", `{}`)
		e.Fields = map[string]string{"topic": "conversations.7"}

		result, _ := jq(e)
		require.NotNil(t, result)
		assert.JSONEq(t, `"conversations.7"`, string(result.Payload))
	})

	t.Run("multiple results become an array", func(t *testing.T) {
		jq, err := JqTransform(".[] | select(.unread > 0) | .id", nil)
		require.NoError(t, err)

		result, _ := jq(event("/user/queue/unread-summary", `[{"id":1,"unread":2},{"id":2,"unread":0},{"id":3,"unread":1}]`))
		require.NotNil(t, result)
		assert.JSONEq(t, `[1,3]`, string(result.Payload))
	})

	t.Run("no results drops the event", func(t *testing.T) {
		jq, err := JqTransform("select(.read == false)", nil)
		require.NoError(t, err)

		result, cont := jq(event("/user/queue/notifications", `{"read":true}`))
		assert.Nil(t, result)
		assert.False(t, cont)
	})

	t.Run("runtime error passes the event through", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		jq, err := JqTransform(".a.b", zap.New(core))
		require.NoError(t, err)

		in := event("/x", `{"a":"not an object"}`)
		result, cont := jq(in)
		assert.Same(t, in, result)
		assert.True(t, cont)
		assert.Equal(t, 1, logs.FilterMessage("jq transform: execution error").Len())
	})

	t.Run("parse error", func(t *testing.T) {
		_, err := JqTransform(".[", nil)
		assert.ErrorContains(t, err, "failed to parse jq query")
	})

	t.Run("unknown variable", func(t *testing.T) {
		_, err := JqTransform("$topic", nil)
		assert.ErrorContains(t, err, "failed to compile jq query")
	})
}
