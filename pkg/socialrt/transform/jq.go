package transform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	"github.com/tsarna/socialrt/pkg/socialrt/dispatch"
	"go.uber.org/zap"
)

// JqTransform compiles a jq query into a transform over event payloads.
//
// The query sees the decoded JSON payload as its input and may refer to:
//   - $destination: the destination the event arrived on
//   - $fields: named wildcard values captured by the observer's pattern
//
// A single result replaces the payload. Several results are collected into
// an array. No results drops the event. Runtime errors are logged and the
// event passes through unchanged.
//
// Example:
//
//	summary, err := JqTransform(`{from: .senderId, text: .content, on: $destination}`, logger)
func JqTransform(jqQuery string, logger *zap.Logger) (EventTransformFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq query '%s': %w", jqQuery, err)
	}

	code, err := gojq.Compile(query, gojq.WithVariables([]string{"$destination", "$fields"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq query '%s': %w", jqQuery, err)
	}

	return func(event *dispatch.Event) (*dispatch.Event, bool) {
		log := logger.With(zap.String("jq_query", jqQuery), zap.String("destination", event.Destination))

		var input any
		if len(event.Payload) > 0 {
			if err := json.Unmarshal(event.Payload, &input); err != nil {
				log.Error("jq transform: payload is not JSON", zap.Error(err))
				return event, true
			}
		}

		fields := make(map[string]any, len(event.Fields))
		for k, v := range event.Fields {
			fields[k] = v
		}

		iter := code.RunWithContext(context.Background(), input, event.Destination, fields)

		var results []any
		for {
			result, ok := iter.Next()
			if !ok {
				break
			}
			if execErr, isErr := result.(error); isErr {
				log.Error("jq transform: execution error", zap.Error(execErr))
				return event, true
			}
			results = append(results, result)
		}

		if len(results) == 0 {
			return nil, false
		}

		var out any = results
		if len(results) == 1 {
			out = results[0]
		}

		payload, err := json.Marshal(out)
		if err != nil {
			log.Error("jq transform: failed to encode result", zap.Error(err))
			return event, true
		}

		transformed := *event
		transformed.Payload = payload
		return &transformed, true
	}, nil
}
