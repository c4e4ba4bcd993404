package dispatch

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogEvents returns a Handler that logs every event it receives at level.
// name identifies the observer in log output.
func LogEvents(logger *zap.Logger, level zapcore.Level, name string) Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(ctx context.Context, event Event) {
		logger.Log(level, "Event received",
			zap.String("observer", name),
			zap.String("destination", event.Destination),
			zap.ByteString("payload", event.Payload),
			zap.Any("headers", event.Headers),
			zap.Any("fields", event.Fields),
		)
	}
}
