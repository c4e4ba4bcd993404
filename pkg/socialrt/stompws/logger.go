package stompws

import (
	"github.com/go-stomp/stomp/v3"
	"go.uber.org/zap"
)

// stompLogger routes go-stomp's internal logging into zap.
type stompLogger struct {
	sugar *zap.SugaredLogger
}

var _ stomp.Logger = (*stompLogger)(nil)

func newStompLogger(logger *zap.Logger) *stompLogger {
	return &stompLogger{
		sugar: logger.WithOptions(zap.AddCallerSkip(1)).With(zap.String("component", "stomp")).Sugar(),
	}
}

func (l *stompLogger) Debugf(format string, value ...interface{}) {
	l.sugar.Debugf(format, value...)
}

func (l *stompLogger) Infof(format string, value ...interface{}) {
	l.sugar.Infof(format, value...)
}

func (l *stompLogger) Warningf(format string, value ...interface{}) {
	l.sugar.Warnf(format, value...)
}

func (l *stompLogger) Errorf(format string, value ...interface{}) {
	l.sugar.Errorf(format, value...)
}

func (l *stompLogger) Debug(message string) {
	l.sugar.Debug(message)
}

func (l *stompLogger) Info(message string) {
	l.sugar.Info(message)
}

func (l *stompLogger) Warning(message string) {
	l.sugar.Warn(message)
}

func (l *stompLogger) Error(message string) {
	l.sugar.Error(message)
}
