package cmd

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func setupLogger() (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(effectiveLevel(logLevel, GetVerbose(), GetDebug()))
	config.Development = GetDebug()

	return config.Build()
}

// effectiveLevel resolves --log-level against -v and -d. -d always means
// debug; -v raises the default info level to debug.
func effectiveLevel(level string, verboseFlag, debugFlag bool) zapcore.Level {
	if debugFlag {
		return zap.DebugLevel
	}

	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	}

	if verboseFlag {
		return zap.DebugLevel
	}
	return zap.InfoLevel
}
