package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a structured zap logger with the provided level string.
// Console mode switches to the development encoder for local runs.
func NewLogger(level string, console bool) (*zap.Logger, error) {
	lower := strings.ToLower(level)
	var zapLevel zapcore.Level
	if err := zapLevel.Set(lower); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if console {
		cfg = zap.NewDevelopmentConfig()
		cfg.Encoding = "console"
	} else {
		cfg.Encoding = "json"
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.MessageKey = "msg"

	return cfg.Build()
}
