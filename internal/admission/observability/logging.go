// Package observability provides the zerolog-backed logger.
package observability

import (
	"io"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts zerolog to the Logger interface.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger constructs a logger writing JSON lines to w. Unknown
// levels fall back to info.
func NewZerologLogger(w io.Writer, level string, service string) *ZerologLogger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	logger := zerolog.New(w).Level(parsed).With().
		Timestamp().
		Str("service", service).
		Logger()
	return &ZerologLogger{log: logger}
}

// Info logs an info message with fields.
func (l *ZerologLogger) Info(msg string, fields map[string]any) {
	if l == nil {
		return
	}
	l.log.Info().Fields(fields).Msg(msg)
}

// Error logs an error message with fields.
func (l *ZerologLogger) Error(msg string, fields map[string]any) {
	if l == nil {
		return
	}
	l.log.Error().Fields(fields).Msg(msg)
}

// NopLogger discards all log output.
type NopLogger struct{}

// Info is a no-op.
func (NopLogger) Info(msg string, fields map[string]any) {}

// Error is a no-op.
func (NopLogger) Error(msg string, fields map[string]any) {}
