package logger

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// SlogLogger implements the ports.Logger interface with structured JSON output.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger creates a JSON logger writing to w at the given level.
func NewSlogLogger(w io.Writer, level LogLevel) *SlogLogger {
	opts := &slog.HandlerOptions{
		Level: toSlogLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}
	return &SlogLogger{l: slog.New(slog.NewJSONHandler(w, opts))}
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func attrs(err error, fields []map[string]interface{}) []any {
	var out []any
	if err != nil {
		out = append(out, slog.String("error", err.Error()))
	}
	for _, f := range sortedFields(fields) {
		out = append(out, slog.Any(f.key, f.value))
	}
	return out
}

// Debug logs a message at Debug level.
func (s *SlogLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	s.l.DebugContext(ctx, msg, attrs(nil, fields)...)
}

// Info logs a message at Info level.
func (s *SlogLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	s.l.InfoContext(ctx, msg, attrs(nil, fields)...)
}

// Warn logs a message at Warning level.
func (s *SlogLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	s.l.WarnContext(ctx, msg, attrs(nil, fields)...)
}

// Error logs an error message at Error level.
func (s *SlogLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	s.l.ErrorContext(ctx, msg, attrs(err, fields)...)
}
