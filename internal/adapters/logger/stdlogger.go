package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
)

// StdLogger writes one text line per call through the standard log package:
//
//	2021/08/15 19:12:00.000000 [WARN] Deal skipped | closeSeq=9 openSeq=3
type StdLogger struct {
	out   *log.Logger
	level LogLevel
}

// NewStdLogger creates a text logger writing to w.
func NewStdLogger(w io.Writer, level LogLevel) *StdLogger {
	return &StdLogger{out: log.New(w, "", log.LstdFlags|log.Lmicroseconds), level: level}
}

func (l *StdLogger) write(level LogLevel, msg string, err error, fields []map[string]interface{}) {
	if level < l.level {
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", level, msg)
	if err != nil {
		fmt.Fprintf(&sb, " | error: %v", err)
	}
	if kv := sortedFields(fields); len(kv) > 0 {
		sb.WriteString(" |")
		for _, f := range kv {
			fmt.Fprintf(&sb, " %s=%v", f.key, f.value)
		}
	}
	l.out.Println(sb.String())
}

// Debug logs a message at Debug level.
func (l *StdLogger) Debug(_ context.Context, msg string, fields ...map[string]interface{}) {
	l.write(LevelDebug, msg, nil, fields)
}

// Info logs a message at Info level.
func (l *StdLogger) Info(_ context.Context, msg string, fields ...map[string]interface{}) {
	l.write(LevelInfo, msg, nil, fields)
}

// Warn logs a message at Warning level.
func (l *StdLogger) Warn(_ context.Context, msg string, fields ...map[string]interface{}) {
	l.write(LevelWarn, msg, nil, fields)
}

// Error logs an error message at Error level.
func (l *StdLogger) Error(_ context.Context, err error, msg string, fields ...map[string]interface{}) {
	l.write(LevelError, msg, err, fields)
}
