// Package logger provides the ports.Logger implementations: a line-oriented
// text logger on the standard log package and a JSON logger on log/slog.
package logger

import (
	"io"
	"sort"

	"investLedger/internal/ports"
)

// Output formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// New returns a logger writing to w in the given format. Anything but
// FormatJSON gives the text logger.
func New(w io.Writer, level LogLevel, format string) ports.Logger {
	if format == FormatJSON {
		return NewSlogLogger(w, level)
	}
	return NewStdLogger(w, level)
}

// field is one key-value pair of a log call.
type field struct {
	key   string
	value interface{}
}

// sortedFields flattens the optional field map in key order, so output is
// stable across runs.
func sortedFields(fields []map[string]interface{}) []field {
	if len(fields) == 0 || fields[0] == nil {
		return nil
	}
	out := make([]field, 0, len(fields[0]))
	for k, v := range fields[0] {
		out = append(out, field{key: k, value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}
