// Package logging builds the process-wide structured logger, following
// telemetry/state-ingest/cmd/server/main.go's newLogger: tint for
// human-readable local/dev output, a plain slog.JSONHandler for anything
// else (containers, CI, prod) where output is scraped by log collectors.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// Format selects the handler New constructs.
type Format string

const (
	FormatTint Format = "tint"
	FormatJSON Format = "json"
)

// New builds a *slog.Logger writing to w. verbose lowers the level to
// Debug. format selects the handler; anything other than FormatJSON gets
// the teacher's tint handler.
func New(w io.Writer, verbose bool, format Format) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time()))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
