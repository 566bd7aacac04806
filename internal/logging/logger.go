package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
// level is one of debug, info, warn or error; anything else falls back
// to the environment default (info in production, debug otherwise).
func NewLogger(env, level string) *slog.Logger {
	return newLogger(os.Stdout, env, level)
}

func newLogger(w io.Writer, env, level string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		opts.Level = parseLevel(level, slog.LevelInfo)
		handler = slog.NewJSONHandler(w, opts)
	} else {
		opts.Level = parseLevel(level, slog.LevelDebug)
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func parseLevel(s string, fallback slog.Level) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return fallback
	}

	return l
}
