package internal

import (
	"io"
	"log/slog"
	"time"
)

// NewLogger builds the process logger. Production output is JSON with
// RFC3339Nano timestamps for the log pipeline; every other environment
// gets human-readable text. Debug level also annotates records with their
// source location. Components derive their own logger from the returned
// one via With("service", name).
func NewLogger(w io.Writer, env string, level string) *slog.Logger {
	lv := new(slog.LevelVar) // Info by default
	if level != "" {
		if err := lv.UnmarshalText([]byte(level)); err != nil {
			slog.Default().Warn("Invalid log level. Using default level: info", slog.String("value", level))
			lv.Set(slog.LevelInfo)
		}
	}

	opts := &slog.HandlerOptions{
		Level:     lv,
		AddSource: lv.Level() <= slog.LevelDebug,
	}

	var h slog.Handler
	switch env {
	case "prod":
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format(time.RFC3339Nano))
			}
			return a
		}
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}

	return slog.New(h)
}
