// Package logging builds the structured slog loggers used by every RTLS role.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures a logger
type Options struct {
	Level   string
	Format  string // json (default) or text
	Service string
	Output  io.Writer
}

// New returns a logger and the LevelVar controlling it, so the level can be
// changed at runtime when the config file is edited.
func New(opts Options) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(opts.Level))

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(out, handlerOpts)
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	return logger, level
}

// ParseLevel maps a config level name to a slog level. Unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Degraded marks a log line as emitted while a component runs in degraded mode
func Degraded() slog.Attr {
	return slog.Bool("degraded", true)
}
