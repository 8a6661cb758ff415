// Package logging configures the structured slog logger shared by the relay
// server and client.
//
// The server logs JSON to stdout, which journald stores as-is. The client logs
// text to stderr so that stdout carries only the terminal session.
package logging

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
)

// Format selects the handler SetupLogger builds.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// SetupLogger creates a logger writing to w at the given level and sets it as
// the slog default. Unknown levels fall back to info; unknown formats to JSON.
func SetupLogger(level string, format Format, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(level),
		AddSource:   format != FormatText,
		ReplaceAttr: shortenSource,
	}

	var handler slog.Handler
	switch format {
	case FormatText:
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// shortenSource trims source locations to the path below internal/ or cmd/.
func shortenSource(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	source, ok := a.Value.Any().(*slog.Source)
	if !ok {
		return a
	}
	source.File = trimToPackage(source.File)
	source.Function = trimToPackage(source.Function)
	return a
}

func trimToPackage(s string) string {
	for _, marker := range []string{"internal/", "cmd/"} {
		if idx := strings.Index(s, marker); idx != -1 {
			return s[idx:]
		}
	}
	if strings.Contains(s, "/") {
		return filepath.Base(s)
	}
	return s
}

// ParseLevel converts "debug", "info", "warn" or "error" (any case) to a
// slog.Level. Anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// ValidLevel reports whether level is one ParseLevel recognises.
func ValidLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// WithComponent tags every record from logger with a component attribute.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}
