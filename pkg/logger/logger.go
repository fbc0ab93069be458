// Package logger holds the process-wide slog logger. Durations are
// rendered as strings ("1.5s") in both formats so timeouts and backoffs
// read the same in text and JSON logs.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Default is the logger behind the package-level helpers
var Default = New("info", "text", os.Stderr)

// ParseLevel maps a config level name to a slog level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New builds a logger writing to output. format is "json" or "text";
// anything else is treated as text.
func New(level, format string, output io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level), ReplaceAttr: durationAsString}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(output, opts))
	}
	return slog.New(slog.NewTextHandler(output, opts))
}

// Setup builds a logger with New and installs it as the default for this
// package and for log/slog.
func Setup(level, format string, output io.Writer) *slog.Logger {
	l := New(level, format, output)
	SetDefault(l)
	return l
}

func SetDefault(l *slog.Logger) {
	Default = l
	slog.SetDefault(l)
}

func durationAsString(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindDuration {
		return slog.String(a.Key, a.Value.Duration().Round(time.Millisecond).String())
	}
	return a
}

func Info(msg string, args ...any)  { Default.Info(msg, args...) }
func Warn(msg string, args ...any)  { Default.Warn(msg, args...) }
func Error(msg string, args ...any) { Default.Error(msg, args...) }

// With returns the default logger with extra attributes.
func With(args ...any) *slog.Logger {
	return Default.With(args...)
}

// Component returns the default logger tagged with component=name.
func Component(name string) *slog.Logger {
	return Default.With("component", name)
}
