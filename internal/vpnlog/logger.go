// Package vpnlog provides the leveled logger every data-plane component
// logs through. It wraps log/slog but exposes the Verbosef/Errorf call
// convention upstream WireGuard's device.Logger uses, so call sites
// elsewhere in this module read the way they would there.
package vpnlog

import (
	"fmt"
	"log/slog"
	"os"
)

// Logger is a leveled sink for the one-line-per-packet diagnostics this
// engine emits. Nil-safe: a nil *Logger silently drops everything, so
// tests that don't care about logging can skip constructing one.
type Logger struct {
	slog *slog.Logger
}

// New builds a Logger writing slog text (key=value) lines to w at the
// given slog.Level.
func New(level slog.Level, w *os.File) *Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{slog: slog.New(handler)}
}

// Verbosef logs a Debug-level line, for per-packet tracing.
func (l *Logger) Verbosef(format string, args ...any) {
	if l == nil {
		return
	}
	l.slog.Debug(fmt.Sprintf(format, args...))
}

// Infof logs an Info-level line, for state transitions (handshake sent,
// session established).
func (l *Logger) Infof(format string, args ...any) {
	if l == nil {
		return
	}
	l.slog.Info(fmt.Sprintf(format, args...))
}

// Errorf logs an Error-level line, for dropped packets and non-fatal
// socket errors.
func (l *Logger) Errorf(format string, args ...any) {
	if l == nil {
		return
	}
	l.slog.Error(fmt.Sprintf(format, args...))
}

// ParseLevel maps the config file's textual level to a slog.Level,
// defaulting to Info on anything unrecognised.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
