// Package logging builds the process-wide slog logger and adapts it for
// libraries that bring their own logging interface.
package logging

import (
	"fmt"
	"io"
	"log/slog"
)

// New returns a text or JSON slog logger writing to w.
func New(w io.Writer, format string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// BadgerLogger forwards badger's printf-style logging to slog.
type BadgerLogger struct {
	Logger *slog.Logger
}

func (l *BadgerLogger) Errorf(format string, args ...interface{}) {
	l.Logger.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *BadgerLogger) Warningf(format string, args ...interface{}) {
	l.Logger.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *BadgerLogger) Infof(format string, args ...interface{}) {
	l.Logger.Info(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *BadgerLogger) Debugf(format string, args ...interface{}) {
	l.Logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}
