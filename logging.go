package main

import (
	"io"
	"log/slog"
	"strings"
)

// logLevel doubles as the debug toggle: hot paths check debugEnabled()
// before building expensive arguments such as hex-encoded hashes.
var logLevel = new(slog.LevelVar)

func debugEnabled() bool {
	return logLevel.Level() <= slog.LevelDebug
}

func debug(msg string, args ...any) {
	if debugEnabled() {
		slog.Debug(msg, args...)
	}
}

func info(msg string, args ...any) {
	slog.Info(msg, args...)
}

func warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

func errorLog(msg string, args ...any) {
	slog.Error(msg, args...)
}

// newLogger builds a text or JSON slog logger bound to logLevel.
func newLogger(w io.Writer, format string) *slog.Logger {
	options := &slog.HandlerOptions{Level: logLevel}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(w, options))
	}
	return slog.New(slog.NewTextHandler(w, options))
}
