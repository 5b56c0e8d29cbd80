// Package logger is the process-wide logger. It keeps a printf-style API
// on top of log/slog and always writes to stderr by default, since stdout
// carries command output and the MCP stdio protocol.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.RWMutex
	level  = new(slog.LevelVar)
	base   = newLogger(os.Stderr, "text")
	output io.Writer = os.Stderr
	format           = "text"
)

func newLogger(w io.Writer, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetVerbose enables or disables debug output.
func SetVerbose(v bool) {
	if v {
		level.Set(slog.LevelDebug)
		return
	}
	level.Set(slog.LevelInfo)
}

// SetLevel sets the minimum level from a name: debug, info, warn or error.
// Unknown names leave the level unchanged.
func SetLevel(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}
}

// SetFormat switches between "text" and "json" output.
func SetFormat(f string) {
	mu.Lock()
	defer mu.Unlock()
	format = f
	base = newLogger(output, format)
}

// SetOutput redirects log output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	base = newLogger(output, format)
}

// Slog returns the underlying structured logger.
func Slog() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	logf(slog.LevelDebug, msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	logf(slog.LevelInfo, msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	logf(slog.LevelWarn, msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	logf(slog.LevelError, msg, args...)
}

func logf(l slog.Level, msg string, args ...any) {
	ctx := context.Background()
	lg := Slog()
	if !lg.Enabled(ctx, l) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	lg.Log(ctx, l, msg)
}
