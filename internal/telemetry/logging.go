// Package telemetry builds the process-wide structured logger. Every line
// is JSON with a stable schema (timestamp, level, msg, component, trace_id)
// so the log file can be shipped or tailed without a parser zoo. Secret
// redaction happens here, at the handler, so no call site can forget it.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/agora/internal/shared"
)

// NewLogger opens ~/.agora/logs/agora.log for appending and returns a JSON
// slog logger writing there, mirrored to stdout unless quiet is set. When
// stdout is a terminal the mirror switches to the text handler; the file
// keeps the JSON schema either way.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "agora.log")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	levelVar.Set(parseLevel(level))
	opts := &slog.HandlerOptions{
		Level:       &levelVar,
		ReplaceAttr: redactAttr,
	}
	var handler slog.Handler
	switch {
	case quiet:
		handler = slog.NewJSONHandler(file, opts)
	case isatty.IsTerminal(os.Stdout.Fd()):
		handler = fanout{slog.NewJSONHandler(file, opts), slog.NewTextHandler(os.Stdout, opts)}
	default:
		handler = slog.NewJSONHandler(io.MultiWriter(os.Stdout, file), opts)
	}
	logger := slog.New(handler).With("component", "runtime", "trace_id", "-")
	return logger, file, nil
}

// levelVar carries the active log level so a config reload can change it
// without rebuilding handlers.
var levelVar slog.LevelVar

// SetLevel changes the active log level at runtime.
func SetLevel(level string) {
	levelVar.Set(parseLevel(level))
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// fanout delivers each record to every child handler.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, lvl slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithAttrs(attrs)
	}
	return next
}

func (f fanout) WithGroup(name string) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithGroup(name)
	}
	return next
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") {
		return "[REDACTED]", true
	}
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
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
