// Package logging wires slog for guildgate and carries request and
// evaluation-subject attributes through context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	loggerKey
	guildKey
	identityKey
)

// ParseLevel maps a LOG_LEVEL value to a slog level. Unknown values are info.
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

// New builds the process logger writing to stdout.
func New(level string, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   lvl == slog.LevelDebug,
		ReplaceAttr: redact,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// sensitive attribute keys never reach the log sink. Raw network and device
// signals are listed too: only their hashes belong in logs.
var sensitive = map[string]bool{
	"authorization": true,
	"api_key":       true,
	"token":         true,
	"secret":        true,
	"password":      true,
	"ip":            true,
	"device_id":     true,
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if sensitive[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request ID from ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the context logger or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithSubject tags the context with the guild and identity under evaluation.
// Empty values are left unset.
func WithSubject(ctx context.Context, guildID, identityID string) context.Context {
	if guildID != "" {
		ctx = context.WithValue(ctx, guildKey, guildID)
	}
	if identityID != "" {
		ctx = context.WithValue(ctx, identityKey, identityID)
	}
	return ctx
}

// Subject returns the guild and identity set by WithSubject.
func Subject(ctx context.Context) (guildID, identityID string) {
	guildID, _ = ctx.Value(guildKey).(string)
	identityID, _ = ctx.Value(identityKey).(string)
	return guildID, identityID
}

// L returns the context logger annotated with the request ID and subject.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	var attrs []any
	if reqID := RequestID(ctx); reqID != "" {
		attrs = append(attrs, "request_id", reqID)
	}
	guildID, identityID := Subject(ctx)
	if guildID != "" {
		attrs = append(attrs, "guild_id", guildID)
	}
	if identityID != "" {
		attrs = append(attrs, "identity_id", identityID)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
