// Package ctxkey defines typed context keys shared across packages.
package ctxkey

import (
	"context"
	"log/slog"
)

// LoggerKey carries a per-run enriched *slog.Logger.
type LoggerKey struct{}

// WithLogger attaches an enriched logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey{}, logger)
}

// LoggerFrom retrieves the enriched logger from the context.
// Returns nil if none is attached, allowing the caller to fall back.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return nil
}
