package logging

import (
	"context"
	"log/slog"
)

// levelOverrideHandler enforces a per-logger minimum level. The wrapped
// handler must be configured with the most verbose level any override needs.
type levelOverrideHandler struct {
	next  slog.Handler
	level slog.Level
}

func newLevelOverrideHandler(next slog.Handler, level slog.Level) slog.Handler {
	if next == nil {
		return NoopHandler{}
	}
	if inner, ok := next.(*levelOverrideHandler); ok {
		next = inner.next
	}
	return &levelOverrideHandler{next: next, level: level}
}

func (h *levelOverrideHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level && h.next.Enabled(ctx, level)
}

func (h *levelOverrideHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level < h.level {
		return nil
	}
	return h.next.Handle(ctx, record)
}

func (h *levelOverrideHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelOverrideHandler{next: h.next.WithAttrs(attrs), level: h.level}
}

func (h *levelOverrideHandler) WithGroup(name string) slog.Handler {
	return &levelOverrideHandler{next: h.next.WithGroup(name), level: h.level}
}

// WithLevelOverride returns a logger that enforces the provided minimum level
// while preserving existing attributes and handler wiring. An existing
// override on logger is replaced rather than stacked.
func WithLevelOverride(logger *slog.Logger, level slog.Level) *slog.Logger {
	if logger == nil {
		return slog.New(NoopHandler{})
	}
	return slog.New(newLevelOverrideHandler(logger.Handler(), level))
}
