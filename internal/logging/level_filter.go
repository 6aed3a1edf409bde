package logging

import (
	"context"
	"log/slog"
)

// LevelFilter passes records at or above minLevel to the wrapped handler
// and drops the rest.
type LevelFilter struct {
	handler  slog.Handler
	minLevel slog.Level
}

func NewLevelFilter(handler slog.Handler, minLevel slog.Level) *LevelFilter {
	return &LevelFilter{handler: handler, minLevel: minLevel}
}

func (h *LevelFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.minLevel && h.handler.Enabled(ctx, level)
}

func (h *LevelFilter) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < h.minLevel {
		return nil
	}
	return h.handler.Handle(ctx, r)
}

func (h *LevelFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewLevelFilter(h.handler.WithAttrs(attrs), h.minLevel)
}

func (h *LevelFilter) WithGroup(name string) slog.Handler {
	return NewLevelFilter(h.handler.WithGroup(name), h.minLevel)
}
