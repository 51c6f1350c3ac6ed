package audit

import (
	"context"
	"log/slog"

	"github.com/MrWong99/lorekeeper/pkg/memory"
)

// SlogSink mirrors events into a structured logger at debug level.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink logging to l, or to [slog.Default] when l is nil.
func NewSlogSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = slog.Default()
	}
	return &SlogSink{logger: l}
}

// Emit implements [memory.EventSink]. It never fails.
func (s *SlogSink) Emit(ctx context.Context, ev memory.Event) error {
	if !s.logger.Enabled(ctx, slog.LevelDebug) {
		return nil
	}
	attrs := []slog.Attr{
		slog.Uint64("seq", ev.Seq),
		slog.String("type", string(ev.Type)),
		slog.String("player", ev.Player),
		slog.Int("turn", ev.Turn),
	}
	if len(ev.Payload) > 0 {
		attrs = append(attrs, slog.Any("payload", ev.Payload))
	}
	s.logger.LogAttrs(ctx, slog.LevelDebug, "audit event", attrs...)
	return nil
}
