package ws

import (
	"context"
	"log/slog"
)

// Router classifies inbound payloads and hands each frame to the
// Coordinator. Unrecognized payloads are dropped.
type Router struct {
	coord  *Coordinator
	logger *slog.Logger
}

// NewRouter creates a Router dispatching to coord.
func NewRouter(coord *Coordinator, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{coord: coord, logger: logger.With("component", "router")}
}

// Dispatch handles one inbound payload received on s.
func (r *Router) Dispatch(ctx context.Context, s *Session, data []byte) {
	frame, err := ParseFrame(data)
	if err != nil {
		r.logger.Debug("dropping frame", "session", s.ID(), "error", err, "bytes", len(data))
		return
	}

	switch f := frame.(type) {
	case RegisterFrame:
		r.coord.Register(ctx, s, f)
	case TypingFrame:
		r.coord.Typing(s, f)
	case ChatFrame:
		r.coord.Chat(ctx, s, f)
	case EditFrame:
		r.coord.Edit(ctx, s, f)
	}
}
