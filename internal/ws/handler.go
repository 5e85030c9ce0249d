package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// defaultReadLimit caps inbound frame size when no limit is configured.
const defaultReadLimit = 64 << 10

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithAllowedOrigins restricts the browser origins allowed to connect.
// An empty list or "*" allows every origin.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *Handler) {
		h.origins = origins
	}
}

// WithReadLimit sets the maximum size in bytes of a single inbound frame.
func WithReadLimit(n int64) HandlerOption {
	return func(h *Handler) {
		h.readLimit = n
	}
}

// WithHandlerLogger sets the logger used by the handler.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = l
	}
}

// Handler handles WebSocket upgrade requests and client read loops.
type Handler struct {
	conns     *ConnManager
	router    *Router
	coord     *Coordinator
	origins   []string
	readLimit int64
	logger    *slog.Logger
}

// NewHandler creates a new WebSocket Handler.
func NewHandler(conns *ConnManager, coord *Coordinator, opts ...HandlerOption) *Handler {
	h := &Handler{
		conns:     conns,
		coord:     coord,
		readLimit: defaultReadLimit,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "ws")
	h.router = NewRouter(coord, h.logger)
	return h
}

// ServeHTTP upgrades the HTTP connection to a WebSocket and runs the
// read loop for the session until the connection closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.logger.Warn("accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(h.readLimit)

	s := newSession(conn, r.RemoteAddr)
	connCtx, err := h.conns.Add(s)
	if err != nil {
		h.logger.Warn("rejecting connection", "remote", r.RemoteAddr, "error", err)
		status := websocket.StatusTryAgainLater
		if errors.Is(err, ErrShuttingDown) {
			status = websocket.StatusGoingAway
		}
		conn.Close(status, err.Error())
		return
	}
	h.logger.Info("connection accepted", "session", s.ID(), "remote", r.RemoteAddr)

	defer func() {
		h.coord.Disconnect(s)
		h.conns.Remove(s)
		h.logger.Info("connection closed", "session", s.ID(), "identity", s.Identity())
	}()

	h.readLoop(r.Context(), connCtx, s)
}

// readLoop reads frames until the connection closes or the connection
// manager cancels connCtx. Each frame is handled to completion before the
// next is read, so a session's frames are processed in order.
func (h *Handler) readLoop(ctx, connCtx context.Context, s *Session) {
	// Store operations run to completion even if the client goes away.
	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		// Mark activity so idle reaping doesn't close active connections.
		h.conns.TouchActivity(s)

		if typ != websocket.MessageText {
			h.logger.Debug("dropping binary frame", "session", s.ID(), "bytes", len(data))
			continue
		}
		h.router.Dispatch(work, s, data)
	}
}

func (h *Handler) acceptOptions() *websocket.AcceptOptions {
	patterns := originPatterns(h.origins)
	if patterns == nil {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

// originPatterns converts configured origins into host patterns. It returns
// nil when every origin is allowed.
func originPatterns(origins []string) []string {
	var patterns []string
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
			continue
		case o == "*":
			return nil
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}
