package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/christopherjohns/dmrelay/internal/message"
	"github.com/christopherjohns/dmrelay/internal/user"
	"github.com/christopherjohns/dmrelay/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// Server is the main HTTP server for the relay.
type Server struct {
	addr         string
	mux          chi.Router
	logger       *slog.Logger
	messages     message.Store
	users        user.Directory
	origins      []string
	historyLimit int
	readLimit    int64
	connOpts     []ws.ConnManagerOption

	registry *ws.Registry
	conns    *ws.ConnManager
}

// Option configures a Server.
type Option func(*Server)

// WithStore sets the message store and user directory. Without it the
// server keeps everything in memory.
func WithStore(messages message.Store, users user.Directory) Option {
	return func(s *Server) {
		s.messages = messages
		s.users = users
	}
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithAllowedOrigins sets the origin allow-list used for CORS and the
// WebSocket origin check. "*" allows every origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// WithHistoryLimit caps the number of records the conversation query returns.
func WithHistoryLimit(n int) Option {
	return func(s *Server) {
		s.historyLimit = n
	}
}

// WithMaxMessageBytes sets the maximum size of an inbound WebSocket frame.
func WithMaxMessageBytes(n int64) Option {
	return func(s *Server) {
		s.readLimit = n
	}
}

// WithConnOptions passes options through to the connection manager.
func WithConnOptions(opts ...ws.ConnManagerOption) Option {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// New creates a new Server listening on addr.
func New(addr string, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		logger:       slog.Default(),
		origins:      []string{"*"},
		historyLimit: message.DefaultHistoryLimit,
		registry:     ws.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.messages == nil {
		s.messages = message.NewMemoryStore()
	}
	if s.users == nil {
		s.users = user.NewMemoryDirectory()
	}

	s.conns = ws.NewConnManager(append([]ws.ConnManagerOption{ws.WithConnLogger(s.logger)}, s.connOpts...)...)
	coord := ws.NewCoordinator(s.registry, s.conns, s.messages, s.users, s.logger)

	handlerOpts := []ws.HandlerOption{
		ws.WithAllowedOrigins(s.origins),
		ws.WithHandlerLogger(s.logger),
	}
	if s.readLimit > 0 {
		handlerOpts = append(handlerOpts, ws.WithReadLimit(s.readLimit))
	}
	wsHandler := ws.NewHandler(s.conns, coord, handlerOpts...)

	s.routes(wsHandler)
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails. On cancellation every WebSocket is closed with
// going-away and in-flight HTTP requests are drained.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server gracefully")
		s.conns.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		return ctx.Err()

	case err := <-errCh:
		s.conns.Shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) routes(wsHandler http.Handler) {
	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(makeCORSMiddleware(s.origins))

	mux.Get("/health", s.handleHealth)
	mux.Get("/api/stats", s.handleStats)
	mux.Get("/api/conversations/{username}", s.handleConversation)

	mux.Get("/", wsHandler.ServeHTTP)
	mux.Get("/ws", wsHandler.ServeHTTP)

	s.mux = mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.conns.Count(),
		"online":      s.registry.Count(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"conns":    s.conns.Stats(),
		"sessions": s.conns.Sessions(),
		"online":   s.registry.Online(),
	})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	username, err := url.PathUnescape(chi.URLParam(r, "username"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid username"})
		return
	}
	msgs, err := s.messages.Conversation(r.Context(), username, s.historyLimit)
	if err != nil {
		s.logger.Error("conversation query failed", "username", username, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	if msgs == nil {
		msgs = []*message.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
