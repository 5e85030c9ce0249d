package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	// sendBufferSize is the number of frames that can be queued per session.
	sendBufferSize = 16

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// defaultMaxConns is the default maximum concurrent connections (0 = unlimited).
	defaultMaxConns = 0

	// defaultIdleTimeout is the default time after which an idle connection is reaped.
	defaultIdleTimeout = 0

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

var (
	// ErrShuttingDown is returned by Add once Shutdown has been called.
	ErrShuttingDown = errors.New("server shutting down")
	// ErrAtCapacity is returned by Add when the connection limit is reached.
	ErrAtCapacity = errors.New("server at capacity")
)

// connEntry holds per-connection metadata alongside the cancel function.
type connEntry struct {
	cancel     context.CancelFunc
	lastActive time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int   `json:"active"`
	MaxConns        int   `json:"max_conns"`
	Rejected        int64 `json:"rejected"`
	DroppedMessages int64 `json:"dropped_messages"`
	IdleReaped      int64 `json:"idle_reaped"`
	Evicted         int64 `json:"evicted"`
}

// ConnManager tracks all live sessions and owns their lifecycle: write
// pumps, connection limits, idle detection, eviction and shutdown.
type ConnManager struct {
	mu       sync.Mutex
	sessions map[*Session]*connEntry
	closed   bool
	maxConns int
	idleTTL  time.Duration
	stopIdle context.CancelFunc
	logger   *slog.Logger

	// Atomic counters for stats.
	rejected        atomic.Int64
	droppedMessages atomic.Int64
	idleReaped      atomic.Int64
	evicted         atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// When the limit is reached, new connections are rejected.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection can be idle before
// it is automatically closed. A value of 0 disables idle reaping (default).
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// WithConnLogger sets the logger used for connection lifecycle events.
func WithConnLogger(l *slog.Logger) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.logger = l
	}
}

// NewConnManager creates a new connection manager with optional configuration.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		sessions: make(map[*Session]*connEntry),
		maxConns: defaultMaxConns,
		idleTTL:  defaultIdleTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(cm)
	}
	cm.logger = cm.logger.With("component", "conns")
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// Add tracks a session and starts its write pump. The returned context is
// cancelled when the session is removed or the manager shuts down; callers
// should select on ctx.Done() in their read loop. Add fails when the
// manager is shutting down or at capacity, leaving the connection to the
// caller to close.
func (cm *ConnManager) Add(s *Session) (context.Context, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil, ErrShuttingDown
	}
	if cm.maxConns > 0 && len(cm.sessions) >= cm.maxConns {
		cm.rejected.Add(1)
		return nil, ErrAtCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	cm.sessions[s] = &connEntry{
		cancel:     cancel,
		lastActive: time.Now(),
	}

	go cm.writePump(ctx, s)

	return ctx, nil
}

// Remove stops a session's write pump and forgets it. Removing an unknown
// or already removed session is a no-op.
func (cm *ConnManager) Remove(s *Session) {
	cm.mu.Lock()
	entry, ok := cm.sessions[s]
	if ok {
		delete(cm.sessions, s)
	}
	cm.mu.Unlock()

	if ok {
		entry.cancel()
	}
	s.close()
}

// Evict closes a session's connection with the given status and reason.
// The session's own read loop observes the close and cleans up.
func (cm *ConnManager) Evict(s *Session, code websocket.StatusCode, reason string) {
	cm.Remove(s)
	cm.evicted.Add(1)
	cm.logger.Info("evicting session", "session", s.ID(), "identity", s.Identity(), "reason", reason)
	if s.conn != nil {
		go s.conn.Close(code, reason)
	}
}

// Send queues a frame for delivery to the session. It returns
// ErrSessionClosed if the session has gone away and ErrSendBufferFull if
// the client is not keeping up, in which case the frame is dropped.
func (cm *ConnManager) Send(s *Session, data []byte) error {
	err := s.Send(data)
	if errors.Is(err, ErrSendBufferFull) {
		cm.droppedMessages.Add(1)
		cm.logger.Warn("send buffer full, dropping frame", "session", s.ID(), "identity", s.Identity())
	}
	return err
}

// TouchActivity updates the last-active timestamp for a session.
// Call this when a client sends a frame to prevent idle reaping.
func (cm *ConnManager) TouchActivity(s *Session) {
	cm.mu.Lock()
	if entry, ok := cm.sessions[s]; ok {
		entry.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.sessions)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.sessions)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:          active,
		MaxConns:        maxConns,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.droppedMessages.Load(),
		IdleReaped:      cm.idleReaped.Load(),
		Evicted:         cm.evicted.Load(),
	}
}

// SessionInfo holds metadata about a single connection.
type SessionInfo struct {
	ID          string        `json:"id"`
	Identity    string        `json:"identity,omitempty"`
	RemoteAddr  string        `json:"remote_addr"`
	ConnectedAt time.Time     `json:"connected_at"`
	LastActive  time.Time     `json:"last_active"`
	Idle        time.Duration `json:"idle"`
}

// Sessions returns metadata for all active connections.
func (cm *ConnManager) Sessions() []SessionInfo {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	result := make([]SessionInfo, 0, len(cm.sessions))
	for s, entry := range cm.sessions {
		result = append(result, SessionInfo{
			ID:          s.id,
			Identity:    s.Identity(),
			RemoteAddr:  s.remoteAddr,
			ConnectedAt: s.connectedAt,
			LastActive:  entry.lastActive,
			Idle:        now.Sub(entry.lastActive),
		})
	}
	return result
}

// Shutdown gracefully closes all connections. It cancels every write
// pump and closes each WebSocket with StatusGoingAway.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	sessions := cm.sessions
	cm.sessions = make(map[*Session]*connEntry)
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}

	var wg sync.WaitGroup
	for s, entry := range sessions {
		entry.cancel()
		s.close()
		if s.conn == nil {
			continue
		}
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}(s)
	}
	wg.Wait()
}

// idleReapLoop periodically checks for and closes idle connections.
func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle closes connections that have been idle longer than idleTTL.
func (cm *ConnManager) reapIdle() {
	cm.mu.Lock()
	now := time.Now()
	stale := make(map[*Session]*connEntry)
	for s, entry := range cm.sessions {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			stale[s] = entry
			delete(cm.sessions, s)
		}
	}
	cm.mu.Unlock()

	for s, entry := range stale {
		entry.cancel()
		s.close()
		if s.conn != nil {
			go s.conn.Close(websocket.StatusPolicyViolation, "idle timeout")
		}
		cm.idleReaped.Add(1)
		cm.logger.Info("reaped idle connection", "session", s.ID(), "identity", s.Identity())
	}
}

// writePump drains the session's send queue, writing each frame to the
// WebSocket connection. It exits when ctx is cancelled or the queue is
// closed.
func (cm *ConnManager) writePump(ctx context.Context, s *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				cm.logger.Debug("write failed", "session", s.ID(), "error", err)
				return
			}
		}
	}
}
