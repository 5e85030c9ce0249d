package ws

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

var (
	// ErrSessionClosed is returned when sending to a session whose
	// connection has gone away.
	ErrSessionClosed = errors.New("session closed")
	// ErrSendBufferFull is returned when a session's outbound queue is full.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Session is the server side of one live connection. It is bound to at
// most one identity, set when a registration succeeds.
type Session struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	connectedAt time.Time

	// send is the outbound queue drained by the write pump. It is closed,
	// under mu, exactly once when the session closes.
	send chan []byte

	mu       sync.Mutex
	identity string
	closed   bool
}

func newSession(conn *websocket.Conn, remoteAddr string) *Session {
	return &Session{
		id:          generateSessionID(),
		conn:        conn,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		send:        make(chan []byte, sendBufferSize),
	}
}

// ID returns the session's random identifier.
func (s *Session) ID() string {
	return s.id
}

// Identity returns the bound username, or "" before registration.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) setIdentity(name string) {
	s.mu.Lock()
	s.identity = name
	s.mu.Unlock()
}

// Alive reports whether the session can still accept frames.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Send queues data for the write pump without blocking. Liveness is checked
// at the moment of the send, so a stale registry lookup cannot write to a
// connection that has since closed.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// close marks the session dead and stops its write pump. It reports
// whether this call performed the transition.
func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.send)
	return true
}

func generateSessionID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
