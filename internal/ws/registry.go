package ws

import (
	"sort"
	"sync"
)

// Registry maps each online identity to its Session. It is the single
// source of truth for who is online. At most one session is bound to an
// identity, and a session holds at most one identity.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Register binds identity to s, replacing any existing binding. If s was
// bound to a different identity, that binding is released. It returns the
// session that previously held identity when that was a different session,
// so the caller can close it.
func (r *Registry) Register(identity string, s *Session) (superseded *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old := s.Identity(); old != "" && old != identity && r.sessions[old] == s {
		delete(r.sessions, old)
	}

	prev := r.sessions[identity]
	r.sessions[identity] = s
	s.setIdentity(identity)

	if prev == s {
		return nil
	}
	return prev
}

// Lookup returns the session bound to identity, or nil.
func (r *Registry) Lookup(identity string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[identity]
}

// Unregister removes the binding held by s. It is a no-op when s was never
// registered or its identity has since been taken by another session.
func (r *Registry) Unregister(s *Session) (identity string, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := s.Identity()
	if name == "" || r.sessions[name] != s {
		return "", false
	}
	delete(r.sessions, name)
	return name, true
}

// Count returns the number of online identities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Online returns the online identities in lexical order.
func (r *Registry) Online() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
