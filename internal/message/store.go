package message

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps every message in process memory. It is the default
// backend for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*stored
	seq  uint64
}

type stored struct {
	msg *Message
	seq uint64
}

// NewMemoryStore creates an empty in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]*stored),
	}
}

// Insert stores a copy of msg after assigning its ID and timestamp.
func (s *MemoryStore) Insert(_ context.Context, msg *Message) error {
	Prepare(msg, uuid.NewString)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.byID[msg.ID] = &stored{msg: msg.Clone(), seq: s.seq}
	return nil
}

// Get returns a copy of the message with the given ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.msg.Clone(), nil
}

// Update sets the body of a message and marks it edited.
func (s *MemoryStore) Update(_ context.Context, id, body string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	e.msg.Body = body
	e.msg.Edited = true
	return e.msg.Clone(), nil
}

// Conversation returns the newest messages involving username. Messages
// with equal timestamps are ordered by insertion, newest first.
func (s *MemoryStore) Conversation(_ context.Context, username string, limit int) ([]*Message, error) {
	limit = NormalizeLimit(limit)

	s.mu.RLock()
	matches := make([]stored, 0)
	for _, e := range s.byID {
		if e.msg.Involves(username) {
			matches = append(matches, stored{msg: e.msg.Clone(), seq: e.seq})
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		ti, tj := matches[i].msg.Timestamp, matches[j].msg.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return matches[i].seq > matches[j].seq
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	result := make([]*Message, len(matches))
	for i, e := range matches {
		result[i] = e.msg
	}
	return result, nil
}

// Count returns the number of stored messages.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
