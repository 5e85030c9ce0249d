package message

import (
	"context"
	"errors"
	"time"
)

// DefaultHistoryLimit is the number of records a conversation query returns
// when the caller does not ask for a specific limit.
const DefaultHistoryLimit = 50

// ErrNotFound is returned when no message exists for the requested ID.
var ErrNotFound = errors.New("message not found")

// Message is a direct message between two identities.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Body      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Edited    bool      `json:"edited"`
}

// Involves reports whether username is the sender or the recipient.
func (m *Message) Involves(username string) bool {
	return m.Sender == username || m.Recipient == username
}

// Clone returns a copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

// Store is the interface for message persistence backends.
type Store interface {
	// Insert persists msg. The store assigns ID when it is empty and
	// Timestamp when it is zero, and always resets Edited.
	Insert(ctx context.Context, msg *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	// Update replaces the body of an existing message and marks it edited.
	Update(ctx context.Context, id, body string) (*Message, error)
	// Conversation returns up to limit messages sent or received by
	// username, newest first.
	Conversation(ctx context.Context, username string, limit int) ([]*Message, error)
}

// NormalizeLimit maps a non-positive limit to DefaultHistoryLimit.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}

// Prepare fills the store-assigned fields of a message about to be inserted.
func Prepare(msg *Message, newID func() string) {
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.Edited = false
}
