package user

import (
	"context"
	"sync"
)

// MemoryDirectory keeps users in process memory.
type MemoryDirectory struct {
	mu    sync.Mutex
	users map[string]User
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users: make(map[string]User),
	}
}

// Find returns the user with the given username.
func (d *MemoryDirectory) Find(_ context.Context, username string) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

// Create stores u unless the username is already taken.
func (d *MemoryDirectory) Create(_ context.Context, u *User) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[u.Username]; ok {
		return ErrExists
	}
	d.users[u.Username] = *u
	return nil
}

// Count returns the number of known users.
func (d *MemoryDirectory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.users)
}
