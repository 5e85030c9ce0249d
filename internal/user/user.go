package user

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no user has the requested username.
	ErrNotFound = errors.New("user not found")
	// ErrExists is returned by Create when the username is already taken.
	ErrExists = errors.New("user already exists")
)

// User is a known identity. Users are created on first registration and
// never mutated afterwards.
type User struct {
	Username     string    `json:"username"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Directory is the interface for user persistence backends. Create must
// enforce username uniqueness itself and fail with ErrExists on duplicates.
type Directory interface {
	Find(ctx context.Context, username string) (*User, error)
	Create(ctx context.Context, u *User) error
}

// Ensure returns the user named username, creating it when absent. A create
// that loses a race against a concurrent registration of the same name is
// resolved by reading back the winner's record. created reports whether this
// call inserted the record.
func Ensure(ctx context.Context, dir Directory, username string) (u *User, created bool, err error) {
	u, err = dir.Find(ctx, username)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("find user %q: %w", username, err)
	}

	u = &User{Username: username, RegisteredAt: time.Now().UTC()}
	err = dir.Create(ctx, u)
	switch {
	case err == nil:
		return u, true, nil
	case errors.Is(err, ErrExists):
		existing, ferr := dir.Find(ctx, username)
		if ferr != nil {
			return nil, false, fmt.Errorf("find user %q after conflict: %w", username, ferr)
		}
		return existing, false, nil
	default:
		return nil, false, fmt.Errorf("create user %q: %w", username, err)
	}
}
