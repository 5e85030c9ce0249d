package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// usersKey is the Redis hash mapping username to registration time.
	usersKey = "users"

	redisTimeout = 2 * time.Second
)

// RedisDirectory stores users in a single Redis hash. HSETNX gives
// Create its uniqueness guarantee.
type RedisDirectory struct {
	client redis.Cmdable
}

// NewRedisDirectory creates a RedisDirectory backed by client.
func NewRedisDirectory(client redis.Cmdable) *RedisDirectory {
	return &RedisDirectory{client: client}
}

// Find returns the user with the given username.
func (d *RedisDirectory) Find(ctx context.Context, username string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	val, err := d.client.HGet(ctx, usersKey, username).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: find user: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return nil, fmt.Errorf("redis: decode registration time for %q: %w", username, err)
	}
	return &User{Username: username, RegisteredAt: at}, nil
}

// Create stores u unless the username is already taken.
func (d *RedisDirectory) Create(ctx context.Context, u *User) error {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	ok, err := d.client.HSetNX(ctx, usersKey, u.Username, u.RegisteredAt.UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return fmt.Errorf("redis: create user: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}
