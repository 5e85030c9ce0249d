package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisTimeout bounds every Redis round trip made by the store.
const redisTimeout = 2 * time.Second

// messageKey returns the Redis key holding a message's JSON document.
func messageKey(id string) string {
	return "message:" + id
}

// conversationKey returns the Redis key for a participant's sorted set of
// message IDs, scored by timestamp.
func conversationKey(username string) string {
	return "conversation:" + username + ":messages"
}

// RedisStore persists messages in Redis: one string value per message and
// one sorted set per participant.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a RedisStore backed by client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Insert writes the message and indexes it under both participants.
func (s *RedisStore) Insert(ctx context.Context, msg *Message) error {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	Prepare(msg, uuid.NewString)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis: marshal message: %w", err)
	}

	member := redis.Z{Score: float64(msg.Timestamp.UnixMicro()), Member: msg.ID}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, messageKey(msg.ID), data, 0)
		pipe.ZAdd(ctx, conversationKey(msg.Sender), member)
		if msg.Recipient != msg.Sender {
			pipe.ZAdd(ctx, conversationKey(msg.Recipient), member)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: insert message: %w", err)
	}
	return nil
}

// Get returns the message with the given ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, messageKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get message: %w", err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("redis: decode message %s: %w", id, err)
	}
	return &m, nil
}

// Update rewrites the message body and marks it edited. The write only
// succeeds if the key still exists.
func (s *RedisStore) Update(ctx context.Context, id, body string) (*Message, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Body = body
	m.Edited = true

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("redis: marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	ok, err := s.client.SetXX(ctx, messageKey(id), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: update message: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// Conversation returns the newest messages involving username.
func (s *RedisStore) Conversation(ctx context.Context, username string, limit int) ([]*Message, error) {
	limit = NormalizeLimit(limit)
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	ids, err := s.client.ZRevRange(ctx, conversationKey(username), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read conversation: %w", err)
	}
	if len(ids) == 0 {
		return []*Message{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = messageKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read messages: %w", err)
	}

	msgs := make([]*Message, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			continue
		}
		msgs = append(msgs, &m)
	}
	return msgs, nil
}
