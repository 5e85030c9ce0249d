// Package messagetest provides a behavioural test suite shared by every
// message.Store implementation.
package messagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/christopherjohns/dmrelay/internal/message"
)

// Factory returns a fresh, empty store for a single subtest.
type Factory func(t *testing.T) message.Store

// Run exercises the message.Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertAssignsFields", func(t *testing.T) { testInsertAssignsFields(t, newStore(t)) })
	t.Run("GetUnknown", func(t *testing.T) { testGetUnknown(t, newStore(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("UpdateUnknown", func(t *testing.T) { testUpdateUnknown(t, newStore(t)) })
	t.Run("ConversationFiltersAndSorts", func(t *testing.T) { testConversationFiltersAndSorts(t, newStore(t)) })
	t.Run("ConversationLimit", func(t *testing.T) { testConversationLimit(t, newStore(t)) })
	t.Run("ConversationEmpty", func(t *testing.T) { testConversationEmpty(t, newStore(t)) })
}

func testInsertAssignsFields(t *testing.T, s message.Store) {
	req := require.New(t)
	ctx := context.Background()

	m := &message.Message{Sender: "alice", Recipient: "bob", Body: "hi", Edited: true}
	req.NoError(s.Insert(ctx, m))
	req.NotEmpty(m.ID)
	req.False(m.Timestamp.IsZero())
	req.False(m.Edited)

	got, err := s.Get(ctx, m.ID)
	req.NoError(err)
	req.Equal(m.ID, got.ID)
	req.Equal("alice", got.Sender)
	req.Equal("bob", got.Recipient)
	req.Equal("hi", got.Body)
	req.False(got.Edited)
	req.WithinDuration(m.Timestamp, got.Timestamp, time.Millisecond)

	other := &message.Message{Sender: "alice", Recipient: "bob", Body: "again"}
	req.NoError(s.Insert(ctx, other))
	req.NotEqual(m.ID, other.ID)
}

func testGetUnknown(t *testing.T, s message.Store) {
	_, err := s.Get(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, message.ErrNotFound)
}

func testUpdate(t *testing.T, s message.Store) {
	req := require.New(t)
	ctx := context.Background()

	m := &message.Message{Sender: "alice", Recipient: "bob", Body: "hi"}
	req.NoError(s.Insert(ctx, m))

	updated, err := s.Update(ctx, m.ID, "hi!")
	req.NoError(err)
	req.Equal(m.ID, updated.ID)
	req.Equal("hi!", updated.Body)
	req.True(updated.Edited)
	req.Equal("alice", updated.Sender)
	req.Equal("bob", updated.Recipient)

	got, err := s.Get(ctx, m.ID)
	req.NoError(err)
	req.Equal("hi!", got.Body)
	req.True(got.Edited)
}

func testUpdateUnknown(t *testing.T, s message.Store) {
	_, err := s.Update(context.Background(), "does-not-exist", "x")
	require.ErrorIs(t, err, message.ErrNotFound)
}

func testConversationFiltersAndSorts(t *testing.T, s message.Store) {
	req := require.New(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

	fixtures := []*message.Message{
		{Sender: "alice", Recipient: "bob", Body: "one", Timestamp: base},
		{Sender: "carol", Recipient: "dave", Body: "unrelated", Timestamp: base.Add(time.Minute)},
		{Sender: "bob", Recipient: "alice", Body: "two", Timestamp: base.Add(2 * time.Minute)},
		{Sender: "alice", Recipient: "carol", Body: "three", Timestamp: base.Add(3 * time.Minute)},
	}
	for _, m := range fixtures {
		req.NoError(s.Insert(ctx, m))
	}

	got, err := s.Conversation(ctx, "alice", 10)
	req.NoError(err)
	req.Len(got, 3)
	req.Equal([]string{"three", "two", "one"}, bodies(got))

	got, err = s.Conversation(ctx, "dave", 10)
	req.NoError(err)
	req.Equal([]string{"unrelated"}, bodies(got))
}

func testConversationLimit(t *testing.T, s message.Store) {
	req := require.New(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Millisecond)

	total := message.DefaultHistoryLimit + 5
	for i := 0; i < total; i++ {
		req.NoError(s.Insert(ctx, &message.Message{
			Sender:    "alice",
			Recipient: "bob",
			Body:      fmt.Sprintf("msg-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := s.Conversation(ctx, "bob", 0)
	req.NoError(err)
	req.Len(got, message.DefaultHistoryLimit)
	req.Equal(fmt.Sprintf("msg-%d", total-1), got[0].Body)
	for i := 1; i < len(got); i++ {
		req.False(got[i].Timestamp.After(got[i-1].Timestamp), "conversation must be newest first")
	}

	got, err = s.Conversation(ctx, "alice", 3)
	req.NoError(err)
	req.Len(got, 3)
}

func testConversationEmpty(t *testing.T, s message.Store) {
	got, err := s.Conversation(context.Background(), "nobody", 10)
	require.NoError(t, err)
	require.Empty(t, got)
}

func bodies(msgs []*message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}
