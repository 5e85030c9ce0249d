// Package usertest provides a behavioural test suite shared by every
// user.Directory implementation.
package usertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/christopherjohns/dmrelay/internal/user"
)

// Factory returns a fresh, empty directory for a single subtest.
type Factory func(t *testing.T) user.Directory

// Run exercises the user.Directory contract against directories built by
// newDirectory.
func Run(t *testing.T, newDirectory Factory) {
	t.Run("CreateAndFind", func(t *testing.T) {
		req := require.New(t)
		d := newDirectory(t)
		ctx := context.Background()
		at := time.Now().UTC().Truncate(time.Millisecond)

		req.NoError(d.Create(ctx, &user.User{Username: "alice", RegisteredAt: at}))
		got, err := d.Find(ctx, "alice")
		req.NoError(err)
		req.Equal("alice", got.Username)
		req.WithinDuration(at, got.RegisteredAt, time.Millisecond)
	})

	t.Run("FindUnknown", func(t *testing.T) {
		_, err := newDirectory(t).Find(context.Background(), "ghost")
		require.ErrorIs(t, err, user.ErrNotFound)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		req := require.New(t)
		d := newDirectory(t)
		ctx := context.Background()
		first := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

		req.NoError(d.Create(ctx, &user.User{Username: "alice", RegisteredAt: first}))
		err := d.Create(ctx, &user.User{Username: "alice", RegisteredAt: time.Now().UTC()})
		req.ErrorIs(err, user.ErrExists)

		got, err := d.Find(ctx, "alice")
		req.NoError(err)
		req.WithinDuration(first, got.RegisteredAt, time.Millisecond, "duplicate create must not overwrite")
	})

	t.Run("ConcurrentEnsure", func(t *testing.T) {
		d := newDirectory(t)
		ctx := context.Background()

		const workers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
			errs    []error
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, c, err := user.Ensure(ctx, d, "bob")
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
				}
				if c {
					created++
				}
			}()
		}
		wg.Wait()

		require.Empty(t, errs)
		require.Equal(t, 1, created, "exactly one registration creates the user")
	})
}
