package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/christopherjohns/dmrelay/internal/message"
	"github.com/christopherjohns/dmrelay/internal/message/messagetest"
	"github.com/christopherjohns/dmrelay/internal/user"
	"github.com/christopherjohns/dmrelay/internal/user/usertest"
)

func newTestSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestPostgres(t *testing.T) *SQLStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres tests")
	}
	s, err := NewPostgres(dsn)
	require.NoError(t, err)
	_, err = s.db.Exec("TRUNCATE messages, users")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteMessageStore(t *testing.T) {
	messagetest.Run(t, func(t *testing.T) message.Store { return newTestSQLite(t) })
}

func TestSQLiteDirectory(t *testing.T) {
	usertest.Run(t, func(t *testing.T) user.Directory { return newTestSQLite(t) })
}

func TestPostgresMessageStore(t *testing.T) {
	messagetest.Run(t, func(t *testing.T) message.Store { return newTestPostgres(t) })
}

func TestPostgresDirectory(t *testing.T) {
	usertest.Run(t, func(t *testing.T) user.Directory { return newTestPostgres(t) })
}

func TestSQLiteMigrationIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")

	first, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, first.Insert(context.Background(), &message.Message{Sender: "alice", Recipient: "bob", Body: "kept"}))
	require.NoError(t, first.Close())

	second, err := NewSQLite(path)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.Conversation(context.Background(), "bob", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "kept", got[0].Body)
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{postgres: true}
	require.Equal(t, "SELECT a FROM t WHERE x = $1 OR y = $2 LIMIT $3", pg.rebind("SELECT a FROM t WHERE x = ? OR y = ? LIMIT ?"))

	lite := &SQLStore{}
	require.Equal(t, "x = ?", lite.rebind("x = ?"))
}
