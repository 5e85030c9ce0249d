package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/samber/lo"
	_ "modernc.org/sqlite"

	"github.com/christopherjohns/dmrelay/internal/message"
	"github.com/christopherjohns/dmrelay/internal/user"
)

// SQLStore implements message.Store and user.Directory on SQLite or
// PostgreSQL through database/sql.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

// NewSQLite opens a SQLite database and runs migrations.
func NewSQLite(dsn string) (*SQLStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	dsn = withSQLiteParams(dsn)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	return newSQLStore(db, false)
}

// NewPostgres opens a PostgreSQL database through pgx and runs migrations.
func NewPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLStore(db, true)
}

func newSQLStore(db *sql.DB, postgres bool) (*SQLStore, error) {
	s := &SQLStore{db: db, postgres: postgres}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	timeType := "DATETIME"
	boolType := "INTEGER"
	if s.postgres {
		timeType = "TIMESTAMPTZ"
		boolType = "BOOLEAN"
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			registered_at ` + timeType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at ` + timeType + ` NOT NULL,
			edited ` + boolType + ` NOT NULL DEFAULT ` + s.boolLiteral(false) + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, created_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(m), err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Find returns the user with the given username.
func (s *SQLStore) Find(ctx context.Context, username string) (*user.User, error) {
	var u user.User
	err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT username, registered_at FROM users WHERE username = ?"), username,
	).Scan(&u.Username, &u.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, user.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &u, nil
}

// Create inserts u. The primary key on username makes a duplicate insert a
// no-op, which is reported as user.ErrExists.
func (s *SQLStore) Create(ctx context.Context, u *user.User) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind("INSERT INTO users (username, registered_at) VALUES (?, ?) ON CONFLICT (username) DO NOTHING"),
		u.Username, u.RegisteredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	if n == 0 {
		return user.ErrExists
	}
	return nil
}

// Insert persists a new message.
func (s *SQLStore) Insert(ctx context.Context, msg *message.Message) error {
	message.Prepare(msg, uuid.NewString)
	_, err := s.db.ExecContext(ctx,
		s.rebind("INSERT INTO messages (id, sender, recipient, body, created_at, edited) VALUES (?, ?, ?, ?, ?, ?)"),
		msg.ID, msg.Sender, msg.Recipient, msg.Body, msg.Timestamp.UTC(), msg.Edited,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const messageColumns = "id, sender, recipient, body, created_at, edited"

// Get returns the message with the given ID.
func (s *SQLStore) Get(ctx context.Context, id string) (*message.Message, error) {
	var m message.Message
	err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT "+messageColumns+" FROM messages WHERE id = ?"), id,
	).Scan(&m.ID, &m.Sender, &m.Recipient, &m.Body, &m.Timestamp, &m.Edited)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, message.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

// Update sets the body of a message and marks it edited.
func (s *SQLStore) Update(ctx context.Context, id, body string) (*message.Message, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE messages SET body = ?, edited = ? WHERE id = ?"),
		body, true, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	if n == 0 {
		return nil, message.ErrNotFound
	}
	return s.Get(ctx, id)
}

// Conversation returns the newest messages involving username.
func (s *SQLStore) Conversation(ctx context.Context, username string, limit int) ([]*message.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind("SELECT "+messageColumns+" FROM messages WHERE sender = ? OR recipient = ? ORDER BY created_at DESC LIMIT ?"),
		username, username, message.NormalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var found []message.Message
	for rows.Next() {
		var m message.Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Body, &m.Timestamp, &m.Edited); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		found = append(found, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return lo.Map(found, func(m message.Message, _ int) *message.Message {
		return &m
	}), nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) boolLiteral(v bool) string {
	switch {
	case s.postgres && v:
		return "TRUE"
	case s.postgres:
		return "FALSE"
	case v:
		return "1"
	default:
		return "0"
	}
}

// withSQLiteParams applies connection parameters to every pooled
// connection: a busy timeout, and timestamps written in a sortable layout.
func withSQLiteParams(dsn string) string {
	params := []string{"_pragma=busy_timeout(5000)"}
	if !strings.Contains(dsn, "_time_format=") {
		params = append(params, "_time_format=sqlite")
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func firstLine(q string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(q), "\n")
	return line
}
