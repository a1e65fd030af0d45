package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/ZentaChain/mailbox-relay/pkg/protocol"
)

// DefaultDBPath is used when no database file is configured
const DefaultDBPath = "./data/relay.db"

// SQLiteStore persists the directory and mailbox in a SQLite file
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: requests are served one at a time anyway, and it
	// keeps ":memory:" databases from splitting across connections.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency with readers
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initSchema creates database tables
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	-- Registered clients
	CREATE TABLE IF NOT EXISTS clients (
		id BLOB PRIMARY KEY CHECK (length(id) = 16),
		username TEXT NOT NULL UNIQUE,
		public_key BLOB NOT NULL CHECK (length(public_key) = 160),
		last_seen INTEGER NOT NULL
	);

	-- Queued messages awaiting pull
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		to_client BLOB NOT NULL,
		from_client BLOB NOT NULL,
		type INTEGER NOT NULL,
		content BLOB,
		FOREIGN KEY (to_client) REFERENCES clients(id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(to_client, id);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// ===== DIRECTORY OPERATIONS =====

func (s *SQLiteStore) Register(ctx context.Context, id protocol.ClientID, username string, publicKey protocol.PublicKey) error {
	query := `INSERT INTO clients (id, username, public_key, last_seen) VALUES (?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, id[:], username, publicKey[:], s.now().UnixNano())
	if err != nil {
		return classifyInsertError(err)
	}
	return nil
}

// classifyInsertError maps constraint violations to directory errors
func classifyInsertError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		switch {
		case strings.Contains(sqliteErr.Error(), "clients.username"):
			return ErrDuplicateUsername
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey,
			strings.Contains(sqliteErr.Error(), "clients.id"):
			return ErrDuplicateID
		}
	}
	return fmt.Errorf("failed to register client: %w", err)
}

func (s *SQLiteStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM clients WHERE username = ?`, username)
}

func (s *SQLiteStore) Exists(ctx context.Context, id protocol.ClientID) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM clients WHERE id = ?`, id[:])
}

func (s *SQLiteStore) exists(ctx context.Context, query string, arg interface{}) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check client: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) List(ctx context.Context, excluding protocol.ClientID) ([]ClientSummary, error) {
	query := `SELECT id, username FROM clients WHERE id != ? ORDER BY rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, excluding[:])
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []ClientSummary
	for rows.Next() {
		var idBytes []byte
		var c ClientSummary
		if err := rows.Scan(&idBytes, &c.Username); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		copy(c.ID[:], idBytes)
		clients = append(clients, c)
	}

	return clients, rows.Err()
}

func (s *SQLiteStore) Lookup(ctx context.Context, id protocol.ClientID) (*ClientRecord, error) {
	query := `SELECT username, public_key, last_seen FROM clients WHERE id = ?`

	rec := &ClientRecord{ID: id}
	var keyBytes []byte
	var lastSeen int64

	err := s.db.QueryRowContext(ctx, query, id[:]).Scan(&rec.Username, &keyBytes, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}

	copy(rec.PublicKey[:], keyBytes)
	rec.LastSeen = time.Unix(0, lastSeen)
	return rec, nil
}

func (s *SQLiteStore) Touch(ctx context.Context, id protocol.ClientID) error {
	query := `UPDATE clients SET last_seen = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, s.now().UnixNano(), id[:]); err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clients`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count clients: %w", err)
	}
	return count, nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
