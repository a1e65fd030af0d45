package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ZentaChain/mailbox-relay/pkg/protocol"
)

const pgUniqueViolation = "23505"

// PostgresStore keeps the directory and mailbox in PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool to databaseURL and creates the schema
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS clients (
		seq BIGSERIAL,
		id BYTEA PRIMARY KEY CHECK (length(id) = 16),
		username TEXT NOT NULL UNIQUE,
		public_key BYTEA NOT NULL CHECK (length(public_key) = 160),
		last_seen TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		to_client BYTEA NOT NULL REFERENCES clients(id),
		from_client BYTEA NOT NULL,
		type SMALLINT NOT NULL,
		content BYTEA NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(to_client, id);
	`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// ===== DIRECTORY OPERATIONS =====

func (s *PostgresStore) Register(ctx context.Context, id protocol.ClientID, username string, publicKey protocol.PublicKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clients (id, username, public_key)
		VALUES ($1, $2, $3)
	`, id[:], username, publicKey[:])
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		if pgErr.ConstraintName == "clients_username_key" {
			return ErrDuplicateUsername
		}
		return ErrDuplicateID
	}
	return fmt.Errorf("failed to register client: %w", err)
}

func (s *PostgresStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM clients WHERE username = $1)`, username)
}

func (s *PostgresStore) Exists(ctx context.Context, id protocol.ClientID) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM clients WHERE id = $1)`, id[:])
}

func (s *PostgresStore) exists(ctx context.Context, query string, arg any) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, query, arg).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check client: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) List(ctx context.Context, excluding protocol.ClientID) ([]ClientSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, username FROM clients
		WHERE id <> $1
		ORDER BY seq ASC
	`, excluding[:])
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

func (s *PostgresStore) Lookup(ctx context.Context, id protocol.ClientID) (*ClientRecord, error) {
	rec := &ClientRecord{ID: id}
	var keyBytes []byte

	err := s.pool.QueryRow(ctx, `
		SELECT username, public_key, last_seen FROM clients WHERE id = $1
	`, id[:]).Scan(&rec.Username, &keyBytes, &rec.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}

	copy(rec.PublicKey[:], keyBytes)
	return rec, nil
}

func (s *PostgresStore) Touch(ctx context.Context, id protocol.ClientID) error {
	if _, err := s.pool.Exec(ctx, `UPDATE clients SET last_seen = now() WHERE id = $1`, id[:]); err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM clients`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count clients: %w", err)
	}
	return count, nil
}

// ===== MAILBOX OPERATIONS =====

func (s *PostgresStore) Enqueue(ctx context.Context, to, from protocol.ClientID, msgType protocol.MessageType, content []byte) (uint32, error) {
	if content == nil {
		content = []byte{}
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (to_client, from_client, type, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, to[:], from[:], int16(msgType), content).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to queue message: %w", err)
	}
	if id <= 0 || id > int64(^uint32(0)) {
		return 0, fmt.Errorf("message id %d does not fit the wire format", id)
	}

	return uint32(id), nil
}

func (s *PostgresStore) Drain(ctx context.Context, recipient protocol.ClientID) ([]QueuedMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, from_client, type, content
		FROM messages
		WHERE to_client = $1
		ORDER BY id ASC
	`, recipient[:])
	if err != nil {
		return nil, fmt.Errorf("failed to get queued messages: %w", err)
	}
	defer rows.Close()

	var messages []QueuedMessage
	for rows.Next() {
		msg := QueuedMessage{To: recipient}
		var id int64
		var from []byte
		var msgType int16
		if err := rows.Scan(&id, &from, &msgType, &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.ID = uint32(id)
		copy(msg.From[:], from)
		msg.Type = protocol.MessageType(msgType)
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// DeleteBatch removes delivered messages in one statement
func (s *PostgresStore) DeleteBatch(ctx context.Context, ids []uint32) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]int64, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = ANY($1)`, args); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

func (s *PostgresStore) Pending(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get queue size: %w", err)
	}
	return count, nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
