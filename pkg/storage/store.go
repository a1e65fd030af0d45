// Package storage holds the client directory and the message mailbox the
// relay serves requests from. Backends: in-memory, SQLite, PostgreSQL and
// Redis.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZentaChain/mailbox-relay/pkg/protocol"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateUsername = errors.New("username already registered")
	ErrDuplicateID       = errors.New("client id already registered")
	ErrUnknownBackend    = errors.New("unknown storage backend")
)

// ClientRecord is a registered identity. Only LastSeen ever changes.
type ClientRecord struct {
	ID        protocol.ClientID
	Username  string
	PublicKey protocol.PublicKey
	LastSeen  time.Time
}

// ClientSummary is the part of a record exposed by listings
type ClientSummary struct {
	ID       protocol.ClientID
	Username string
}

// QueuedMessage is a message waiting in a recipient's mailbox
type QueuedMessage struct {
	ID      uint32
	To      protocol.ClientID
	From    protocol.ClientID
	Type    protocol.MessageType
	Content []byte
}

// Directory is the registry of client identities
type Directory interface {
	// Register adds a record; ErrDuplicateUsername or ErrDuplicateID on conflict
	Register(ctx context.Context, id protocol.ClientID, username string, publicKey protocol.PublicKey) error
	UsernameExists(ctx context.Context, username string) (bool, error)
	Exists(ctx context.Context, id protocol.ClientID) (bool, error)
	// List returns every client except the given id, in registration order
	List(ctx context.Context, excluding protocol.ClientID) ([]ClientSummary, error)
	// Lookup returns ErrNotFound for an unknown id
	Lookup(ctx context.Context, id protocol.ClientID) (*ClientRecord, error)
	// Touch updates LastSeen; unknown ids are ignored
	Touch(ctx context.Context, id protocol.ClientID) error
	Count(ctx context.Context) (int, error)
}

// Mailbox is the queue of undelivered messages keyed by recipient. It has
// no atomic pull; callers compose Drain and DeleteBatch.
type Mailbox interface {
	Enqueue(ctx context.Context, to, from protocol.ClientID, msgType protocol.MessageType, content []byte) (uint32, error)
	// Drain returns the recipient's messages in enqueue order without removing them
	Drain(ctx context.Context, recipient protocol.ClientID) ([]QueuedMessage, error)
	DeleteBatch(ctx context.Context, ids []uint32) error
	Pending(ctx context.Context) (int, error)
}

// Store is a complete backend
type Store interface {
	Directory
	Mailbox
	Ping(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config selects and configures a backend
type Config struct {
	Backend     string
	Path        string // SQLite database file
	PostgresURL string
	RedisURL    string
}

// Open creates the configured backend
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite, "":
		return NewSQLiteStore(ctx, cfg.Path)
	case BackendPostgres:
		return NewPostgresStore(ctx, cfg.PostgresURL)
	case BackendRedis:
		return NewRedisStore(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*RedisStore)(nil)
)
