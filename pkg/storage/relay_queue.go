package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/ZentaChain/mailbox-relay/pkg/protocol"
)

// SQLite's default limit on bound parameters is 999
const deleteChunkSize = 500

// ===== MAILBOX OPERATIONS =====

// Enqueue stores a message for a recipient and returns its id
func (s *SQLiteStore) Enqueue(ctx context.Context, to, from protocol.ClientID, msgType protocol.MessageType, content []byte) (uint32, error) {
	query := `
		INSERT INTO messages (to_client, from_client, type, content)
		VALUES (?, ?, ?, ?)
	`

	if content == nil {
		content = []byte{}
	}

	result, err := s.db.ExecContext(ctx, query, to[:], from[:], uint8(msgType), content)
	if err != nil {
		return 0, fmt.Errorf("failed to queue message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read message id: %w", err)
	}
	if id <= 0 || id > int64(^uint32(0)) {
		return 0, fmt.Errorf("message id %d does not fit the wire format", id)
	}

	return uint32(id), nil
}

// Drain retrieves all queued messages for a recipient, oldest first
func (s *SQLiteStore) Drain(ctx context.Context, recipient protocol.ClientID) ([]QueuedMessage, error) {
	query := `
		SELECT id, from_client, type, content
		FROM messages
		WHERE to_client = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, recipient[:])
	if err != nil {
		return nil, fmt.Errorf("failed to get queued messages: %w", err)
	}
	defer rows.Close()

	var messages []QueuedMessage
	for rows.Next() {
		msg := QueuedMessage{To: recipient}
		var id int64
		var from []byte
		var msgType uint8
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

// DeleteBatch removes delivered messages in one transaction
func (s *SQLiteStore) DeleteBatch(ctx context.Context, ids []uint32) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(ids); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = int64(id)
		}

		query := fmt.Sprintf(`DELETE FROM messages WHERE id IN (%s)`, placeholders)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// Pending returns the total number of queued messages
func (s *SQLiteStore) Pending(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get queue size: %w", err)
	}
	return count, nil
}
