package storage

import (
	"context"
	"sync"
	"time"

	"github.com/ZentaChain/mailbox-relay/pkg/protocol"
)

// MemoryStore keeps everything in process memory. Nothing survives a
// restart.
type MemoryStore struct {
	mu        sync.RWMutex
	clients   map[protocol.ClientID]*ClientRecord
	order     []protocol.ClientID
	usernames map[string]protocol.ClientID
	messages  []QueuedMessage // enqueue order
	nextID    uint32
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:   make(map[protocol.ClientID]*ClientRecord),
		usernames: make(map[string]protocol.ClientID),
		now:       time.Now,
	}
}

func (s *MemoryStore) Register(_ context.Context, id protocol.ClientID, username string, publicKey protocol.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usernames[username]; ok {
		return ErrDuplicateUsername
	}
	if _, ok := s.clients[id]; ok {
		return ErrDuplicateID
	}

	s.clients[id] = &ClientRecord{
		ID:        id,
		Username:  username,
		PublicKey: publicKey,
		LastSeen:  s.now(),
	}
	s.usernames[username] = id
	s.order = append(s.order, id)
	return nil
}

func (s *MemoryStore) UsernameExists(_ context.Context, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.usernames[username]
	return ok, nil
}

func (s *MemoryStore) Exists(_ context.Context, id protocol.ClientID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[id]
	return ok, nil
}

func (s *MemoryStore) List(_ context.Context, excluding protocol.ClientID) ([]ClientSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ClientSummary, 0, len(s.order))
	for _, id := range s.order {
		if id == excluding {
			continue
		}
		out = append(out, ClientSummary{ID: id, Username: s.clients[id].Username})
	}
	return out, nil
}

func (s *MemoryStore) Lookup(_ context.Context, id protocol.ClientID) (*ClientRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Touch(_ context.Context, id protocol.ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.clients[id]; ok {
		rec.LastSeen = s.now()
	}
	return nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients), nil
}

func (s *MemoryStore) Enqueue(_ context.Context, to, from protocol.ClientID, msgType protocol.MessageType, content []byte) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.messages = append(s.messages, QueuedMessage{
		ID:      s.nextID,
		To:      to,
		From:    from,
		Type:    msgType,
		Content: append([]byte(nil), content...),
	})
	return s.nextID, nil
}

func (s *MemoryStore) Drain(_ context.Context, recipient protocol.ClientID) ([]QueuedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []QueuedMessage
	for _, m := range s.messages {
		if m.To == recipient {
			m.Content = append([]byte(nil), m.Content...)
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteBatch(_ context.Context, ids []uint32) error {
	if len(ids) == 0 {
		return nil
	}

	drop := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.messages[:0]
	for _, m := range s.messages {
		if _, ok := drop[m.ID]; !ok {
			kept = append(kept, m)
		}
	}
	// release references held past the new length
	for i := len(kept); i < len(s.messages); i++ {
		s.messages[i] = QueuedMessage{}
	}
	s.messages = kept
	return nil
}

func (s *MemoryStore) Pending(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
