package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ZentaChain/mailbox-relay/pkg/protocol"
)

const defaultRedisPrefix = "relay:"

// RedisStore keeps the directory and mailbox in Redis.
//
// Layout (all keys under the prefix):
//
//	client:<id>      hash  username, public_key, last_seen
//	usernames        hash  username -> id
//	clients          list  ids in registration order
//	msg:next_id      counter
//	msg:<n>          hash  to, from, type, content
//	mailbox:<id>     list  message ids in enqueue order
//	pending          counter of queued messages
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore connects using a redis:// URL
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: defaultRedisPrefix, now: time.Now}, nil
}

// WithPrefix namespaces every key, so tests can share one server
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

func (s *RedisStore) clientKey(id protocol.ClientID) string {
	return s.prefix + "client:" + id.String()
}

func (s *RedisStore) mailboxKey(id protocol.ClientID) string {
	return s.prefix + "mailbox:" + id.String()
}

func (s *RedisStore) messageKey(id uint32) string {
	return s.prefix + "msg:" + strconv.FormatUint(uint64(id), 10)
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

// ===== DIRECTORY OPERATIONS =====

// registerScript claims the username and writes the client record in one
// step. KEYS: usernames, client:<id>, clients. ARGV: username, id, public
// key, last seen. Returns 1 for a taken username, 2 for a taken id. The
// checks run before the first write and RPUSH is the first write, so a
// failing command leaves nothing behind.
var registerScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
	return 1
end
if redis.call("EXISTS", KEYS[2]) == 1 then
	return 2
end
redis.call("RPUSH", KEYS[3], ARGV[2])
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[2], "username", ARGV[1], "public_key", ARGV[3], "last_seen", ARGV[4])
return 0
`)

func (s *RedisStore) Register(ctx context.Context, id protocol.ClientID, username string, publicKey protocol.PublicKey) error {
	keys := []string{s.key("usernames"), s.clientKey(id), s.key("clients")}
	res, err := registerScript.Run(ctx, s.client, keys,
		username, id.String(), publicKey[:], s.now().UnixNano()).Int()
	if err != nil {
		return fmt.Errorf("failed to register client: %w", err)
	}

	switch res {
	case 1:
		return ErrDuplicateUsername
	case 2:
		return ErrDuplicateID
	}
	return nil
}

func (s *RedisStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	ok, err := s.client.HExists(ctx, s.key("usernames"), username).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Exists(ctx context.Context, id protocol.ClientID) (bool, error) {
	n, err := s.client.Exists(ctx, s.clientKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check client: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) List(ctx context.Context, excluding protocol.ClientID) ([]ClientSummary, error) {
	ids, err := s.client.LRange(ctx, s.key("clients"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	skip := excluding.String()
	var parsed []protocol.ClientID
	cmds := make([]*redis.StringCmd, 0, len(ids))

	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, raw := range ids {
			if raw == skip {
				continue
			}
			id, err := protocol.ParseClientID(raw)
			if err != nil {
				return err
			}
			parsed = append(parsed, id)
			cmds = append(cmds, pipe.HGet(ctx, s.clientKey(id), "username"))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load usernames: %w", err)
	}

	clients := make([]ClientSummary, 0, len(parsed))
	for i, id := range parsed {
		clients = append(clients, ClientSummary{ID: id, Username: cmds[i].Val()})
	}
	return clients, nil
}

func (s *RedisStore) Lookup(ctx context.Context, id protocol.ClientID) (*ClientRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.clientKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	rec := &ClientRecord{ID: id, Username: fields["username"]}
	copy(rec.PublicKey[:], fields["public_key"])
	if ns, err := strconv.ParseInt(fields["last_seen"], 10, 64); err == nil {
		rec.LastSeen = time.Unix(0, ns)
	}
	return rec, nil
}

func (s *RedisStore) Touch(ctx context.Context, id protocol.ClientID) error {
	key := s.clientKey(id)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check client: %w", err)
	}
	if n == 0 {
		return nil
	}
	if err := s.client.HSet(ctx, key, "last_seen", s.now().UnixNano()).Err(); err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.key("clients")).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count clients: %w", err)
	}
	return int(n), nil
}

// ===== MAILBOX OPERATIONS =====

func (s *RedisStore) Enqueue(ctx context.Context, to, from protocol.ClientID, msgType protocol.MessageType, content []byte) (uint32, error) {
	next, err := s.client.Incr(ctx, s.key("msg:next_id")).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate message id: %w", err)
	}
	if next > int64(^uint32(0)) {
		return 0, fmt.Errorf("message id %d does not fit the wire format", next)
	}
	id := uint32(next)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.messageKey(id), map[string]interface{}{
			"to":      to.String(),
			"from":    from.String(),
			"type":    uint8(msgType),
			"content": content,
		})
		pipe.RPush(ctx, s.mailboxKey(to), id)
		pipe.Incr(ctx, s.key("pending"))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to queue message: %w", err)
	}
	return id, nil
}

func (s *RedisStore) Drain(ctx context.Context, recipient protocol.ClientID) ([]QueuedMessage, error) {
	raw, err := s.client.LRange(ctx, s.mailboxKey(recipient), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get queued messages: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	ids := make([]uint32, len(raw))
	cmds := make([]*redis.MapStringStringCmd, len(raw))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, r := range raw {
			n, err := strconv.ParseUint(r, 10, 32)
			if err != nil {
				return fmt.Errorf("bad message id %q: %w", r, err)
			}
			ids[i] = uint32(n)
			cmds[i] = pipe.HGetAll(ctx, s.messageKey(ids[i]))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	messages := make([]QueuedMessage, 0, len(raw))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue // deleted between LRANGE and HGETALL
		}
		msg := QueuedMessage{ID: ids[i], To: recipient}
		from, err := protocol.ParseClientID(fields["from"])
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", ids[i], err)
		}
		msg.From = from
		t, err := strconv.ParseUint(fields["type"], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("message %d: bad type %q: %w", ids[i], fields["type"], err)
		}
		msg.Type = protocol.MessageType(t)
		if c := fields["content"]; c != "" {
			msg.Content = []byte(c)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *RedisStore) DeleteBatch(ctx context.Context, ids []uint32) error {
	if len(ids) == 0 {
		return nil
	}

	recipients := make([]*redis.StringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			recipients[i] = pipe.HGet(ctx, s.messageKey(id), "to")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to resolve recipients: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed := 0
		for i, id := range ids {
			to, err := recipients[i].Result()
			if err != nil {
				continue // already gone
			}
			pipe.LRem(ctx, s.prefix+"mailbox:"+to, 0, id)
			pipe.Del(ctx, s.messageKey(id))
			removed++
		}
		if removed > 0 {
			pipe.DecrBy(ctx, s.key("pending"), int64(removed))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

func (s *RedisStore) Pending(ctx context.Context) (int, error) {
	n, err := s.client.Get(ctx, s.key("pending")).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get queue size: %w", err)
	}
	return n, nil
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
