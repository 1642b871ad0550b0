package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"forcesync/internal/models"
)

// RedisStore shares sessions between processes. Each session is a hash
// holding its JSON document and version; the active set backs single-flight
// admission and the terminal zset (scored by completion time) backs the
// retention sweep.
type RedisStore struct {
	client      *redis.Client
	prefix      string
	activeKey   string
	terminalKey string

	// beforeLookup runs between the admission script and the read of the
	// conflicting session. Tests use it to interleave a sweep.
	beforeLookup func(id string)
}

// NewRedisStore wraps an existing client. prefix namespaces every key.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "forcesync"
	}
	return &RedisStore{
		client:      client,
		prefix:      prefix + ":session:",
		activeKey:   prefix + ":sessions:active",
		terminalKey: prefix + ":sessions:terminal",
	}
}

func (r *RedisStore) key(id string) string {
	return r.prefix + id
}

func (r *RedisStore) encode(s *models.SyncSession) ([]byte, string, string) {
	data, _ := json.Marshal(s)
	terminal := "0"
	if s.Status.Terminal() {
		terminal = "1"
	}
	return data, terminal, strconv.FormatInt(completedAt(s).UnixMilli(), 10)
}

func (r *RedisStore) Create(ctx context.Context, s *models.SyncSession) error {
	s.Version = 1
	data, terminal, score := r.encode(s)
	res, err := createScript.Run(ctx, r.client,
		[]string{r.key(s.ID), r.activeKey, r.terminalKey},
		data, terminal, score, s.ID).Int()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if res == 0 {
		return ErrExists
	}
	return nil
}

// CreateExclusive inserts s unless another session is in flight. A conflicting
// session that disappears before it can be read was finished and swept, so
// the insert is retried once.
func (r *RedisStore) CreateExclusive(ctx context.Context, s *models.SyncSession) (*models.SyncSession, error) {
	s.Version = 1
	data, _, _ := r.encode(s)
	var existing string
	for attempt := 0; attempt < 2; attempt++ {
		var err error
		existing, err = createExclusiveScript.Run(ctx, r.client,
			[]string{r.key(s.ID), r.activeKey},
			data, s.ID, r.prefix).Text()
		if err != nil {
			return nil, fmt.Errorf("create exclusive session: %w", err)
		}
		switch existing {
		case "":
			return nil, nil
		case s.ID:
			return nil, ErrExists
		}
		if r.beforeLookup != nil {
			r.beforeLookup(existing)
		}
		cur, err := r.Get(ctx, existing)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return cur, ErrActiveSession
	}
	return nil, fmt.Errorf("create exclusive session: in-flight session %s vanished twice", existing)
}

func (r *RedisStore) Get(ctx context.Context, id string) (*models.SyncSession, error) {
	raw, err := r.client.HGet(ctx, r.key(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	var s models.SyncSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, s *models.SyncSession) error {
	expected := s.Version
	next := s.Clone()
	next.Version = expected + 1
	data, terminal, score := r.encode(next)
	res, err := casScript.Run(ctx, r.client,
		[]string{r.key(s.ID), r.activeKey, r.terminalKey},
		expected, data, terminal, score, s.ID).Int()
	if err != nil {
		return fmt.Errorf("swap session %s: %w", s.ID, err)
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrVersionConflict
	}
	s.Version = next.Version
	return nil
}

func (r *RedisStore) ListNonTerminal(ctx context.Context) ([]*models.SyncSession, error) {
	ids, err := r.client.SMembers(ctx, r.activeKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	out := make([]*models.SyncSession, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !s.Status.Terminal() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *RedisStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.terminalKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := r.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, r.key(id))
		pipe.ZRem(ctx, r.terminalKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return len(ids), nil
}

// Close is a no-op; the client belongs to the caller.
func (r *RedisStore) Close() error { return nil }

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', 1)
if ARGV[2] == '1' then
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[4])
else
  redis.call('SADD', KEYS[2], ARGV[4])
end
return 1
`)

// createExclusiveScript returns the id of a live active session, or "" after
// inserting the new one. Stale members of the active set are pruned.
var createExclusiveScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[2])
for _, id in ipairs(ids) do
  if redis.call('EXISTS', ARGV[3] .. id) == 1 then
    return id
  end
  redis.call('SREM', KEYS[2], id)
end
if redis.call('EXISTS', KEYS[1]) == 1 then
  return ARGV[2]
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', 1)
redis.call('SADD', KEYS[2], ARGV[2])
return ''
`)

var casScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then
  return -1
end
if tonumber(v) ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'version', tonumber(ARGV[1]) + 1)
if ARGV[3] == '1' then
  redis.call('SREM', KEYS[2], ARGV[5])
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[5])
end
return 1
`)
