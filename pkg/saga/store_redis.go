package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/goclaw/ordersaga/pkg/logger"
)

// DefaultRedisKeyPrefix namespaces saga keys in a shared Redis.
const DefaultRedisKeyPrefix = "ordersaga:"

// upsertScript performs the version check, the write and the state index move atomically.
//
// KEYS[1] record hash
// ARGV[1] expected version, ARGV[2] json, ARGV[3] new version, ARGV[4] state,
// ARGV[5] creation score, ARGV[6] state index prefix, ARGV[7] order id
var upsertScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if not current then current = '0' end
if current ~= ARGV[1] then return 0 end
local previous = redis.call('HGET', KEYS[1], 'state')
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'version', ARGV[3], 'state', ARGV[4])
if previous and previous ~= ARGV[4] then
  redis.call('ZREM', ARGV[6] .. previous, ARGV[7])
end
redis.call('ZADD', ARGV[6] .. ARGV[4], ARGV[5], ARGV[7])
return 1
`)

// RedisStore stores saga records as Redis hashes with one sorted set per state.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a Redis-backed saga store. An empty prefix selects DefaultRedisKeyPrefix.
func NewRedisStore(client redis.Cmdable, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Get loads one record by order id.
func (s *RedisStore) Get(ctx context.Context, orderID string) (*Record, error) {
	raw, err := s.client.HGet(ctx, s.recordKey(orderID), "data").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, newError("get", orderID, ErrNotFound, nil)
		}
		return nil, Transient("redis get", err)
	}
	return decodeRecord(raw)
}

// Upsert writes rec when its version matches the stored one.
func (s *RedisStore) Upsert(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("saga record cannot be nil")
	}

	next := rec.Clone()
	next.Version = rec.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal saga record: %w", err)
	}

	applied, err := upsertScript.Run(ctx, s.client,
		[]string{s.recordKey(rec.OrderID)},
		strconv.FormatInt(rec.Version, 10),
		string(data),
		strconv.FormatInt(next.Version, 10),
		next.State.String(),
		next.CreatedAt.UnixMicro(),
		s.indexPrefix(),
		rec.OrderID,
	).Int()
	if err != nil {
		return Transient("redis upsert", err)
	}
	if applied == 0 {
		return newError("upsert", rec.OrderID, ErrVersionConflict, nil)
	}

	rec.Version = next.Version
	return nil
}

// ListByState reads the state's sorted set, scored by creation time. Index entries whose record
// is missing or does not decode are logged and skipped.
func (s *RedisStore) ListByState(ctx context.Context, state State) ([]*Record, error) {
	ids, err := s.client.ZRange(ctx, s.indexPrefix()+state.String(), 0, -1).Result()
	if err != nil {
		return nil, Transient("redis list", err)
	}
	if len(ids) == 0 {
		return []*Record{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.recordKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, Transient("redis list", err)
	}

	records := make([]*Record, 0, len(ids))
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if err == nil {
			var rec *Record
			if rec, err = decodeRecord(raw); err == nil {
				if rec.State == state {
					records = append(records, rec)
				}
				continue
			}
		}
		logger.FromContext(ctx).WarnContext(ctx, "Skipping unreadable saga record",
			"store", "redis", "order_id", ids[i], "state", state.String(), "error", err)
	}
	return records, nil
}

func (s *RedisStore) recordKey(orderID string) string {
	return s.prefix + "saga:" + orderID
}

func (s *RedisStore) indexPrefix() string {
	return s.prefix + "saga:state:"
}

func decodeRecord(raw string) (*Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode saga record: %w", err)
	}
	return &rec, nil
}
