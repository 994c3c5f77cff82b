package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// reserveScript enforces every window atomically against one sorted set per user.
// ARGV: now_ms, member, then (size_ms, limit) pairs.
// Returns {0, 0} when admitted, or {window_index (1-based), retry_after_ms}.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local member = ARGV[2]
local longest = 0
for i = 3, #ARGV, 2 do
  local size = tonumber(ARGV[i])
  if size > longest then longest = size end
end
redis.call('ZREMRANGEBYSCORE', key, '-inf', string.format('%d', now - longest))
local idx = 0
for i = 3, #ARGV, 2 do
  idx = idx + 1
  local size = tonumber(ARGV[i])
  local limit = tonumber(ARGV[i + 1])
  local floor = string.format('(%d', now - size)
  local count = redis.call('ZCOUNT', key, floor, '+inf')
  if count >= limit then
    local oldest = redis.call('ZRANGEBYSCORE', key, floor, '+inf', 'WITHSCORES', 'LIMIT', 0, 1)
    local retry = tonumber(oldest[2]) + size - now
    return {idx, retry}
  end
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, longest)
return {0, 0}
`)

// RedisWindowStore keeps sliding logs in Redis so several processes share one
// admission budget per user.
type RedisWindowStore struct {
	rdb    redis.Scripter
	prefix string
}

// RedisConfig holds configuration for a Redis connection.
type RedisConfig struct {
	Addr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	Password string `mapstructure:"redis_password" yaml:"redis_password"`
	DB       int    `mapstructure:"redis_db" yaml:"redis_db"`
}

// NewRedisClient connects and validates a Redis client.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// NewRedisWindowStore creates a store using keys "<prefix><userID>".
func NewRedisWindowStore(rdb redis.Scripter, prefix string) *RedisWindowStore {
	if prefix == "" {
		prefix = "recall:ratelimit:"
	}
	return &RedisWindowStore{rdb: rdb, prefix: prefix}
}

// Reserve implements WindowStore.
func (s *RedisWindowStore) Reserve(ctx context.Context, userID string, now time.Time, windows []Window) (Reservation, error) {
	args := make([]any, 0, 2+2*len(windows))
	args = append(args, now.UnixMilli(), uuid.NewString())
	for _, w := range windows {
		args = append(args, w.Size.Milliseconds(), w.Limit)
	}

	res, err := reserveScript.Run(ctx, s.rdb, []string{s.prefix + userID}, args...).Int64Slice()
	if err != nil {
		return Reservation{}, fmt.Errorf("run reserve script: %w", err)
	}
	if len(res) != 2 {
		return Reservation{}, fmt.Errorf("unexpected reserve reply: %v", res)
	}
	if res[0] == 0 {
		return Reservation{Allowed: true}, nil
	}
	idx := int(res[0]) - 1
	if idx < 0 || idx >= len(windows) {
		return Reservation{}, fmt.Errorf("reserve reply names unknown window %d", res[0])
	}
	return Reservation{
		Violated:   windows[idx],
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
	}, nil
}
