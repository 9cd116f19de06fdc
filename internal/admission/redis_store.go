package admission

import (
	"context"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
)

// slotTTL bounds how long a slot survives an instance that died without releasing.
const slotTTL = time.Hour

var acquireScript = r.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if limit > 0 and cur >= limit then
  return {0, cur}
end
cur = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {1, cur}
`)

var releaseScript = r.NewScript(`
local cur = redis.call('DECR', KEYS[1])
if cur <= 0 then
  redis.call('DEL', KEYS[1])
  return 0
end
return cur
`)

var hitScript = r.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if limit > 0 and cur >= limit then
  return {0, cur, redis.call('PTTL', KEYS[1])}
end
cur = redis.call('INCR', KEYS[1])
if cur == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, cur, redis.call('PTTL', KEYS[1])}
`)

// RedisStore shares admission counters between instances. Rate windows are
// Redis keys whose TTL is the window, so elapsed windows vanish on their own.
type RedisStore struct {
	rdb    *r.Client
	prefix string
}

// NewRedisStore creates a store that namespaces its keys under prefix.
func NewRedisStore(rdb *r.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "admission"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) slotKey(key string) string { return s.prefix + ":inflight:" + key }
func (s *RedisStore) rateKey(key string) string { return s.prefix + ":rate:" + key }

func (s *RedisStore) Acquire(ctx context.Context, key string, limit int) (int, bool, error) {
	res, err := acquireScript.Run(ctx, s.rdb, []string{s.slotKey(key)}, limit, slotTTL.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("acquire slot: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("acquire slot: unexpected reply %v", res)
	}
	return int(res[1]), res[0] == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{s.slotKey(key)}).Err(); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (s *RedisStore) InFlight(ctx context.Context, key string) (int, error) {
	n, err := s.rdb.Get(ctx, s.slotKey(key)).Int()
	if err == r.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read slots: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Hit(ctx context.Context, key string, limit int, window time.Duration) (Window, bool, error) {
	res, err := hitScript.Run(ctx, s.rdb, []string{s.rateKey(key)}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Window{}, false, fmt.Errorf("rate hit: %w", err)
	}
	if len(res) != 3 {
		return Window{}, false, fmt.Errorf("rate hit: unexpected reply %v", res)
	}
	retry := time.Duration(res[2]) * time.Millisecond
	if retry < 0 {
		retry = 0
	}
	w := Window{
		Count:      int(res[1]),
		Start:      time.Now().Add(retry - window),
		RetryAfter: retry,
	}
	return w, res[0] == 1, nil
}

// Sweep is a no-op: Redis expires idle windows itself.
func (s *RedisStore) Sweep(context.Context) (int, error) { return 0, nil }
