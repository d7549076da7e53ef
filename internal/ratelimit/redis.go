package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sitespeak/sitespeak/internal/problem"
)

// windowScript evicts, counts, and conditionally admits in one atomic
// round trip. Scores are unix milliseconds; members are unique per request
// so identical timestamps never collapse.
var windowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local cutoff = now - window
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. cutoff)
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < max then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  count = count + 1
  allowed = 1
end
local oldest = now
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end
redis.call('PEXPIRE', KEYS[1], window + 1000)
return {allowed, count, oldest}
`)

var bucketScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'last')
local tokens = burst
if state[1] then
  tokens = tonumber(state[1])
  local elapsed = (now - tonumber(state[2])) / 1000
  if elapsed > 0 then
    tokens = math.min(burst, tokens + elapsed * rate)
  end
end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last', tostring(now))
redis.call('PEXPIRE', KEYS[1], math.ceil(burst / rate * 1000) + 60000)
return {allowed, tostring(tokens)}
`)

var creditScript = redis.NewScript(`
local burst = tonumber(ARGV[1])
local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
if tokens then
  redis.call('HSET', KEYS[1], 'tokens', tostring(math.min(burst, tokens + 1)))
end
return 1
`)

// RedisStore shares limiter state across replicas.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store under the given key prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sitespeak:ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) windowKey(key string) string { return s.prefix + ":window:" + key }
func (s *RedisStore) bucketKey(key string) string { return s.prefix + ":bucket:" + key }

// Window implements Store.
func (s *RedisStore) Window(ctx context.Context, key string, now time.Time, window time.Duration, max int) (WindowResult, error) {
	reply, err := windowScript.Run(ctx, s.client, []string{s.windowKey(key)},
		now.UnixMilli(), window.Milliseconds(), max, uuid.NewString()).Slice()
	if err != nil {
		return WindowResult{}, problem.Wrap(problem.KindTransient, "rate limit window update failed", err)
	}
	if len(reply) != 3 {
		return WindowResult{}, problem.Newf(problem.KindInternal, "unexpected window script reply of %d values", len(reply))
	}

	allowed, _ := reply[0].(int64)
	count, _ := reply[1].(int64)
	oldest, _ := reply[2].(int64)
	return WindowResult{
		Allowed: allowed == 1,
		Count:   int(count),
		Oldest:  time.UnixMilli(oldest),
	}, nil
}

// ForgetNewest implements Store.
func (s *RedisStore) ForgetNewest(ctx context.Context, key string) error {
	if err := s.client.ZPopMax(ctx, s.windowKey(key), 1).Err(); err != nil && err != redis.Nil {
		return problem.Wrap(problem.KindTransient, "rate limit refund failed", err)
	}
	return nil
}

// Bucket implements Store.
func (s *RedisStore) Bucket(ctx context.Context, key string, now time.Time, refillPerSec, burst float64) (BucketResult, error) {
	reply, err := bucketScript.Run(ctx, s.client, []string{s.bucketKey(key)},
		now.UnixMilli(), refillPerSec, burst).Slice()
	if err != nil {
		return BucketResult{}, problem.Wrap(problem.KindTransient, "rate limit bucket update failed", err)
	}
	if len(reply) != 2 {
		return BucketResult{}, problem.Newf(problem.KindInternal, "unexpected bucket script reply of %d values", len(reply))
	}

	allowed, _ := reply[0].(int64)
	raw, _ := reply[1].(string)
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return BucketResult{}, problem.Wrap(problem.KindInternal, "unparseable bucket token count", err)
	}
	return BucketResult{Allowed: allowed == 1, Tokens: tokens}, nil
}

// CreditToken implements Store.
func (s *RedisStore) CreditToken(ctx context.Context, key string, burst float64) error {
	if err := creditScript.Run(ctx, s.client, []string{s.bucketKey(key)}, burst).Err(); err != nil {
		return problem.Wrap(problem.KindTransient, "rate limit credit failed", err)
	}
	return nil
}
