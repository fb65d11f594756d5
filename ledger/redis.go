package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript checks and adds in one step.
// KEYS[1] usage hash. ARGV: amount, ceiling, now ms, next reset ms.
// Returns {ok, used, reset_at}; numbers travel as strings to keep decimals.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
local reset = tonumber(redis.call('HGET', KEYS[1], 'reset_at') or '0')
local now = tonumber(ARGV[3])
if reset == 0 or now >= reset then
  used = 0
  reset = tonumber(ARGV[4])
end
local amount = tonumber(ARGV[1])
local ceiling = tonumber(ARGV[2])
local ok = 1
if ceiling > 0 and used + amount > ceiling then
  ok = 0
else
  used = used + amount
end
redis.call('HSET', KEYS[1], 'used', tostring(used), 'reset_at', tostring(reset), 'ceiling', ARGV[2])
return {ok, tostring(used), tostring(reset)}
`)

// releaseScript subtracts without going below zero.
var releaseScript = redis.NewScript(`
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
local reset = tonumber(redis.call('HGET', KEYS[1], 'reset_at') or '0')
local now = tonumber(ARGV[2])
if reset == 0 or now >= reset then
  used = 0
  reset = tonumber(ARGV[3])
end
used = used - tonumber(ARGV[1])
if used < 0 then used = 0 end
redis.call('HSET', KEYS[1], 'used', tostring(used), 'reset_at', tostring(reset))
return {tostring(used), tostring(reset)}
`)

// spendScript is reserveScript for a field of the counters hash.
// KEYS[1] counters hash. ARGV: field, delta, ceiling. Returns {ok, value}.
var spendScript = redis.NewScript(`
local v = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local delta = tonumber(ARGV[2])
local ceiling = tonumber(ARGV[3])
if ceiling > 0 and v + delta > ceiling then
  return {0, tostring(v)}
end
v = v + delta
redis.call('HSET', KEYS[1], ARGV[1], tostring(v))
return {1, tostring(v)}
`)

// RedisStore keeps usage in hashes and counters in a single hash.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
}

// NewRedisStore 创建 Redis 存储，prefix 默认 "queenbee:ledger"
func NewRedisStore(rdb redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "queenbee:ledger"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) usageKey(resource string) string { return s.prefix + ":usage:" + resource }
func (s *RedisStore) countersKey() string             { return s.prefix + ":counters" }

func (s *RedisStore) Reserve(ctx context.Context, resource string, amount, ceiling float64, now, nextReset time.Time) (Usage, bool, error) {
	res, err := reserveScript.Run(ctx, s.rdb, []string{s.usageKey(resource)},
		formatFloat(amount), formatFloat(ceiling), now.UnixMilli(), nextReset.UnixMilli()).Slice()
	if err != nil {
		return Usage{}, false, fmt.Errorf("reserve script: %w", err)
	}
	if len(res) != 3 {
		return Usage{}, false, fmt.Errorf("reserve script: unexpected reply %v", res)
	}
	ok, _ := res[0].(int64)
	u, err := parseUsage(resource, res[1], res[2])
	if err != nil {
		return Usage{}, false, err
	}
	u.Ceiling = ceiling
	return u, ok == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, resource string, amount float64, now, nextReset time.Time) (Usage, error) {
	res, err := releaseScript.Run(ctx, s.rdb, []string{s.usageKey(resource)},
		formatFloat(amount), now.UnixMilli(), nextReset.UnixMilli()).Slice()
	if err != nil {
		return Usage{}, fmt.Errorf("release script: %w", err)
	}
	if len(res) != 2 {
		return Usage{}, fmt.Errorf("release script: unexpected reply %v", res)
	}
	return parseUsage(resource, res[0], res[1])
}

func (s *RedisStore) Usage(ctx context.Context, resource string, now, nextReset time.Time) (Usage, error) {
	vals, err := s.rdb.HGetAll(ctx, s.usageKey(resource)).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("read usage: %w", err)
	}
	if len(vals) == 0 {
		return Usage{Resource: resource, ResetAt: nextReset}, nil
	}
	u, err := parseUsage(resource, vals["used"], vals["reset_at"])
	if err != nil {
		return Usage{}, err
	}
	if c, err := strconv.ParseFloat(vals["ceiling"], 64); err == nil {
		u.Ceiling = c
	}
	if !now.Before(u.ResetAt) {
		return Usage{Resource: resource, Ceiling: u.Ceiling, ResetAt: nextReset}, nil
	}
	return u, nil
}

func (s *RedisStore) Incr(ctx context.Context, name string, delta float64) (float64, error) {
	v, err := s.rdb.HIncrByFloat(ctx, s.countersKey(), name, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", name, err)
	}
	return v, nil
}

func (s *RedisStore) IncrWithin(ctx context.Context, name string, delta, ceiling float64) (float64, bool, error) {
	res, err := spendScript.Run(ctx, s.rdb, []string{s.countersKey()},
		name, formatFloat(delta), formatFloat(ceiling)).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("spend script: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("spend script: unexpected reply %v", res)
	}
	ok, _ := res[0].(int64)
	v, err := strconv.ParseFloat(fmt.Sprint(res[1]), 64)
	if err != nil {
		return 0, false, fmt.Errorf("counter %s: %w", name, err)
	}
	return v, ok == 1, nil
}

func (s *RedisStore) Counters(ctx context.Context) (map[string]float64, error) {
	vals, err := s.rdb.HGetAll(ctx, s.countersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	out := make(map[string]float64, len(vals))
	for k, v := range vals {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", k, err)
		}
		out[k] = f
	}
	return out, nil
}

func parseUsage(resource string, used, reset any) (Usage, error) {
	u, err := strconv.ParseFloat(fmt.Sprint(used), 64)
	if err != nil {
		return Usage{}, fmt.Errorf("parse used: %w", err)
	}
	r, err := strconv.ParseFloat(fmt.Sprint(reset), 64)
	if err != nil {
		return Usage{}, fmt.Errorf("parse reset: %w", err)
	}
	return Usage{Resource: resource, Used: u, ResetAt: time.UnixMilli(int64(r)).UTC()}, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
