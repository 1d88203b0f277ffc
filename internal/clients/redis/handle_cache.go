package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/supplements-backend/internal/actions/async"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

// HandleCache stores outstanding external jobs in redis so that every API
// and worker process sees the same claims and poll guards.
type HandleCache struct {
	log    *logger.Logger
	rdb    goredis.UniversalClient
	prefix string
}

var (
	_ async.HandleCache = (*HandleCache)(nil)
	_ async.PollGuard   = (*HandleCache)(nil)
)

func NewHandleCache(log *logger.Logger, rdb goredis.UniversalClient, prefix string) *HandleCache {
	if prefix == "" {
		prefix = "supplements"
	}
	return &HandleCache{
		log:    log.With("service", "RedisHandleCache"),
		rdb:    rdb,
		prefix: prefix,
	}
}

// swapScript and dropScript act on a handle entry only while its token
// still matches ARGV[1].
var (
	swapScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local ok, e = pcall(cjson.decode, cur)
if not ok or type(e) ~= 'table' or e['token'] ~= ARGV[1] then return 0 end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)
	dropScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local ok, e = pcall(cjson.decode, cur)
if not ok or type(e) ~= 'table' or e['token'] ~= ARGV[1] then return 0 end
return redis.call('DEL', KEYS[1])
`)
)

func (c *HandleCache) handleKey(key string) string { return c.prefix + ":handle:" + key }
func (c *HandleCache) pollKey(key string) string   { return c.prefix + ":poll:" + key }

func (c *HandleCache) Claim(ctx context.Context, key string, e async.Entry, ttl time.Duration) (bool, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	ok, err := c.rdb.SetNX(ctx, c.handleKey(key), b, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (c *HandleCache) Get(ctx context.Context, key string) (*async.Entry, error) {
	b, err := c.rdb.Get(ctx, c.handleKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var e async.Entry
	if err := json.Unmarshal(b, &e); err != nil {
		// A corrupt entry would wedge the instance; drop it and start over.
		c.log.Warn("dropping unreadable handle entry", "key", key, "error", err)
		_ = c.rdb.Del(ctx, c.handleKey(key)).Err()
		return nil, nil
	}
	return &e, nil
}

func (c *HandleCache) Swap(ctx context.Context, key, token string, e async.Entry, ttl time.Duration) (bool, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	n, err := swapScript.Run(ctx, c.rdb, []string{c.handleKey(key)}, token, string(b), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis swap: %w", err)
	}
	return n == 1, nil
}

func (c *HandleCache) Drop(ctx context.Context, key, token string) error {
	if err := dropScript.Run(ctx, c.rdb, []string{c.handleKey(key)}, token).Err(); err != nil {
		return fmt.Errorf("redis drop: %w", err)
	}
	return nil
}

func (c *HandleCache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.handleKey(key)).Err()
}

func (c *HandleCache) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.pollKey(key), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (c *HandleCache) Release(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.pollKey(key)).Err()
}
