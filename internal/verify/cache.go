package verify

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"chanpost/pkg/logx"
)

type memEntry struct {
	res     Result
	expires time.Time
}

// MemoryCache is a process-local TTL cache.
type MemoryCache struct {
	mu  sync.Mutex
	m   map[string]memEntry
	now func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{m: map[string]memEntry{}, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, dest string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[dest]
	if !ok {
		return Indeterminate, false
	}
	if !c.now().Before(e.expires) {
		delete(c.m, dest)
		return Indeterminate, false
	}
	return e.res, true
}

func (c *MemoryCache) Set(_ context.Context, dest string, r Result, ttl time.Duration) {
	if r == Indeterminate || ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.m[dest] = memEntry{res: r, expires: c.now().Add(ttl)}
	c.mu.Unlock()
}

// RedisCache shares answers between processes. Redis errors degrade to a miss.
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
	log    logx.Logger
}

func NewRedisCache(rdb redis.UniversalClient, prefix string, log logx.Logger) *RedisCache {
	if prefix == "" {
		prefix = "chanpost:admin:"
	}
	return &RedisCache{rdb: rdb, prefix: prefix, log: log}
}

func (c *RedisCache) Get(ctx context.Context, dest string) (Result, bool) {
	v, err := c.rdb.Get(ctx, c.prefix+dest).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug("admin cache read failed", logx.String("dest", dest), logx.Err(err))
		}
		return Indeterminate, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return Indeterminate, false
	}
	r := Result(n)
	if r != Authorized && r != Unauthorized {
		return Indeterminate, false
	}
	return r, true
}

func (c *RedisCache) Set(ctx context.Context, dest string, r Result, ttl time.Duration) {
	if r == Indeterminate || ttl <= 0 {
		return
	}
	if err := c.rdb.Set(ctx, c.prefix+dest, strconv.Itoa(int(r)), ttl).Err(); err != nil {
		c.log.Debug("admin cache write failed", logx.String("dest", dest), logx.Err(err))
	}
}
