package customtool

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ResultCache stores a bounded-TTL Coze proxy result keyed by
// sha256(name+canonicalJSON(args)), so that replaying an identical call
// within the TTL window returns a stable response instead of re-invoking
// the external workflow. Backed by either an in-process map or a shared
// redis instance.
type ResultCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

type entry struct {
	value   string
	expires time.Time
}

// memoryResultCache is the default backing store: a sync.Map of key ->
// entry, lazily evicted on Get.
type memoryResultCache struct {
	data sync.Map
}

// NewMemoryResultCache builds an in-process result cache.
func NewMemoryResultCache() ResultCache {
	return &memoryResultCache{}
}

func (c *memoryResultCache) Get(_ context.Context, key string) (string, bool) {
	v, ok := c.data.Load(key)
	if !ok {
		return "", false
	}
	e := v.(entry)
	if time.Now().After(e.expires) {
		c.data.Delete(key)
		return "", false
	}
	return e.value, true
}

func (c *memoryResultCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	c.data.Store(key, entry{value: value, expires: time.Now().Add(ttl)})
}

// redisResultCache backs the cache with a redis client for deployments that
// share the cache across multiple gateway processes.
type redisResultCache struct {
	client *redis.Client
}

// NewRedisResultCache builds a result cache backed by a redis connection
// string of the form "redis://<user>:<pass>@host:port/<db>".
func NewRedisResultCache(connectionString string) (ResultCache, error) {
	opt, err := redis.ParseURL(connectionString)
	if err != nil {
		return nil, err
	}
	return &redisResultCache{client: redis.NewClient(opt)}, nil
}

func (c *redisResultCache) Get(ctx context.Context, key string) (string, bool) {
	v, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (c *redisResultCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	c.client.Set(ctx, key, value, ttl)
}
