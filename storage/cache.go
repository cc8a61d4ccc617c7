package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Documents backend with a Redis cache of collection listings.
// Every write through the cache evicts the listing of its collection and bumps
// the collection's listing version. A listing read from the backend is only
// cached when no write bumped the version while it was being read.
type Cache struct {
	base  Documents
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
// A zero TTL disables caching of listings.
func NewCache(base Documents, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base documents is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) Get(ctx context.Context, collection, id string) ([]byte, error) {
	return c.base.Get(ctx, collection, id)
}

func (c *Cache) List(ctx context.Context, collection string) (Docs, error) {
	if docs, ok := c.load(ctx, collection); ok {
		return docs, nil
	}
	version, versioned := c.version(ctx, collection)
	docs, err := c.base.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	if versioned {
		c.store(ctx, collection, version, docs)
	}
	return docs, nil
}

func (c *Cache) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	return c.evictAfter(ctx, collection, c.base.Set(ctx, collection, id, fields))
}

func (c *Cache) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return c.evictAfter(ctx, collection, c.base.Update(ctx, collection, id, fields))
}

func (c *Cache) Delete(ctx context.Context, collection, id string) error {
	return c.evictAfter(ctx, collection, c.base.Delete(ctx, collection, id))
}

func (c *Cache) AppendUnique(ctx context.Context, collection, id, field string, value any) error {
	return c.evictAfter(ctx, collection, c.base.AppendUnique(ctx, collection, id, field, value))
}

func (c *Cache) RemoveElement(ctx context.Context, collection, id, field string, value any) error {
	return c.evictAfter(ctx, collection, c.base.RemoveElement(ctx, collection, id, field, value))
}

// evictAfter drops the cached listing whether or not the write succeeded.
func (c *Cache) evictAfter(ctx context.Context, collection string, err error) error {
	c.evict(ctx, collection)
	return err
}

func (c *Cache) load(ctx context.Context, collection string) (Docs, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.HGetAll(ctx, listingCacheKey(collection)).Result()
	if err != nil {
		// On redis errors fall back to the backing store without failing.
		_ = c.redis.Del(ctx, listingCacheKey(collection)).Err()
		return nil, false
	}
	marker, ok := data[listingMarker]
	if !ok || marker != "1" {
		return nil, false
	}
	docs := make(Docs, len(data)-1)
	for k, v := range data {
		if k == listingMarker {
			continue
		}
		docs[k] = []byte(v)
	}
	return docs, true
}

// version returns the listing version of collection. ok is false when the
// listing must not be cached.
func (c *Cache) version(ctx context.Context, collection string) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	v, err := c.redis.Get(ctx, listingVersionKey(collection)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	return v, err == nil
}

// store caches docs unless the listing version moved past version.
func (c *Cache) store(ctx context.Context, collection string, version int64, docs Docs) {
	key := listingCacheKey(collection)
	versionKey := listingVersionKey(collection)
	values := make(map[string]any, len(docs)+1)
	values[listingMarker] = "1"
	for id, raw := range docs {
		values[id] = string(raw)
	}
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, versionKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, values)
			pipe.Expire(ctx, key, c.ttl)
			return nil
		})
		return err
	}, versionKey)
}

func (c *Cache) evict(ctx context.Context, collection string) {
	if c.redis == nil {
		return
	}
	pipe := c.redis.TxPipeline()
	pipe.Incr(ctx, listingVersionKey(collection))
	pipe.Expire(ctx, listingVersionKey(collection), listingVersionTTL)
	pipe.Del(ctx, listingCacheKey(collection))
	_, _ = pipe.Exec(ctx)
}

// listingMarker distinguishes a cached empty collection from a cache miss.
// Document ids never start with a NUL byte.
const listingMarker = "\x00listed"

// listingVersionTTL outlives any backend listing in progress.
const listingVersionTTL = time.Hour

func listingCacheKey(collection string) string {
	return "listing:" + collection
}

func listingVersionKey(collection string) string {
	return "listing-version:" + collection
}
