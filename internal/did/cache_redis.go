package did

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/payment_layer/pkg/logger"
)

// negativeSentinel marks confirmed-absent identities in redis. A JSON
// document can never equal it because documents always serialize to objects.
const negativeSentinel = "!absent"

const redisOpTimeout = 2 * time.Second

// RedisCache is a DocumentCache backed by redis, for deployments that share
// one resolution cache across gateway replicas. Redis failures degrade to
// cache misses; the resolver then falls through to the upstream.
type RedisCache struct {
	client      *redis.Client
	prefix      string
	documentTTL time.Duration
	negativeTTL time.Duration
	log         *logger.Logger
}

// RedisCacheConfig tunes a RedisCache. Zero values select defaults.
type RedisCacheConfig struct {
	Prefix      string
	DocumentTTL time.Duration
	NegativeTTL time.Duration
}

// NewRedisCache builds a cache on an existing redis client.
func NewRedisCache(client *redis.Client, cfg RedisCacheConfig, log *logger.Logger) *RedisCache {
	if cfg.Prefix == "" {
		cfg.Prefix = "didcache:"
	}
	if cfg.DocumentTTL <= 0 {
		cfg.DocumentTTL = defaultDocumentTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = defaultNegativeTTL
	}
	if log == nil {
		log = logger.NewDefault("did-redis-cache")
	}
	return &RedisCache{
		client:      client,
		prefix:      cfg.Prefix,
		documentTTL: cfg.DocumentTTL,
		negativeTTL: cfg.NegativeTTL,
		log:         log,
	}
}

func (c *RedisCache) key(did string) string {
	return c.prefix + did
}

func (c *RedisCache) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

// Get returns the cached document for the identity, if any.
func (c *RedisCache) Get(did string) (*Document, CacheState) {
	ctx, cancel := c.opContext()
	defer cancel()

	raw, err := c.client.Get(ctx, c.key(did)).Result()
	if err == redis.Nil {
		return nil, CacheMiss
	}
	if err != nil {
		c.log.WithError(err).WithField("did", did).Warn("redis get failed")
		return nil, CacheMiss
	}
	if raw == negativeSentinel {
		return nil, CacheNegative
	}

	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		c.log.WithError(err).WithField("did", did).Warn("cached document is corrupt")
		c.Delete(did)
		return nil, CacheMiss
	}
	return &doc, CacheHit
}

// Put stores a resolved document.
func (c *RedisCache) Put(did string, doc *Document) {
	raw, err := json.Marshal(doc)
	if err != nil {
		c.log.WithError(err).WithField("did", did).Warn("marshal document failed")
		return
	}

	ctx, cancel := c.opContext()
	defer cancel()
	if err := c.client.Set(ctx, c.key(did), raw, c.documentTTL).Err(); err != nil {
		c.log.WithError(err).WithField("did", did).Warn("redis set failed")
	}
}

// PutNegative records that the identity was confirmed absent upstream.
func (c *RedisCache) PutNegative(did string) {
	ctx, cancel := c.opContext()
	defer cancel()
	if err := c.client.Set(ctx, c.key(did), negativeSentinel, c.negativeTTL).Err(); err != nil {
		c.log.WithError(err).WithField("did", did).Warn("redis set failed")
	}
}

// Has reports whether a live entry exists, positive or negative.
func (c *RedisCache) Has(did string) bool {
	ctx, cancel := c.opContext()
	defer cancel()

	n, err := c.client.Exists(ctx, c.key(did)).Result()
	if err != nil {
		c.log.WithError(err).WithField("did", did).Warn("redis exists failed")
		return false
	}
	return n > 0
}

// Delete evicts one identity.
func (c *RedisCache) Delete(did string) {
	ctx, cancel := c.opContext()
	defer cancel()
	if err := c.client.Del(ctx, c.key(did)).Err(); err != nil {
		c.log.WithError(err).WithField("did", did).Warn("redis del failed")
	}
}

// Clear evicts every entry under the cache prefix.
func (c *RedisCache) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", 100).Result()
		if err != nil {
			c.log.WithError(err).Warn("redis scan failed")
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.log.WithError(err).Warn("redis del failed")
				return
			}
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}

var _ DocumentCache = (*RedisCache)(nil)
