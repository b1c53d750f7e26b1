package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/ledgerline/metering/internal/lock"
)

const (
	nullPrefix = "NULL:"
	lockSuffix = ":lock"

	lockWait = 100 * time.Millisecond
	lockHold = 30 * time.Second

	positiveTTL       = time.Hour
	positiveJitterSec = 300
	negativeTTLMinMin = 5
	negativeJitterMin = 10

	scanCount = 100
)

// Store is the backing price store. A (nil, nil) return means the store holds
// no valid row for the query, which is a cacheable absence rather than an
// error.
type Store interface {
	FindValidPriceConfig(ctx context.Context, q Query, asOf time.Time) (*Config, error)
	SelectByVersion(ctx context.Context, version int) ([]Config, error)
}

// Cache is the read-through price cache.
//
// Lifecycle: create once with NewCache and share; all methods are safe for
// concurrent use.
type Cache struct {
	rdb   *redis.Client
	store Store
	locks lock.Provider
	log   zerolog.Logger

	now func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewCache creates a price cache on the shared Redis and the given store.
func NewCache(rdb *redis.Client, store Store, locks lock.Provider, logger zerolog.Logger) *Cache {
	return &Cache{
		rdb:   rdb,
		store: store,
		locks: locks,
		log:   logger.With().Str("component", "price_cache").Logger(),
		now:   time.Now,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Cache) jitter(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Intn(n)
}

// GetPriceConfig resolves a price row for the query.
//
// The per-key lock serializes lookups so a burst of concurrent misses issues
// exactly one store query; the losers find the entry (or the negative marker)
// already cached. When the lock cannot be acquired within its wait window the
// call fails with ErrLockTimeout, which is distinct from ErrNotFound so
// contention is never mistaken for a confirmed absence.
func (c *Cache) GetPriceConfig(ctx context.Context, q Query) (*Config, error) {
	cacheKey := q.CacheKey()
	nullKey := nullPrefix + cacheKey
	lockKey := cacheKey + lockSuffix

	ok, err := c.locks.TryLock(ctx, lockKey, lockWait, lockHold)
	if err != nil {
		return nil, fmt.Errorf("price lock %s: %w", lockKey, err)
	}
	if !ok {
		c.log.Debug().Str("key", cacheKey).Msg("price cache lock contended")
		return nil, ErrLockTimeout
	}
	defer func() {
		if err := c.locks.Unlock(ctx, lockKey); err != nil {
			c.log.Warn().Err(err).Str("key", lockKey).Msg("price cache unlock failed")
		}
	}()

	raw, err := c.rdb.Get(ctx, cacheKey).Bytes()
	if err == nil {
		var cfg Config
		if jsonErr := json.Unmarshal(raw, &cfg); jsonErr == nil {
			return &cfg, nil
		}
		// Corrupt entry: drop it and fall through to the store.
		c.log.Error().Str("key", cacheKey).Msg("corrupt price cache entry, evicting")
		c.rdb.Del(ctx, cacheKey)
	} else if err != redis.Nil {
		return nil, fmt.Errorf("price cache get %s: %w", cacheKey, err)
	}

	n, err := c.rdb.Exists(ctx, nullKey).Result()
	if err != nil {
		return nil, fmt.Errorf("price cache exists %s: %w", nullKey, err)
	}
	if n > 0 {
		return nil, ErrNotFound
	}

	cfg, err := c.store.FindValidPriceConfig(ctx, q, c.now())
	if err != nil {
		return nil, fmt.Errorf("price store query: %w", err)
	}
	if cfg == nil {
		ttl := time.Duration(negativeTTLMinMin+c.jitter(negativeJitterMin)) * time.Minute
		if err := c.rdb.Set(ctx, nullKey, "", ttl).Err(); err != nil {
			c.log.Warn().Err(err).Str("key", nullKey).Msg("negative cache write failed")
		}
		return nil, ErrNotFound
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("price cache marshal: %w", err)
	}
	ttl := positiveTTL + time.Duration(c.jitter(positiveJitterSec))*time.Second
	if err := c.rdb.Set(ctx, cacheKey, payload, ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", cacheKey).Msg("price cache write failed")
	}
	return cfg, nil
}

// RefreshCache evicts every price entry and negative marker. Used on broad
// configuration changes where targeted invalidation is not practical.
func (c *Cache) RefreshCache(ctx context.Context) error {
	for _, pattern := range []string{"price:*", nullPrefix + "price:*"} {
		if err := c.deleteByPattern(ctx, pattern); err != nil {
			return err
		}
	}
	c.log.Info().Msg("full price cache refreshed")
	return nil
}

// EvictCacheByQuery deletes the single entry for the query.
func (c *Cache) EvictCacheByQuery(ctx context.Context, q Query) error {
	key := q.CacheKey()
	if err := c.rdb.Del(ctx, key, nullPrefix+key).Err(); err != nil {
		return fmt.Errorf("price cache evict %s: %w", key, err)
	}
	c.log.Debug().Str("key", key).Msg("price cache entry evicted")
	return nil
}

// RefreshCacheByModel deletes every entry for one model via a cursor scan,
// so a model-level price change does not force a full flush storm.
func (c *Cache) RefreshCacheByModel(ctx context.Context, modelType string) error {
	if err := c.deleteByPattern(ctx, fmt.Sprintf("price:%s:*", modelType)); err != nil {
		return err
	}
	if err := c.deleteByPattern(ctx, fmt.Sprintf("%sprice:%s:*", nullPrefix, modelType)); err != nil {
		return err
	}
	c.log.Info().Str("model_type", modelType).Msg("price cache refreshed for model")
	return nil
}

func (c *Cache) deleteByPattern(ctx context.Context, pattern string) error {
	var (
		cursor uint64
		batch  []string
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return fmt.Errorf("price cache scan %s: %w", pattern, err)
		}
		batch = append(batch, keys...)
		if len(batch) >= scanCount {
			if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("price cache bulk delete: %w", err)
			}
			batch = batch[:0]
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(batch) > 0 {
		if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("price cache bulk delete: %w", err)
		}
	}
	return nil
}
