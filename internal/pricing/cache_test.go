package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/metering/internal/lock"
)

type fakeStore struct {
	mu      sync.Mutex
	queries int
	rows    map[string]*Config
}

func (f *fakeStore) FindValidPriceConfig(ctx context.Context, q Query, asOf time.Time) (*Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if cfg, ok := f.rows[q.CacheKey()]; ok {
		return cfg, nil
	}
	return nil, nil
}

func (f *fakeStore) SelectByVersion(ctx context.Context, version int) ([]Config, error) {
	return nil, nil
}

func (f *fakeStore) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func newTestCache(t *testing.T, store *fakeStore) (*Cache, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	locks := lock.NewRedisProvider(rdb, zerolog.Nop())
	return NewCache(rdb, store, locks, zerolog.Nop()), mr, rdb
}

func standardQuery(model string) Query {
	return Query{ModelType: model, TimePeriod: PeriodStandard, CacheStatus: CacheMiss, IOType: Input}
}

func TestGetPriceConfigReadsThroughOnce(t *testing.T) {
	q := standardQuery("deepseek-chat")
	store := &fakeStore{rows: map[string]*Config{
		q.CacheKey(): {Price: decimal.RequireFromString("2.00"), Version: 1},
	}}
	cache, mr, _ := newTestCache(t, store)
	ctx := context.Background()

	cfg, err := cache.GetPriceConfig(ctx, q)
	require.NoError(t, err)
	assert.True(t, cfg.Price.Equal(decimal.RequireFromString("2.00")))
	assert.Equal(t, 1, store.queryCount())

	// Second lookup is served from Redis.
	cfg, err = cache.GetPriceConfig(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, 1, store.queryCount())

	assert.True(t, mr.Exists(q.CacheKey()))
	ttl := mr.TTL(q.CacheKey())
	assert.GreaterOrEqual(t, ttl, time.Hour)
	assert.Less(t, ttl, time.Hour+6*time.Minute)
}

func TestGetPriceConfigConcurrentMissesQueryStoreOnce(t *testing.T) {
	q := standardQuery("deepseek-chat")
	store := &fakeStore{rows: map[string]*Config{}}
	cache, _, _ := newTestCache(t, store)
	ctx := context.Background()

	const callers = 50
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cache.GetPriceConfig(ctx, q)
		}(i)
	}
	wg.Wait()

	// The winner writes the negative marker before releasing the lock, so
	// every other caller either times out on the lock or finds the marker.
	assert.Equal(t, 1, store.queryCount())
	for i, err := range errs {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrLockTimeout) {
			t.Fatalf("caller %d: unexpected error %v", i, err)
		}
	}
}

func TestGetPriceConfigNegativeCaching(t *testing.T) {
	q := standardQuery("unknown-model")
	store := &fakeStore{rows: map[string]*Config{}}
	cache, mr, _ := newTestCache(t, store)
	ctx := context.Background()

	_, err := cache.GetPriceConfig(ctx, q)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, store.queryCount())

	nullKey := "NULL:" + q.CacheKey()
	require.True(t, mr.Exists(nullKey))
	ttl := mr.TTL(nullKey)
	assert.GreaterOrEqual(t, ttl, 5*time.Minute)
	assert.LessOrEqual(t, ttl, 15*time.Minute)

	// The marker short-circuits further store traffic.
	_, err = cache.GetPriceConfig(ctx, q)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, store.queryCount())
}

func TestGetPriceConfigLockContention(t *testing.T) {
	q := standardQuery("deepseek-chat")
	store := &fakeStore{rows: map[string]*Config{}}
	cache, mr, _ := newTestCache(t, store)
	ctx := context.Background()

	// Simulate another process holding the per-key lock.
	require.NoError(t, mr.Set(q.CacheKey()+":lock", "someone-else"))

	_, err := cache.GetPriceConfig(ctx, q)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Zero(t, store.queryCount())
}

func TestGetPriceConfigEvictsCorruptEntry(t *testing.T) {
	q := standardQuery("deepseek-chat")
	store := &fakeStore{rows: map[string]*Config{
		q.CacheKey(): {Price: decimal.RequireFromString("2.00"), Version: 4},
	}}
	cache, mr, _ := newTestCache(t, store)
	ctx := context.Background()

	require.NoError(t, mr.Set(q.CacheKey(), "not-json"))

	cfg, err := cache.GetPriceConfig(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Version)
	assert.Equal(t, 1, store.queryCount())

	// The rewritten entry must round-trip.
	raw, err := mr.Get(q.CacheKey())
	require.NoError(t, err)
	var stored Config
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.True(t, stored.Price.Equal(cfg.Price))
}

func TestEvictCacheByQuery(t *testing.T) {
	q := standardQuery("deepseek-chat")
	store := &fakeStore{rows: map[string]*Config{}}
	cache, mr, _ := newTestCache(t, store)
	ctx := context.Background()

	require.NoError(t, mr.Set(q.CacheKey(), "{}"))
	require.NoError(t, mr.Set("NULL:"+q.CacheKey(), ""))

	require.NoError(t, cache.EvictCacheByQuery(ctx, q))
	assert.False(t, mr.Exists(q.CacheKey()))
	assert.False(t, mr.Exists("NULL:"+q.CacheKey()))
}

func TestRefreshCacheByModelIsScoped(t *testing.T) {
	store := &fakeStore{rows: map[string]*Config{}}
	cache, mr, _ := newTestCache(t, store)
	ctx := context.Background()

	keep := standardQuery("deepseek-reasoner").CacheKey()
	drop1 := standardQuery("deepseek-chat").CacheKey()
	drop2 := Query{ModelType: "deepseek-chat", TimePeriod: PeriodDiscount, CacheStatus: CacheNone, IOType: Output}.CacheKey()

	for _, k := range []string{keep, drop1, drop2, "NULL:" + drop1} {
		require.NoError(t, mr.Set(k, "{}"))
	}

	require.NoError(t, cache.RefreshCacheByModel(ctx, "deepseek-chat"))
	assert.True(t, mr.Exists(keep))
	assert.False(t, mr.Exists(drop1))
	assert.False(t, mr.Exists(drop2))
	assert.False(t, mr.Exists("NULL:"+drop1))
}

func TestRefreshCacheDropsEverything(t *testing.T) {
	store := &fakeStore{rows: map[string]*Config{}}
	cache, mr, _ := newTestCache(t, store)
	ctx := context.Background()

	require.NoError(t, mr.Set(standardQuery("a").CacheKey(), "{}"))
	require.NoError(t, mr.Set("NULL:"+standardQuery("b").CacheKey(), ""))
	require.NoError(t, mr.Set("unrelated", "stays"))

	require.NoError(t, cache.RefreshCache(ctx))
	assert.False(t, mr.Exists(standardQuery("a").CacheKey()))
	assert.False(t, mr.Exists("NULL:"+standardQuery("b").CacheKey()))
	assert.True(t, mr.Exists("unrelated"))
}
