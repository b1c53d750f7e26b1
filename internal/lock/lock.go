// Package lock provides a Redis-backed distributed mutual-exclusion lock.
//
// Locks are plain SET NX keys with a TTL and a random owner token. Unlock and
// ownership checks compare the token so one process can never release a lock
// another process re-acquired after expiry. The compare-and-delete runs as a
// Lua script so it is atomic on the server.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Provider is the locking contract the cache and billing consumer depend on.
type Provider interface {
	// TryLock attempts to acquire the lock, retrying until wait elapses.
	// On success the lock auto-expires after hold.
	TryLock(ctx context.Context, key string, wait, hold time.Duration) (bool, error)

	// Unlock releases the lock if this provider instance still owns it.
	Unlock(ctx context.Context, key string) error

	// IsHeldByCurrentOwner reports whether this provider instance holds
	// the lock right now.
	IsHeldByCurrentOwner(ctx context.Context, key string) (bool, error)
}

// unlockScript deletes the key only when the stored token matches ours.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisProvider implements Provider on a shared Redis.
//
// Thread safety: safe for concurrent use. Each acquisition stores its owner
// token keyed by lock key, so a provider instance can hold many distinct
// locks but only one acquisition per key at a time.
type RedisProvider struct {
	rdb *redis.Client
	log zerolog.Logger

	mu     sync.Mutex
	owners map[string]string

	// retry interval between SET NX attempts while waiting
	spin time.Duration
}

// NewRedisProvider creates a lock provider on the given client.
func NewRedisProvider(rdb *redis.Client, logger zerolog.Logger) *RedisProvider {
	return &RedisProvider{
		rdb:    rdb,
		log:    logger.With().Str("component", "lock").Logger(),
		owners: make(map[string]string),
		spin:   10 * time.Millisecond,
	}
}

// TryLock polls SET NX until the lock is acquired or wait elapses. A wait of
// zero means a single attempt.
func (p *RedisProvider) TryLock(ctx context.Context, key string, wait, hold time.Duration) (bool, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := p.rdb.SetNX(ctx, key, token, hold).Result()
		if err != nil {
			return false, fmt.Errorf("lock setnx %s: %w", key, err)
		}
		if ok {
			p.mu.Lock()
			p.owners[key] = token
			p.mu.Unlock()
			return true, nil
		}
		if !time.Now().Add(p.spin).Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(p.spin):
		}
	}
}

// Unlock releases the lock when still owned by us. Releasing a lock that
// already expired or was never acquired is a no-op.
func (p *RedisProvider) Unlock(ctx context.Context, key string) error {
	p.mu.Lock()
	token, ok := p.owners[key]
	delete(p.owners, key)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if err := unlockScript.Run(ctx, p.rdb, []string{key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("unlock %s: %w", key, err)
	}
	return nil
}

// IsHeldByCurrentOwner compares the stored token against our acquisition.
func (p *RedisProvider) IsHeldByCurrentOwner(ctx context.Context, key string) (bool, error) {
	p.mu.Lock()
	token, ok := p.owners[key]
	p.mu.Unlock()
	if !ok {
		return false, nil
	}

	val, err := p.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock get %s: %w", key, err)
	}
	return val == token, nil
}
