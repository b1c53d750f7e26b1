package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) (*RedisProvider, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisProvider(rdb, zerolog.Nop()), mr
}

func TestTryLockAcquiresAndHolds(t *testing.T) {
	p, mr := newTestProvider(t)
	ctx := context.Background()

	ok, err := p.TryLock(ctx, "k", 0, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("k"))

	held, err := p.IsHeldByCurrentOwner(ctx, "k")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestTryLockMutualExclusion(t *testing.T) {
	p1, mr := newTestProvider(t)
	rdb2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb2.Close() })
	p2 := NewRedisProvider(rdb2, zerolog.Nop())
	ctx := context.Background()

	ok, err := p1.TryLock(ctx, "k", 0, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = p2.TryLock(ctx, "k", 50*time.Millisecond, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	held, err := p2.IsHeldByCurrentOwner(ctx, "k")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestUnlockReleasesOnlyOwnAcquisition(t *testing.T) {
	p, mr := newTestProvider(t)
	ctx := context.Background()

	ok, err := p.TryLock(ctx, "k", 0, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate expiry plus reacquisition by someone else.
	mr.Set("k", "other-token")

	require.NoError(t, p.Unlock(ctx, "k"))
	// The foreign holder's lock survives our release.
	val, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "other-token", val)
}

func TestUnlockWithoutAcquisitionIsNoop(t *testing.T) {
	p, _ := newTestProvider(t)
	assert.NoError(t, p.Unlock(context.Background(), "never-held"))
}

func TestLockExpiresAfterHold(t *testing.T) {
	p, mr := newTestProvider(t)
	ctx := context.Background()

	ok, err := p.TryLock(ctx, "k", 0, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	held, err := p.IsHeldByCurrentOwner(ctx, "k")
	require.NoError(t, err)
	assert.False(t, held)

	// Reacquirable once expired.
	ok, err = p.TryLock(ctx, "k", 0, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryLockWaitsForRelease(t *testing.T) {
	p, mr := newTestProvider(t)
	rdb2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb2.Close() })
	p2 := NewRedisProvider(rdb2, zerolog.Nop())
	ctx := context.Background()

	ok, err := p.TryLock(ctx, "k", 0, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		p.Unlock(ctx, "k")
		close(done)
	}()

	ok, err = p2.TryLock(ctx, "k", 500*time.Millisecond, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	<-done
}
