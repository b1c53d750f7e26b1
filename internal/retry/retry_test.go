package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	p := Policy{MaxAttempts: 3, Backoff: Fixed(time.Millisecond)}

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, Backoff: Fixed(time.Millisecond)}

	boom := errors.New("boom")
	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	p := Policy{MaxAttempts: 5, Backoff: Fixed(time.Millisecond)}

	boom := errors.New("not found")
	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return Permanent(boom)
	})
	// The permanent wrapper is stripped before returning.
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, calls)
}

func TestDoRespectsContext(t *testing.T) {
	p := Policy{MaxAttempts: 10, Backoff: Fixed(time.Hour)}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, func() error { return errors.New("transient") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := Policy{}.Do(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExponentialBackoff(t *testing.T) {
	b := Exponential(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, b(1))
	assert.Equal(t, 200*time.Millisecond, b(2))
	assert.Equal(t, 400*time.Millisecond, b(3))
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
	assert.False(t, IsPermanent(errors.New("x")))
	assert.Nil(t, Permanent(nil))
}
