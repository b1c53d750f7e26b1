package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/metering/internal/billing"
	"github.com/ledgerline/metering/internal/metrics"
)

// gaugingTransport records how many Send calls overlap. Chunks publish
// sequentially, so send concurrency equals chunk concurrency.
type gaugingTransport struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	sends    int
}

func (g *gaugingTransport) Send(ctx context.Context, msg Message, local LocalCheck) error {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.peak {
		g.peak = g.inFlight
	}
	g.mu.Unlock()

	time.Sleep(100 * time.Microsecond)

	g.mu.Lock()
	g.inFlight--
	g.sends++
	g.mu.Unlock()
	return nil
}

func (g *gaugingTransport) Consume(ctx context.Context, handler Handler) error { return nil }

func makeUsages(n int) []billing.UsageCalculation {
	out := make([]billing.UsageCalculation, n)
	for i := range out {
		out[i] = testUsage(fmt.Sprintf("chat-%d", i))
	}
	return out
}

func TestPartition(t *testing.T) {
	assert.Nil(t, partition(nil, 500))
	assert.Len(t, partition(makeUsages(1), 500), 1)
	assert.Len(t, partition(makeUsages(500), 500), 1)
	assert.Len(t, partition(makeUsages(501), 500), 2)

	chunks := partition(makeUsages(1250), 500)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 500)
	assert.Len(t, chunks[1], 500)
	assert.Len(t, chunks[2], 250)
}

func TestPublishAllPublishesEverything(t *testing.T) {
	tr := &fakeTransport{}
	checker := &fakeCompletionChecker{}
	producer := NewProducer(tr, checker, metrics.NewUnregistered(), zerolog.Nop())
	b := NewBatchPublisher(producer, zerolog.Nop())

	result, err := b.PublishAll(context.Background(), "u1", makeUsages(1250))
	require.NoError(t, err)
	assert.Equal(t, 1250, result.Published)
	assert.Zero(t, result.Failed)
	assert.Equal(t, 1250, tr.sends)
}

func TestPublishAllBoundsConcurrentChunks(t *testing.T) {
	tr := &gaugingTransport{}
	producer := NewProducer(tr, &fakeCompletionChecker{}, metrics.NewUnregistered(), zerolog.Nop())
	b := NewBatchPublisher(producer, zerolog.Nop())

	// More chunks than semaphore slots, so late chunks must wait for slots.
	total := (batchMaxConcurrent + 5) * batchChunkSize
	result, err := b.PublishAll(context.Background(), "u1", makeUsages(total))
	require.NoError(t, err)
	assert.Equal(t, total, result.Published)
	assert.Zero(t, result.Failed)
	assert.Equal(t, total, tr.sends)

	assert.LessOrEqual(t, tr.peak, batchMaxConcurrent, "in-flight chunks exceeded the semaphore")
	assert.Greater(t, tr.peak, 1, "chunks never overlapped")
}

func TestPublishAllEmptyInput(t *testing.T) {
	tr := &fakeTransport{}
	producer := NewProducer(tr, &fakeCompletionChecker{}, metrics.NewUnregistered(), zerolog.Nop())
	b := NewBatchPublisher(producer, zerolog.Nop())

	result, err := b.PublishAll(context.Background(), "u1", nil)
	require.NoError(t, err)
	assert.Zero(t, result.Published)
	assert.Zero(t, tr.sends)
}

func TestPublishAllStopsOnCancelledContext(t *testing.T) {
	tr := &fakeTransport{}
	producer := NewProducer(tr, &fakeCompletionChecker{}, metrics.NewUnregistered(), zerolog.Nop())
	b := NewBatchPublisher(producer, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, _ := b.PublishAll(ctx, "u1", makeUsages(100))
	assert.Zero(t, result.Published)
	assert.Equal(t, 100, result.Failed)
}
