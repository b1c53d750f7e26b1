package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ledgerline/metering/internal/billing"
)

const (
	batchChunkSize     = 500
	batchMaxConcurrent = 20
	batchAcquireWait   = time.Second
)

// BatchPublisher pushes large backfills of usage calculations through the
// producer without flooding the transport: the input is partitioned into
// fixed-size chunks and chunk publication is bounded by a semaphore.
type BatchPublisher struct {
	producer *Producer
	sem      chan struct{}
	log      zerolog.Logger
}

// NewBatchPublisher creates a batch publisher over the given producer.
func NewBatchPublisher(producer *Producer, logger zerolog.Logger) *BatchPublisher {
	return &BatchPublisher{
		producer: producer,
		sem:      make(chan struct{}, batchMaxConcurrent),
		log:      logger.With().Str("component", "batch_publisher").Logger(),
	}
}

// BatchResult summarises one PublishAll run.
type BatchResult struct {
	Published int
	Failed    int
}

// PublishAll publishes every calculation for userID, chunked and bounded.
// Individual failures are counted, not fatal: one bad chunk must not sink a
// backfill.
func (b *BatchPublisher) PublishAll(ctx context.Context, userID string, usages []billing.UsageCalculation) (BatchResult, error) {
	chunks := partition(usages, batchChunkSize)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		// aggregated across chunk goroutines
		result BatchResult
	)

	for i, chunk := range chunks {
		if err := b.acquire(ctx); err != nil {
			mu.Lock()
			result.Failed += remaining(chunks[i:])
			mu.Unlock()
			wg.Wait()
			return result, fmt.Errorf("batch slot for chunk %d: %w", i, err)
		}

		wg.Add(1)
		go func(idx int, items []billing.UsageCalculation) {
			defer wg.Done()
			defer func() { <-b.sem }()

			ok, failed := b.publishChunk(ctx, userID, items)
			mu.Lock()
			result.Published += ok
			result.Failed += failed
			mu.Unlock()

			if failed > 0 {
				b.log.Warn().
					Int("chunk", idx).
					Int("failed", failed).
					Str("user_id", userID).
					Msg("batch chunk finished with failures")
			}
		}(i, chunk)
	}

	wg.Wait()
	b.log.Info().
		Str("user_id", userID).
		Int("published", result.Published).
		Int("failed", result.Failed).
		Msg("batch publish complete")
	return result, nil
}

// acquire takes a semaphore slot, giving up after the acquire wait so a
// stalled transport turns into an error instead of an unbounded pile-up.
func (b *BatchPublisher) acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(batchAcquireWait):
		return ErrBusy
	}
}

func (b *BatchPublisher) publishChunk(ctx context.Context, userID string, items []billing.UsageCalculation) (published, failed int) {
	for _, usage := range items {
		if ctx.Err() != nil {
			failed += len(items) - published - failed
			return
		}
		if err := b.producer.Publish(ctx, userID, usage); err != nil {
			failed++
			continue
		}
		published++
	}
	return
}

func partition(items []billing.UsageCalculation, size int) [][]billing.UsageCalculation {
	if len(items) == 0 {
		return nil
	}
	chunks := make([][]billing.UsageCalculation, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

func remaining(chunks [][]billing.UsageCalculation) int {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	return n
}
