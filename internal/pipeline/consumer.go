package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/ledgerline/metering/internal/billing"
	"github.com/ledgerline/metering/internal/dispatch"
	"github.com/ledgerline/metering/internal/lock"
	"github.com/ledgerline/metering/internal/metrics"
	"github.com/ledgerline/metering/internal/pricing"
	"github.com/ledgerline/metering/internal/retry"
	"github.com/ledgerline/metering/internal/store"
	"github.com/ledgerline/metering/internal/ttlcache"
)

const (
	billingLockPrefix = "BILLING_LOCK:"
	processedTTL      = 24 * time.Hour
	billingLockHold   = 5 * time.Second

	seenCacheSize = 100_000
	seenCacheTTL  = 5 * time.Minute
)

// UsageWriter persists usage records and answers the durable duplicate check.
type UsageWriter interface {
	InsertUsageRecord(ctx context.Context, rec billing.UsageRecord) error
	ExistsByCompletionID(ctx context.Context, completionID string) (bool, error)
}

// Consumer turns billing deliveries into usage records, exactly once per
// completion id.
//
// Duplicate suppression is layered cheapest-first: an in-process seen cache,
// the shared processed marker in Redis, then a short per-completion lock with
// a full recheck (marker and database) inside it. The database unique index
// remains as the final guard, surfacing as store.ErrDuplicate.
type Consumer struct {
	calc  *billing.Calculator
	usage UsageWriter
	rdb   *redis.Client
	locks lock.Provider
	seen  *ttlcache.Cache[struct{}]
	async *dispatch.Pool
	log   zerolog.Logger
	met   *metrics.Metrics
}

// NewConsumer wires the consumer. async runs the off-critical-path marker
// writes; pass a pool shared with the producer side.
func NewConsumer(calc *billing.Calculator, usage UsageWriter, rdb *redis.Client, locks lock.Provider, async *dispatch.Pool, met *metrics.Metrics, logger zerolog.Logger) *Consumer {
	return &Consumer{
		calc:  calc,
		usage: usage,
		rdb:   rdb,
		locks: locks,
		seen:  ttlcache.New[struct{}](seenCacheSize, seenCacheTTL),
		async: async,
		log:   logger.With().Str("component", "billing_consumer").Logger(),
		met:   met,
	}
}

// Handle processes one delivery. Satisfies the transport Handler contract.
func (c *Consumer) Handle(ctx context.Context, d Delivery) error {
	started := time.Now()
	defer func() {
		c.met.ConsumeDuration.Observe(time.Since(started).Seconds())
	}()

	usage, err := d.Msg.Usage()
	if err != nil {
		// Malformed payloads never become processable; park immediately.
		return retry.Permanent(fmt.Errorf("decode delivery %s: %w", d.Msg.CompletionID, err))
	}
	completionID := usage.ChatCompletionID
	if completionID == "" {
		return retry.Permanent(errors.New("delivery carries no completion id"))
	}

	if _, ok := c.seen.Get(completionID); ok {
		c.skipDuplicate(completionID, "seen_cache")
		return nil
	}

	processed, err := c.isProcessed(ctx, completionID)
	if err != nil {
		return err
	}
	if processed {
		c.skipDuplicate(completionID, "processed_marker")
		return nil
	}

	lockKey := billingLockPrefix + d.Msg.UserID + ":" + completionID
	ok, err := c.locks.TryLock(ctx, lockKey, 0, billingLockHold)
	if err != nil {
		return fmt.Errorf("billing lock %s: %w", lockKey, err)
	}
	if !ok {
		c.met.LockTimeouts.Inc()
		return fmt.Errorf("%w: %s", ErrBusy, completionID)
	}
	defer func() {
		if uerr := c.locks.Unlock(ctx, lockKey); uerr != nil {
			c.log.Warn().Err(uerr).Str("lock_key", lockKey).Msg("billing lock release failed")
		}
	}()

	// Recheck under the lock: another consumer may have finished between the
	// cheap checks and acquisition.
	processed, err = c.isProcessed(ctx, completionID)
	if err != nil {
		return err
	}
	if !processed {
		processed, err = c.usage.ExistsByCompletionID(ctx, completionID)
		if err != nil {
			return fmt.Errorf("duplicate recheck %s: %w", completionID, err)
		}
	}
	if processed {
		c.skipDuplicate(completionID, "post_lock_recheck")
		c.markProcessed(completionID)
		return nil
	}

	rec, err := c.buildRecord(ctx, d.Msg.UserID, usage)
	if err != nil {
		if errors.Is(err, pricing.ErrNotFound) {
			// Confirmed absence of a price row is fatal for this record;
			// redelivery cannot price it. Lock contention and storage errors
			// stay retryable.
			return retry.Permanent(fmt.Errorf("price record %s: %w", completionID, err))
		}
		return err
	}

	if err := c.usage.InsertUsageRecord(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			c.skipDuplicate(completionID, "unique_index")
			c.markProcessed(completionID)
			return nil
		}
		return fmt.Errorf("persist usage record %s: %w", completionID, err)
	}

	c.markProcessed(completionID)
	c.met.MessagesProcessed.Inc()
	c.log.Info().
		Str("completion_id", completionID).
		Str("user_id", d.Msg.UserID).
		Int64("attempt", d.Attempt).
		Msg("billing delivery processed")
	return nil
}

func (c *Consumer) buildRecord(ctx context.Context, userID string, usage billing.UsageCalculation) (billing.UsageRecord, error) {
	period := c.calc.DetermineTimePeriod(usage.CreatedAt)

	inputCost, err := c.calc.InputCost(ctx, usage, period)
	if err != nil {
		return billing.UsageRecord{}, err
	}
	outputCost, err := c.calc.OutputCost(ctx, usage, period)
	if err != nil {
		return billing.UsageRecord{}, err
	}
	version, err := c.calc.PriceVersion(ctx, usage, period)
	if err != nil {
		return billing.UsageRecord{}, err
	}

	return billing.UsageRecord{
		ChatCompletionID: usage.ChatCompletionID,
		UserID:           userID,
		ModelType:        usage.ModelType,
		InputCost:        inputCost,
		OutputCost:       outputCost,
		PriceVersion:     version,
		CalculatedAt:     time.Now().UTC(),
		Status:           billing.StatusCalculated,
	}, nil
}

func (c *Consumer) isProcessed(ctx context.Context, completionID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, processedPrefix+completionID).Result()
	if err != nil {
		return false, fmt.Errorf("processed marker check %s: %w", completionID, err)
	}
	return n > 0, nil
}

// markProcessed records completion both in process and in Redis. The Redis
// write happens off the critical path; losing it only costs one extra
// database recheck on a later duplicate delivery.
func (c *Consumer) markProcessed(completionID string) {
	c.seen.Set(completionID, struct{}{})
	c.async.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.rdb.Set(ctx, processedPrefix+completionID, "1", processedTTL).Err(); err != nil {
			c.log.Warn().Err(err).
				Str("completion_id", completionID).
				Msg("processed marker write failed")
		}
	})
}

func (c *Consumer) skipDuplicate(completionID, layer string) {
	c.met.DuplicatesSkipped.Inc()
	c.log.Debug().
		Str("completion_id", completionID).
		Str("layer", layer).
		Msg("duplicate delivery skipped")
}
