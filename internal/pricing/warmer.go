package pricing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Warmer populates the Redis price cache from PostgreSQL.
//
// A cold cache is not a correctness problem (lookups read through), but the
// first request for every key pays a store round trip and contends on the
// lock. The warmer pre-loads all current rows at startup and refreshes them
// periodically so manual price edits in PostgreSQL converge without waiting
// for TTL expiry.
type Warmer struct {
	rdb    *redis.Client
	db     *sql.DB
	log    zerolog.Logger
	stopCh chan struct{}
}

// NewWarmer creates a Warmer instance.
func NewWarmer(rdb *redis.Client, db *sql.DB, logger zerolog.Logger) *Warmer {
	return &Warmer{
		rdb:    rdb,
		db:     db,
		log:    logger.With().Str("component", "price_warmer").Logger(),
		stopCh: make(chan struct{}),
	}
}

// WarmAll loads the newest effective row for every distinct query key into
// Redis using a pipeline. Called at startup before the consumer starts.
func (w *Warmer) WarmAll(ctx context.Context) error {
	start := time.Now()

	rows, err := w.db.QueryContext(ctx, `
		SELECT DISTINCT ON (model_type, time_period, cache_status, io_type)
		       model_type, time_period, cache_status, io_type,
		       price, version, effective_time
		FROM price_config
		WHERE effective_time <= NOW()
		ORDER BY model_type, time_period, cache_status, io_type, version DESC
	`)
	if err != nil {
		return fmt.Errorf("price warm query: %w", err)
	}
	defer rows.Close()

	pipe := w.rdb.Pipeline()
	count := 0

	for rows.Next() {
		var (
			q     Query
			price string
			cfg   Config
		)
		var period, status, ioType string
		if err := rows.Scan(&q.ModelType, &period, &status, &ioType, &price, &cfg.Version, &cfg.EffectiveTime); err != nil {
			w.log.Error().Err(err).Msg("failed to scan price row")
			continue
		}
		q.TimePeriod, q.CacheStatus, q.IOType = Period(period), CacheStatus(status), IOType(ioType)

		cfg.Price, err = decimal.NewFromString(price)
		if err != nil {
			w.log.Error().Err(err).Str("price", price).Msg("unparseable price row")
			continue
		}
		payload, err := json.Marshal(&cfg)
		if err != nil {
			continue
		}

		pipe.Set(ctx, q.CacheKey(), payload, positiveTTL)
		count++

		if count%100 == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("price warm pipeline exec: %w", err)
			}
			pipe = w.rdb.Pipeline()
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("price warm final pipeline exec: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("price warm row iteration: %w", err)
	}

	w.log.Info().
		Int("entry_count", count).
		Dur("duration", time.Since(start)).
		Msg("price cache warmed")
	return nil
}

// StartPeriodicWarm re-runs WarmAll on an interval until Stop is called.
func (w *Warmer) StartPeriodicWarm(interval time.Duration) {
	if interval == 0 {
		interval = 15 * time.Minute
	}

	w.log.Info().Dur("interval", interval).Msg("starting periodic price warm")
	ticker := time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if err := w.WarmAll(ctx); err != nil {
					w.log.Error().Err(err).Msg("periodic price warm failed")
				}
				cancel()

			case <-w.stopCh:
				ticker.Stop()
				w.log.Info().Msg("periodic price warm stopped")
				return
			}
		}
	}()
}

// Stop stops the periodic warm goroutine.
func (w *Warmer) Stop() {
	close(w.stopCh)
}
