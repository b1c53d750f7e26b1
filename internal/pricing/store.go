package pricing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PostgresStore reads price rows from the price_config table.
//
// The table keeps full history; a lookup picks the highest-version row whose
// effective time is not in the future, so price changes can be staged ahead
// of their effective time.
type PostgresStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPostgresStore creates a store on the given connection pool.
func NewPostgresStore(db *sql.DB, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		db:  db,
		log: logger.With().Str("component", "price_store").Logger(),
	}
}

// FindValidPriceConfig returns the newest effective row for the query, or
// (nil, nil) when no row matches.
func (s *PostgresStore) FindValidPriceConfig(ctx context.Context, q Query, asOf time.Time) (*Config, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT price, version, effective_time
		FROM price_config
		WHERE model_type = $1
		  AND time_period = $2
		  AND cache_status = $3
		  AND io_type = $4
		  AND effective_time <= $5
		ORDER BY version DESC
		LIMIT 1
	`, q.ModelType, string(q.TimePeriod), string(q.CacheStatus), string(q.IOType), asOf)

	var (
		price string
		cfg   Config
	)
	err := row.Scan(&price, &cfg.Version, &cfg.EffectiveTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("price config scan: %w", err)
	}

	cfg.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("price config parse %q: %w", price, err)
	}
	return &cfg, nil
}

// SelectByVersion returns every row carrying the given version.
func (s *PostgresStore) SelectByVersion(ctx context.Context, version int) ([]Config, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT price, version, effective_time
		FROM price_config
		WHERE version = $1
		ORDER BY effective_time
	`, version)
	if err != nil {
		return nil, fmt.Errorf("price config query: %w", err)
	}
	defer rows.Close()

	var configs []Config
	for rows.Next() {
		var (
			price string
			cfg   Config
		)
		if err := rows.Scan(&price, &cfg.Version, &cfg.EffectiveTime); err != nil {
			return nil, fmt.Errorf("price config scan: %w", err)
		}
		cfg.Price, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("price config parse %q: %w", price, err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}
