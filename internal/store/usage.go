// Package store persists billing artifacts in PostgreSQL: usage records and
// the completion markers written at transaction commit.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/ledgerline/metering/internal/billing"
)

// ErrDuplicate means a row for the completion id already exists. Callers
// treat it as a successful no-op, never as a failure.
var ErrDuplicate = errors.New("store: record already exists")

const uniqueViolation = "23505"

// UsageStore writes and checks usage records. The unique index on
// chat_completion_id is the last line of defence behind the idempotency
// protocol, not the primary mechanism.
type UsageStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewUsageStore creates a store on the given connection pool.
func NewUsageStore(db *sql.DB, logger zerolog.Logger) *UsageStore {
	return &UsageStore{
		db:  db,
		log: logger.With().Str("component", "usage_store").Logger(),
	}
}

// InsertUsageRecord persists a record. A unique-index collision maps to
// ErrDuplicate.
func (s *UsageStore) InsertUsageRecord(ctx context.Context, rec billing.UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_record (
			chat_completion_id, user_id, model_type,
			input_cost, output_cost, price_version,
			calculated_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ChatCompletionID, rec.UserID, rec.ModelType,
		rec.InputCost.String(), rec.OutputCost.String(), rec.PriceVersion,
		rec.CalculatedAt, rec.Status)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.ChatCompletionID)
	}
	if err != nil {
		return fmt.Errorf("insert usage record %s: %w", rec.ChatCompletionID, err)
	}

	s.log.Info().
		Str("completion_id", rec.ChatCompletionID).
		Str("model_type", rec.ModelType).
		Str("input_cost", rec.InputCost.String()).
		Str("output_cost", rec.OutputCost.String()).
		Int("price_version", rec.PriceVersion).
		Msg("usage record persisted")
	return nil
}

// ExistsByCompletionID reports whether a usage record is already persisted.
func (s *UsageStore) ExistsByCompletionID(ctx context.Context, completionID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM usage_record WHERE chat_completion_id = $1)
	`, completionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("usage record exists %s: %w", completionID, err)
	}
	return exists, nil
}

// CompletionStore persists the completion markers the coordinator writes at
// commit. The producer's transaction checks consult these markers to decide
// whether an in-doubt billing message belongs to a committed transaction.
type CompletionStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCompletionStore creates a store on the given connection pool.
func NewCompletionStore(db *sql.DB, logger zerolog.Logger) *CompletionStore {
	return &CompletionStore{
		db:  db,
		log: logger.With().Str("component", "completion_store").Logger(),
	}
}

// InsertCompletion records a committed completion. Re-inserting the same id
// is an idempotent no-op so a retried commit cannot fail here.
func (s *CompletionStore) InsertCompletion(ctx context.Context, userID, completionID, model string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_completion (completion_id, user_id, model, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (completion_id) DO NOTHING
	`, completionID, userID, model, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert completion %s: %w", completionID, err)
	}
	return nil
}

// ExistsCompletion reports whether the completion was committed.
func (s *CompletionStore) ExistsCompletion(ctx context.Context, completionID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM chat_completion WHERE completion_id = $1)
	`, completionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("completion exists %s: %w", completionID, err)
	}
	return exists, nil
}
