// Package meter is the request-facing facade of the metering core: it hands
// the chat path a stable completion id for every outcome and pushes billing
// work off the response path.
package meter

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ledgerline/metering/internal/billing"
	"github.com/ledgerline/metering/internal/dispatch"
	"github.com/ledgerline/metering/internal/pipeline"
	"github.com/ledgerline/metering/internal/txn"
)

// publishTimeout bounds the detached billing publish; it must cover the
// producer's full retry budget.
const publishTimeout = 10 * time.Second

// Service exposes the metering lifecycle around one upstream model call.
type Service struct {
	txns     *txn.Coordinator
	producer *pipeline.Producer
	async    *dispatch.Pool
	log      zerolog.Logger
}

// NewService wires the facade.
func NewService(txns *txn.Coordinator, producer *pipeline.Producer, async *dispatch.Pool, logger zerolog.Logger) *Service {
	return &Service{
		txns:     txns,
		producer: producer,
		async:    async,
		log:      logger.With().Str("component", "meter_service").Logger(),
	}
}

// Begin mints the completion id before the upstream call. The id is stable
// for the rest of the request regardless of outcome.
func (s *Service) Begin(ctx context.Context, userID string) (string, error) {
	return s.txns.Prepare(ctx, userID)
}

// Complete commits the transaction and dispatches billing asynchronously.
// The returned flag reports commit success; billing outcome is never part of
// it because billing must not affect the chat response.
func (s *Service) Complete(ctx context.Context, userID, completionID string, usage billing.UsageCalculation) bool {
	usage.ChatCompletionID = completionID
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}

	if !s.txns.Commit(ctx, userID, completionID, usage.ModelType) {
		return false
	}

	// Billing runs detached from the request context so a client disconnect
	// cannot cancel it.
	s.async.Submit(func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.producer.Publish(pubCtx, userID, usage); err != nil {
			s.log.Error().Err(err).
				Str("completion_id", completionID).
				Str("user_id", userID).
				Msg("billing dispatch failed")
		}
	})
	return true
}

// Abort resolves the failure path to a consistent completion id.
func (s *Service) Abort(ctx context.Context, userID string) string {
	return s.txns.Rollback(ctx, userID)
}

// CurrentCompletionID exposes the in-flight id for response assembly.
func (s *Service) CurrentCompletionID(ctx context.Context, userID string) (string, bool) {
	return s.txns.CurrentCompletionID(ctx, userID)
}
