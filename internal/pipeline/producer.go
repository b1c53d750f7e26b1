package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/ledgerline/metering/internal/billing"
	"github.com/ledgerline/metering/internal/metrics"
	"github.com/ledgerline/metering/internal/retry"
)

// processedPrefix marks completion ids whose usage record has been persisted.
// Shared with the consumer, which writes these markers.
const processedPrefix = "PROCESSED:"

// CompletionChecker answers whether a chat completion was durably recorded.
type CompletionChecker interface {
	ExistsCompletion(ctx context.Context, completionID string) (bool, error)
}

// Producer publishes usage calculations onto the billing transport. Send
// failures are absorbed: the caller's chat response must never fail because
// billing is degraded, so terminal failures are logged and counted instead of
// returned up the request path.
type Producer struct {
	transport Transport
	completed CompletionChecker
	policy    retry.Policy
	log       zerolog.Logger
	met       *metrics.Metrics
}

// NewProducer wires the producer. completed resolves the synchronous local
// transaction check from durable state.
func NewProducer(transport Transport, completed CompletionChecker, met *metrics.Metrics, logger zerolog.Logger) *Producer {
	return &Producer{
		transport: transport,
		completed: completed,
		policy: retry.Policy{
			MaxAttempts: 3,
			Backoff:     retry.Fixed(time.Second),
		},
		log: logger.With().Str("component", "billing_producer").Logger(),
		met: met,
	}
}

// Publish sends one usage calculation for userID. The returned error is
// informational; callers on the request path should log it and move on.
func (p *Producer) Publish(ctx context.Context, userID string, usage billing.UsageCalculation) error {
	msg, err := NewMessage(userID, usage)
	if err != nil {
		p.log.Error().Err(err).
			Str("completion_id", usage.ChatCompletionID).
			Msg("usage calculation not encodable, dropping")
		p.met.SendFailures.Inc()
		return err
	}

	attempt := 0
	err = p.policy.Do(ctx, func() error {
		attempt++
		if attempt > 1 {
			p.met.SendRetries.Inc()
		}
		return p.transport.Send(ctx, msg, p.localCheck)
	})
	if err != nil {
		p.met.SendFailures.Inc()
		p.log.Error().Err(err).
			Str("completion_id", usage.ChatCompletionID).
			Str("user_id", userID).
			Msg("billing send failed after retries, usage may be unbilled")
		return fmt.Errorf("%w: %v", ErrTransientSend, err)
	}
	return nil
}

// localCheck is the synchronous commit verdict during Send: the completion
// record is written before Publish is called, so a present record means the
// local transaction committed. An absent record is in doubt rather than
// rolled back, because the read may be racing a slow write.
func (p *Producer) localCheck(ctx context.Context, completionID string) TxState {
	exists, err := p.completed.ExistsCompletion(ctx, completionID)
	if err != nil {
		p.log.Warn().Err(err).
			Str("completion_id", completionID).
			Msg("local transaction check failed, leaving in doubt")
		return TxUnknown
	}
	if exists {
		return TxCommit
	}
	return TxUnknown
}

// NewBrokerCheck builds the resolver for in-doubt staged messages. It answers
// from persisted state only: a completion record or a processed marker proves
// commit, anything else after the check timeout means the local transaction
// never finished.
func NewBrokerCheck(rdb *redis.Client, completed CompletionChecker, logger zerolog.Logger) BrokerCheck {
	log := logger.With().Str("component", "broker_check").Logger()
	return func(ctx context.Context, completionID string) TxState {
		exists, err := completed.ExistsCompletion(ctx, completionID)
		if err != nil {
			log.Warn().Err(err).
				Str("completion_id", completionID).
				Msg("broker check against storage failed")
			return TxUnknown
		}
		if exists {
			return TxCommit
		}

		processed, err := rdb.Exists(ctx, processedPrefix+completionID).Result()
		if err != nil {
			log.Warn().Err(err).
				Str("completion_id", completionID).
				Msg("broker check against redis failed")
			return TxUnknown
		}
		if processed > 0 {
			return TxCommit
		}
		return TxRollback
	}
}
