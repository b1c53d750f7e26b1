// Package txn coordinates the completion-identifier lifecycle around an
// upstream model call.
//
// The identifier is minted before the upstream call and must survive every
// outcome of that call: success, persistence failure, timeout, error. The
// billing pipeline, logging and any later reconciliation all key on it, so
// each response path has to hand the caller the same stable id. The
// coordinator walks a prepare -> commit | rollback state machine with a saga
// style compensate after a failed commit; no cross-resource rollback is
// attempted, only identifier consistency.
//
// The registry is scoped per user and assumes at most one in-flight
// transaction per user. Concurrent requests from the same user race with
// last-writer-wins semantics; billing correctness does not depend on this
// registry, only id stability of the response does.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ledgerline/metering/internal/ttlcache"
)

const (
	registryPrefix = "TX:CHAT:"
	fallbackPrefix = "FALLBACK:CHAT:"
	idPrefix       = "chat-"

	registryTTL = 30 * time.Minute
	markerTTL   = 24 * time.Hour
)

// ErrStorageUnavailable means the transaction registry could not be reached;
// prepare cannot mint a trackable id without it.
var ErrStorageUnavailable = errors.New("txn: transaction registry unavailable")

// Phase of a completion transaction.
type Phase string

const (
	PhasePrepared    Phase = "PREPARED"
	PhaseCommitted   Phase = "COMMITTED"
	PhaseCompensated Phase = "COMPENSATED"
	PhaseRolledBack  Phase = "ROLLEDBACK"
)

// Status is the locally cached view of a user's in-flight transaction.
type Status struct {
	CompletionID string
	Phase        Phase
}

// CompletionMarkers persists the durable completion record written at commit.
type CompletionMarkers interface {
	InsertCompletion(ctx context.Context, userID, completionID, model string) error
}

// Coordinator drives the completion-identifier state machine.
//
// Thread safety: safe for concurrent use across users; see the package
// comment for the per-user race semantics.
type Coordinator struct {
	rdb     *redis.Client
	markers CompletionMarkers
	local   *ttlcache.Cache[Status]
	log     zerolog.Logger
}

// NewCoordinator creates a coordinator. The local cache only accelerates
// lookups; Redis remains the registry of record.
func NewCoordinator(rdb *redis.Client, markers CompletionMarkers, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		rdb:     rdb,
		markers: markers,
		local:   ttlcache.New[Status](10_000, registryTTL),
		log:     logger.With().Str("component", "tx_coordinator").Logger(),
	}
}

// Prepare mints a fresh completion id and registers it for the user. The id
// is additionally written to the fallback store so downstream consumers can
// still resolve it if the registry entry is lost.
func (c *Coordinator) Prepare(ctx context.Context, userID string) (string, error) {
	completionID := idPrefix + uuid.NewString()

	if err := c.rdb.Set(ctx, registryPrefix+userID, completionID, registryTTL).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	c.local.Set(userID, Status{CompletionID: completionID, Phase: PhasePrepared})
	c.saveFallback(ctx, userID, completionID)

	c.log.Info().
		Str("user_id", userID).
		Str("completion_id", completionID).
		Msg("transaction prepared")
	return completionID, nil
}

// Commit validates the id against the registry and persists the completion
// marker. A registry mismatch is a consistency violation: it returns false
// without touching durable state. A marker persistence failure triggers
// compensation and also returns false; in both cases the caller still holds
// a stable id.
func (c *Coordinator) Commit(ctx context.Context, userID, completionID, modelName string) bool {
	stored, err := c.rdb.Get(ctx, registryPrefix+userID).Result()
	if err != nil || stored != completionID {
		c.log.Error().
			Str("user_id", userID).
			Str("expected", stored).
			Str("actual", completionID).
			Err(err).
			Msg("transaction consistency violation")
		return false
	}

	c.local.Set(userID, Status{CompletionID: completionID, Phase: PhaseCommitted})

	if err := c.markers.InsertCompletion(ctx, userID, completionID, modelName); err != nil {
		c.log.Error().Err(err).
			Str("user_id", userID).
			Str("completion_id", completionID).
			Msg("completion marker persistence failed, compensating")
		c.Compensate(ctx, userID, completionID)
		return false
	}

	c.log.Info().
		Str("user_id", userID).
		Str("completion_id", completionID).
		Msg("transaction committed")
	return true
}

// Compensate records a failed commit while keeping the id resolvable. It is
// idempotent; repeated calls rewrite the same marker and fallback entry.
func (c *Coordinator) Compensate(ctx context.Context, userID, completionID string) {
	c.local.Set(userID, Status{CompletionID: completionID, Phase: PhaseCompensated})

	key := registryPrefix + userID + ":COMPENSATED"
	if err := c.rdb.Set(ctx, key, completionID, markerTTL).Err(); err != nil {
		c.log.Error().Err(err).
			Str("user_id", userID).
			Str("completion_id", completionID).
			Msg("compensation marker write failed")
	}
	c.saveFallback(ctx, userID, completionID)

	c.log.Info().
		Str("user_id", userID).
		Str("completion_id", completionID).
		Msg("transaction compensated")
}

// Rollback resolves the current id so an error response can still carry a
// consistent identifier. Without an in-flight transaction a rollback-specific
// id is minted; if even the rollback bookkeeping fails an emergency id is
// minted and pushed to the fallback store.
func (c *Coordinator) Rollback(ctx context.Context, userID string) string {
	completionID := ""
	if status, ok := c.local.Get(userID); ok {
		completionID = status.CompletionID
	} else {
		stored, err := c.rdb.Get(ctx, registryPrefix+userID).Result()
		if err != nil && err != redis.Nil {
			return c.emergencyID(ctx, userID, err)
		}
		completionID = stored
	}

	if completionID == "" {
		c.log.Warn().Str("user_id", userID).Msg("no active transaction during rollback")
		completionID = idPrefix + "rollback-" + uuid.NewString()
	}

	c.local.Set(userID, Status{CompletionID: completionID, Phase: PhaseRolledBack})

	key := registryPrefix + userID + ":ROLLEDBACK"
	if err := c.rdb.Set(ctx, key, completionID, markerTTL).Err(); err != nil {
		return c.emergencyID(ctx, userID, err)
	}

	c.log.Info().
		Str("user_id", userID).
		Str("completion_id", completionID).
		Msg("transaction rolled back")
	return completionID
}

// CurrentCompletionID returns the id of the user's current transaction.
func (c *Coordinator) CurrentCompletionID(ctx context.Context, userID string) (string, bool) {
	if status, ok := c.local.Get(userID); ok {
		return status.CompletionID, true
	}
	stored, err := c.rdb.Get(ctx, registryPrefix+userID).Result()
	if err != nil {
		return "", false
	}
	return stored, true
}

// HasActiveTransaction reports whether a transaction is in flight for the
// user.
func (c *Coordinator) HasActiveTransaction(ctx context.Context, userID string) bool {
	if _, ok := c.local.Get(userID); ok {
		return true
	}
	n, err := c.rdb.Exists(ctx, registryPrefix+userID).Result()
	return err == nil && n > 0
}

func (c *Coordinator) saveFallback(ctx context.Context, userID, completionID string) {
	if err := c.rdb.Set(ctx, fallbackPrefix+userID, completionID, markerTTL).Err(); err != nil {
		c.log.Warn().Err(err).
			Str("user_id", userID).
			Msg("fallback store write failed")
	}
}

func (c *Coordinator) emergencyID(ctx context.Context, userID string, cause error) string {
	emergencyID := idPrefix + "emergency-" + uuid.NewString()
	c.log.Error().Err(cause).
		Str("user_id", userID).
		Str("completion_id", emergencyID).
		Msg("rollback bookkeeping failed, minted emergency id")
	c.saveFallback(ctx, userID, emergencyID)
	return emergencyID
}
