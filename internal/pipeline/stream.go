package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/ledgerline/metering/internal/metrics"
	"github.com/ledgerline/metering/internal/retry"
)

const (
	defaultStream = "billing:stream"
	defaultGroup  = "billing-consumers"
	parkedStream  = "billing:parked"

	halfPrefix = "billing:half:"
	halfIndex  = "billing:half:index"
	halfTTL    = 24 * time.Hour

	fieldCompletionID = "completion_id"
	fieldUserID       = "user_id"
	fieldBody         = "body"
	fieldError        = "error"

	readBatch  = 16
	claimBatch = 64
)

// StreamTransportConfig tunes the Redis Streams transport. Zero values get
// production defaults.
type StreamTransportConfig struct {
	Stream   string
	Group    string
	Consumer string

	// CheckTimeout is how long a staged half message may stay unresolved
	// before the checker probes it.
	CheckTimeout time.Duration
	// CheckInterval is the checker scan period.
	CheckInterval time.Duration
	// MaxCheckAttempts bounds UNKNOWN answers before a half message is
	// discarded.
	MaxCheckAttempts int64

	// PollInterval is the consumer sleep when the stream is empty.
	PollInterval time.Duration
	// ReclaimIdle is how long a pending delivery may sit unacknowledged
	// before another consumer claims it.
	ReclaimIdle time.Duration
	// MaxDeliveries bounds redelivery before a message is parked.
	MaxDeliveries int64
}

func (c *StreamTransportConfig) withDefaults() {
	if c.Stream == "" {
		c.Stream = defaultStream
	}
	if c.Group == "" {
		c.Group = defaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = "consumer-1"
	}
	if c.CheckTimeout == 0 {
		c.CheckTimeout = 30 * time.Second
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.MaxCheckAttempts == 0 {
		c.MaxCheckAttempts = 15
	}
	if c.PollInterval == 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.ReclaimIdle == 0 {
		c.ReclaimIdle = 10 * time.Second
	}
	if c.MaxDeliveries == 0 {
		c.MaxDeliveries = 5
	}
}

// StreamTransport implements the billing transport on Redis Streams.
//
// Half-message protocol: Send stages the message in a hash invisible to
// consumers, then asks the local check for a verdict. Commit promotes the
// message onto the delivery stream, rollback discards it, unknown leaves it
// staged. A background checker re-examines staged messages older than the
// check timeout using the broker check, so producer crashes between staging
// and verdict self-heal from persisted state.
//
// Delivery: consumer-group reads with manual acknowledgement. Failed
// deliveries stay pending and are reclaimed after an idle period; a message
// delivered more than MaxDeliveries times is parked on a separate stream for
// manual inspection.
type StreamTransport struct {
	rdb   *redis.Client
	cfg   StreamTransportConfig
	check BrokerCheck
	log   zerolog.Logger
	met   *metrics.Metrics

	now func() time.Time
}

// NewStreamTransport creates the transport. brokerCheck resolves in-doubt
// half messages; it must consult persisted state only.
func NewStreamTransport(rdb *redis.Client, cfg StreamTransportConfig, brokerCheck BrokerCheck, met *metrics.Metrics, logger zerolog.Logger) *StreamTransport {
	cfg.withDefaults()
	return &StreamTransport{
		rdb:   rdb,
		cfg:   cfg,
		check: brokerCheck,
		log:   logger.With().Str("component", "stream_transport").Logger(),
		met:   met,
		now:   time.Now,
	}
}

// Send stages the message and applies the local-transaction verdict.
func (t *StreamTransport) Send(ctx context.Context, msg Message, local LocalCheck) error {
	halfKey := halfPrefix + msg.CompletionID

	pipe := t.rdb.TxPipeline()
	pipe.HSet(ctx, halfKey, map[string]interface{}{
		fieldCompletionID: msg.CompletionID,
		fieldUserID:       msg.UserID,
		fieldBody:         msg.Body,
		"staged_at":       t.now().Unix(),
		"check_attempts":  0,
	})
	pipe.Expire(ctx, halfKey, halfTTL)
	pipe.ZAdd(ctx, halfIndex, &redis.Z{Score: float64(t.now().Unix()), Member: msg.CompletionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stage half message %s: %w", msg.CompletionID, err)
	}

	switch local(ctx, msg.CompletionID) {
	case TxCommit:
		return t.promote(ctx, msg)
	case TxRollback:
		return t.discard(ctx, msg.CompletionID)
	default:
		t.log.Debug().
			Str("completion_id", msg.CompletionID).
			Msg("half message left in doubt")
		return nil
	}
}

// promote makes a staged message visible on the delivery stream.
func (t *StreamTransport) promote(ctx context.Context, msg Message) error {
	err := t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: t.cfg.Stream,
		Values: map[string]interface{}{
			fieldCompletionID: msg.CompletionID,
			fieldUserID:       msg.UserID,
			fieldBody:         msg.Body,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("promote half message %s: %w", msg.CompletionID, err)
	}
	return t.discard(ctx, msg.CompletionID)
}

func (t *StreamTransport) discard(ctx context.Context, completionID string) error {
	pipe := t.rdb.TxPipeline()
	pipe.Del(ctx, halfPrefix+completionID)
	pipe.ZRem(ctx, halfIndex, completionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("discard half message %s: %w", completionID, err)
	}
	return nil
}

// RunChecker resolves in-doubt half messages until the context ends.
func (t *StreamTransport) RunChecker(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.CheckOnce(ctx); err != nil && ctx.Err() == nil {
				t.log.Error().Err(err).Msg("half message check pass failed")
			}
		}
	}
}

// CheckOnce runs one checker pass over staged messages older than the check
// timeout.
func (t *StreamTransport) CheckOnce(ctx context.Context) error {
	cutoff := t.now().Add(-t.cfg.CheckTimeout).Unix()
	ids, err := t.rdb.ZRangeByScore(ctx, halfIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("scan half index: %w", err)
	}

	for _, id := range ids {
		if err := t.resolveHalf(ctx, id); err != nil {
			t.log.Error().Err(err).Str("completion_id", id).Msg("half message resolution failed")
		}
	}
	return nil
}

func (t *StreamTransport) resolveHalf(ctx context.Context, completionID string) error {
	halfKey := halfPrefix + completionID
	fields, err := t.rdb.HGetAll(ctx, halfKey).Result()
	if err != nil {
		return fmt.Errorf("load half message: %w", err)
	}
	if len(fields) == 0 {
		// Hash expired or already resolved; drop the index entry.
		return t.rdb.ZRem(ctx, halfIndex, completionID).Err()
	}

	switch t.check(ctx, completionID) {
	case TxCommit:
		msg := Message{
			CompletionID: completionID,
			UserID:       fields[fieldUserID],
			Body:         []byte(fields[fieldBody]),
		}
		t.log.Info().Str("completion_id", completionID).Msg("in-doubt half message committed")
		return t.promote(ctx, msg)

	case TxRollback:
		t.log.Info().Str("completion_id", completionID).Msg("in-doubt half message rolled back")
		return t.discard(ctx, completionID)

	default:
		attempts, err := t.rdb.HIncrBy(ctx, halfKey, "check_attempts", 1).Result()
		if err != nil {
			return fmt.Errorf("bump check attempts: %w", err)
		}
		if attempts >= t.cfg.MaxCheckAttempts {
			t.log.Warn().
				Str("completion_id", completionID).
				Int64("check_attempts", attempts).
				Msg("half message still unknown after max checks, discarding")
			return t.discard(ctx, completionID)
		}
		return nil
	}
}

// Consume reads deliveries for this consumer until the context ends. It also
// runs the reclaim loop that re-delivers messages other consumers failed to
// acknowledge.
func (t *StreamTransport) Consume(ctx context.Context, handler Handler) error {
	if err := t.ensureGroup(ctx); err != nil {
		return err
	}

	go t.reclaimLoop(ctx, handler)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams, err := t.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			Streams:  []string{t.cfg.Stream, ">"},
			Count:    readBatch,
			Block:    -1,
		}).Result()
		if err == redis.Nil || (err == nil && len(streams) == 0) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.cfg.PollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.log.Error().Err(err).Msg("stream read failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.cfg.PollInterval):
			}
			continue
		}

		for _, stream := range streams {
			for _, xmsg := range stream.Messages {
				t.handleDelivery(ctx, handler, xmsg, 1)
			}
		}
	}
}

func (t *StreamTransport) ensureGroup(ctx context.Context) error {
	err := t.rdb.XGroupCreateMkStream(ctx, t.cfg.Stream, t.cfg.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (t *StreamTransport) handleDelivery(ctx context.Context, handler Handler, xmsg redis.XMessage, attempt int64) {
	msg := messageFromXMessage(xmsg)
	d := Delivery{Msg: msg, Attempt: attempt}

	err := handler(ctx, d)
	switch {
	case err == nil:
		t.ack(ctx, xmsg.ID)

	case retry.IsPermanent(err):
		t.park(ctx, xmsg, err)

	default:
		// Leave pending; the reclaim loop redelivers after ReclaimIdle.
		t.met.ConsumeFailures.Inc()
		t.log.Warn().Err(err).
			Str("completion_id", msg.CompletionID).
			Int64("attempt", attempt).
			Msg("delivery failed, leaving pending for redelivery")
	}
}

func (t *StreamTransport) reclaimLoop(ctx context.Context, handler Handler) {
	ticker := time.NewTicker(t.cfg.ReclaimIdle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.reclaimOnce(ctx, handler); err != nil && ctx.Err() == nil {
				t.log.Error().Err(err).Msg("reclaim pass failed")
			}
		}
	}
}

func (t *StreamTransport) reclaimOnce(ctx context.Context, handler Handler) error {
	pending, err := t.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: t.cfg.Stream,
		Group:  t.cfg.Group,
		Idle:   t.cfg.ReclaimIdle,
		Start:  "-",
		End:    "+",
		Count:  claimBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("read pending entries: %w", err)
	}

	for _, p := range pending {
		claimed, err := t.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   t.cfg.Stream,
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			MinIdle:  t.cfg.ReclaimIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil && err != redis.Nil {
			t.log.Warn().Err(err).Str("stream_id", p.ID).Msg("claim failed")
			continue
		}

		for _, xmsg := range claimed {
			attempt := p.RetryCount + 1
			if attempt > t.cfg.MaxDeliveries {
				t.park(ctx, xmsg, fmt.Errorf("exceeded %d deliveries", t.cfg.MaxDeliveries))
				continue
			}
			t.handleDelivery(ctx, handler, xmsg, attempt)
		}
	}
	return nil
}

// park moves a poisoned message to the parked stream and acknowledges the
// original so it stops being redelivered.
func (t *StreamTransport) park(ctx context.Context, xmsg redis.XMessage, cause error) {
	msg := messageFromXMessage(xmsg)

	values := map[string]interface{}{
		fieldCompletionID: msg.CompletionID,
		fieldUserID:       msg.UserID,
		fieldBody:         msg.Body,
		fieldError:        cause.Error(),
	}
	if err := t.rdb.XAdd(ctx, &redis.XAddArgs{Stream: parkedStream, Values: values}).Err(); err != nil {
		t.log.Error().Err(err).
			Str("completion_id", msg.CompletionID).
			Msg("failed to park message, leaving pending")
		return
	}

	t.ack(ctx, xmsg.ID)
	t.met.MessagesParked.Inc()
	t.log.Error().
		Str("completion_id", msg.CompletionID).
		Str("cause", cause.Error()).
		Msg("billing message parked for manual inspection")
}

func (t *StreamTransport) ack(ctx context.Context, id string) {
	if err := t.rdb.XAck(ctx, t.cfg.Stream, t.cfg.Group, id).Err(); err != nil {
		t.log.Warn().Err(err).Str("stream_id", id).Msg("ack failed")
	}
}

func messageFromXMessage(xmsg redis.XMessage) Message {
	msg := Message{}
	if v, ok := xmsg.Values[fieldCompletionID].(string); ok {
		msg.CompletionID = v
	}
	if v, ok := xmsg.Values[fieldUserID].(string); ok {
		msg.UserID = v
	}
	if v, ok := xmsg.Values[fieldBody].(string); ok {
		msg.Body = []byte(v)
	}
	return msg
}

// ParkedMessage is one entry on the parked stream.
type ParkedMessage struct {
	StreamID     string
	CompletionID string
	UserID       string
	Error        string
}

// ListParked returns up to count parked messages, oldest first.
func ListParked(ctx context.Context, rdb *redis.Client, count int64) ([]ParkedMessage, error) {
	msgs, err := rdb.XRangeN(ctx, parkedStream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read parked stream: %w", err)
	}

	parked := make([]ParkedMessage, 0, len(msgs))
	for _, m := range msgs {
		p := ParkedMessage{StreamID: m.ID}
		if v, ok := m.Values[fieldCompletionID].(string); ok {
			p.CompletionID = v
		}
		if v, ok := m.Values[fieldUserID].(string); ok {
			p.UserID = v
		}
		if v, ok := m.Values[fieldError].(string); ok {
			p.Error = v
		}
		parked = append(parked, p)
	}
	return parked, nil
}
