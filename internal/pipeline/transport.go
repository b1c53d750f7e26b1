package pipeline

import (
	"context"
	"errors"
)

// TxState is the producer-side verdict on a staged billing message.
type TxState int

const (
	// TxUnknown leaves the message staged; the checker resolves it later.
	TxUnknown TxState = iota
	// TxCommit makes the message visible to consumers.
	TxCommit
	// TxRollback discards the staged message.
	TxRollback
)

// LocalCheck is consulted synchronously during Send to decide whether the
// local transaction the message belongs to has committed.
type LocalCheck func(ctx context.Context, completionID string) TxState

// BrokerCheck resolves an in-doubt staged message from persisted state. It
// must answer TxCommit or TxRollback eventually; repeated TxUnknown answers
// are bounded by the transport's check-attempt limit.
type BrokerCheck func(ctx context.Context, completionID string) TxState

// Delivery is one at-least-once delivery of a message to the consumer.
type Delivery struct {
	Msg Message
	// Attempt counts deliveries of this message, starting at 1.
	Attempt int64
}

// Handler processes one delivery. A nil return acknowledges the message. An
// error marked retry.Permanent parks the message immediately; any other
// error leaves it pending for redelivery.
type Handler func(ctx context.Context, d Delivery) error

// ErrTransientSend means a transport-level send failed after exhausting its
// retry policy; callers surface it to metrics and logs, never to the chat
// response.
var ErrTransientSend = errors.New("pipeline: transient send failure")

// ErrBusy means the per-completion processing lock was held elsewhere; the
// delivery should be retried by the transport.
var ErrBusy = errors.New("pipeline: completion is being processed elsewhere")

// Transport is the billing message channel: transactional send plus
// consumer registration with manual acknowledgement and bounded redelivery.
type Transport interface {
	Send(ctx context.Context, msg Message, local LocalCheck) error
	Consume(ctx context.Context, handler Handler) error
}
