// Package pipeline moves billing work from the request path to the billing
// consumer through an asynchronous, retryable transport.
//
// The producer half uses a half-message protocol: a staged message is
// invisible to consumers until a local-transaction check confirms commit
// intent, and in-doubt messages are later resolved by a check callback that
// consults persisted state rather than producer memory. The consumer half is
// idempotent under at-least-once delivery: layered duplicate checks, a short
// distributed lock, and a post-lock recheck guarantee at most one persisted
// usage record per completion id regardless of redelivery or concurrent
// consumers.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/ledgerline/metering/internal/billing"
)

// Message is a billing message keyed by completion id.
type Message struct {
	CompletionID string
	UserID       string
	Body         []byte
}

// NewMessage builds a message from a usage calculation.
func NewMessage(userID string, usage billing.UsageCalculation) (Message, error) {
	body, err := json.Marshal(usage)
	if err != nil {
		return Message{}, fmt.Errorf("marshal usage calculation: %w", err)
	}
	return Message{
		CompletionID: usage.ChatCompletionID,
		UserID:       userID,
		Body:         body,
	}, nil
}

// Usage decodes the carried usage calculation.
func (m Message) Usage() (billing.UsageCalculation, error) {
	var usage billing.UsageCalculation
	if err := json.Unmarshal(m.Body, &usage); err != nil {
		return billing.UsageCalculation{}, fmt.Errorf("unmarshal usage calculation: %w", err)
	}
	return usage, nil
}
