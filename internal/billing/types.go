// Package billing holds the metering domain types and the pure cost
// calculator: time-period classification and token-to-cost conversion.
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// UsageCalculation is the billing input produced once per upstream response
// and consumed exactly once by the billing pipeline.
type UsageCalculation struct {
	ChatCompletionID      string    `json:"chat_completion_id"`
	ModelType             string    `json:"model_type"`
	PromptCacheHitTokens  int64     `json:"prompt_cache_hit_tokens"`
	PromptCacheMissTokens int64     `json:"prompt_cache_miss_tokens"`
	CompletionTokens      int64     `json:"completion_tokens"`
	CreatedAt             time.Time `json:"created_at"`
}

// UsageRecord is the terminal durable billing artifact. At most one row is
// persisted per ChatCompletionID; the idempotency protocol in the pipeline
// enforces this, the unique index on the table is the backstop.
type UsageRecord struct {
	ChatCompletionID string
	UserID           string
	ModelType        string
	InputCost        decimal.Decimal
	OutputCost       decimal.Decimal
	PriceVersion     int
	CalculatedAt     time.Time
	Status           string
}

// Record statuses.
const (
	StatusCalculated = "calculated"
)
