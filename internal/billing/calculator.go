package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ledgerline/metering/internal/pricing"
)

// The discount window is defined in business local time. The business zone
// is UTC+8 with no DST, so a fixed offset keeps classification independent
// of the host's tzdata.
var businessZone = time.FixedZone("UTC+8", 8*60*60)

// Window is a daily time window expressed as offsets from local midnight.
// An end offset numerically before the start means the window wraps past
// midnight.
type Window struct {
	Start time.Duration
	End   time.Duration
}

// DefaultDiscountWindow is the nightly discount period, [00:30, 08:30) local.
var DefaultDiscountWindow = Window{
	Start: 30 * time.Minute,
	End:   8*time.Hour + 30*time.Minute,
}

var oneMillion = decimal.NewFromInt(1_000_000)

// PriceLookup resolves price rows. Satisfied by *pricing.Cache.
type PriceLookup interface {
	GetPriceConfig(ctx context.Context, q pricing.Query) (*pricing.Config, error)
}

// Calculator converts token usage into costs. Classification and rounding
// are pure; price resolution goes through the injected lookup.
type Calculator struct {
	prices PriceLookup
	log    zerolog.Logger

	mu       sync.RWMutex
	discount Window
}

// NewCalculator creates a calculator with the default discount window.
func NewCalculator(prices PriceLookup, logger zerolog.Logger) *Calculator {
	return &Calculator{
		prices:   prices,
		discount: DefaultDiscountWindow,
		log:      logger.With().Str("component", "cost_calculator").Logger(),
	}
}

// SetDiscountWindow overrides the discount window. Safe to call while cost
// calculation is running; in-flight classifications use whichever window they
// read first.
func (c *Calculator) SetDiscountWindow(w Window) {
	c.mu.Lock()
	c.discount = w
	c.mu.Unlock()
	c.log.Info().
		Dur("start", w.Start).
		Dur("end", w.End).
		Msg("discount window updated")
}

// DiscountWindow returns the active discount window.
func (c *Calculator) DiscountWindow() Window {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.discount
}

// DetermineTimePeriod classifies a UTC timestamp against the discount window
// in business local time. The window start is inclusive and the end is
// exclusive, so 00:30:00 is discount and 08:30:00 is standard.
func (c *Calculator) DetermineTimePeriod(utc time.Time) pricing.Period {
	window := c.DiscountWindow()
	local := utc.In(businessZone)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, businessZone)

	start := midnight.Add(window.Start)
	end := midnight.Add(window.End)
	if end.Before(start) {
		end = end.Add(24 * time.Hour)
	}

	if !local.Before(start) && local.Before(end) {
		return pricing.PeriodDiscount
	}

	// A wrapping window also covers the early-morning side of midnight:
	// for [23:00, 01:00), a timestamp at 00:30 belongs to the window that
	// started the previous day.
	if window.End < window.Start {
		prevStart := start.Add(-24 * time.Hour)
		prevEnd := end.Add(-24 * time.Hour)
		if !local.Before(prevStart) && local.Before(prevEnd) {
			return pricing.PeriodDiscount
		}
	}
	return pricing.PeriodStandard
}

// TokenCost converts a token count into a cost given a per-million-token
// price. The two rounding stages are deliberate and load-bearing: divide to
// six decimals half-up, multiply, then round to four decimals half-up. Any
// other order produces cent-level drift against existing billing data.
func TokenCost(tokens int64, pricePerMillion decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(tokens).
		DivRound(oneMillion, 6).
		Mul(pricePerMillion).
		Round(4)
}

// InputCost prices the prompt side. Cache status is hit when any prompt
// tokens were served from the provider's prompt cache; the priced token
// count is always hit + miss.
func (c *Calculator) InputCost(ctx context.Context, usage UsageCalculation, period pricing.Period) (decimal.Decimal, error) {
	status := pricing.CacheMiss
	if usage.PromptCacheHitTokens > 0 {
		status = pricing.CacheHit
	}

	cfg, err := c.prices.GetPriceConfig(ctx, pricing.Query{
		ModelType:   usage.ModelType,
		TimePeriod:  period,
		CacheStatus: status,
		IOType:      pricing.Input,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("input price for %s: %w", usage.ModelType, err)
	}

	tokens := usage.PromptCacheHitTokens + usage.PromptCacheMissTokens
	return TokenCost(tokens, cfg.Price), nil
}

// OutputCost prices the completion side. Output pricing carries no cache
// dimension.
func (c *Calculator) OutputCost(ctx context.Context, usage UsageCalculation, period pricing.Period) (decimal.Decimal, error) {
	cfg, err := c.prices.GetPriceConfig(ctx, pricing.Query{
		ModelType:   usage.ModelType,
		TimePeriod:  period,
		CacheStatus: pricing.CacheNone,
		IOType:      pricing.Output,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("output price for %s: %w", usage.ModelType, err)
	}
	return TokenCost(usage.CompletionTokens, cfg.Price), nil
}

// PriceVersion returns the version stamped on the usage record. By
// convention it is read from the output-side row.
func (c *Calculator) PriceVersion(ctx context.Context, usage UsageCalculation, period pricing.Period) (int, error) {
	cfg, err := c.prices.GetPriceConfig(ctx, pricing.Query{
		ModelType:   usage.ModelType,
		TimePeriod:  period,
		CacheStatus: pricing.CacheNone,
		IOType:      pricing.Output,
	})
	if err != nil {
		return 0, fmt.Errorf("price version for %s: %w", usage.ModelType, err)
	}
	return cfg.Version, nil
}
