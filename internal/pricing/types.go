// Package pricing provides read-through caching of price configuration.
//
// Price rows change rarely (a handful of writes per month) but are read on
// every billed completion, so the lookup path is built for heavy concurrent
// reads: a distributed lock collapses concurrent misses for the same key into
// a single backing-store query, confirmed absences are negative-cached, and
// every TTL carries random jitter so entries for the same model do not expire
// in the same second.
//
// Cache key layout is shared with existing deployments and must not change:
//
//	price:<model>:<period>:<cacheStatus>:<ioType>   positive entry, ~1h + jitter
//	NULL:<cacheKey>                                 negative marker, 5-15min
//	<cacheKey>:lock                                 mutual-exclusion lock
package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Period classifies a timestamp into a pricing window.
type Period string

const (
	PeriodDiscount Period = "discount"
	PeriodStandard Period = "standard"
)

// CacheStatus describes whether the prompt was served from the upstream
// provider's prompt cache. Output pricing does not depend on it.
type CacheStatus string

const (
	CacheHit  CacheStatus = "hit"
	CacheMiss CacheStatus = "miss"
	CacheNone CacheStatus = "none"
)

// IOType selects the input or output price row.
type IOType string

const (
	Input  IOType = "input"
	Output IOType = "output"
)

// Query is the immutable lookup key for a price row.
type Query struct {
	ModelType   string
	TimePeriod  Period
	CacheStatus CacheStatus
	IOType      IOType
}

// CacheKey returns the deterministic Redis key for this query.
func (q Query) CacheKey() string {
	return fmt.Sprintf("price:%s:%s:%s:%s", q.ModelType, q.TimePeriod, q.CacheStatus, q.IOType)
}

// Config is a price row. Prices are per million tokens. Rows are immutable
// once written; changes arrive as a new version with a later effective time.
type Config struct {
	Price         decimal.Decimal `json:"price"`
	Version       int             `json:"version"`
	EffectiveTime time.Time       `json:"effective_time"`
}
