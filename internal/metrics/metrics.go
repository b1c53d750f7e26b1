// Package metrics defines the Prometheus collectors for the metering core.
// Billing failures never propagate to the caller, so these counters are the
// primary signal that something downstream needs attention.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector. Construct once with New and inject; the
// zero value is unusable.
type Metrics struct {
	MessagesProcessed prometheus.Counter
	DuplicatesSkipped prometheus.Counter
	MessagesParked    prometheus.Counter
	ConsumeFailures   prometheus.Counter
	SendRetries       prometheus.Counter
	SendFailures      prometheus.Counter
	LockTimeouts      prometheus.Counter
	CallerRuns        prometheus.Counter
	ConsumeDuration   prometheus.Histogram
}

// New registers all collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_messages_processed_total",
			Help: "Billing messages fully processed into a usage record.",
		}),
		DuplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_duplicates_skipped_total",
			Help: "Deliveries collapsed by an idempotency check.",
		}),
		MessagesParked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_messages_parked_total",
			Help: "Messages parked for manual inspection after exhausting redelivery.",
		}),
		ConsumeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_consume_failures_total",
			Help: "Deliveries that failed and were left for redelivery.",
		}),
		SendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_send_retries_total",
			Help: "Transactional send attempts beyond the first.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_send_failures_total",
			Help: "Sends that failed after exhausting the retry policy.",
		}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_lock_timeouts_total",
			Help: "Distributed lock acquisitions that timed out.",
		}),
		CallerRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_dispatch_caller_runs_total",
			Help: "Async tasks executed inline because the dispatch queue was full.",
		}),
		ConsumeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "billing_consume_duration_seconds",
			Help:    "End-to-end processing time per billing delivery.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.MessagesProcessed,
		m.DuplicatesSkipped,
		m.MessagesParked,
		m.ConsumeFailures,
		m.SendRetries,
		m.SendFailures,
		m.LockTimeouts,
		m.CallerRuns,
		m.ConsumeDuration,
	)
	return m
}

// NewUnregistered returns collectors bound to a throwaway registry, for
// tests and tools that do not expose metrics.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
