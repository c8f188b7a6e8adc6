package payoutd

import "whitelistpayouts/observability"

// Metrics exposes Prometheus collectors for payout chains.
type Metrics = observability.PayoutMetrics

// NewMetrics returns a lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Payouts() }
