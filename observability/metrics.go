package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wlpay"

var (
	runtimeMetricsOnce sync.Once
	runtimeRegistry    *RuntimeMetrics

	payoutMetricsOnce sync.Once
	payoutRegistry    *PayoutMetrics
)

// RuntimeMetrics wraps collectors tracking the host event loop.
type RuntimeMetrics struct {
	receipts     *prometheus.CounterVec
	transactions *prometheus.CounterVec
	txLatency    prometheus.Histogram
	pending      prometheus.Gauge
	refundsLost  prometheus.Counter
}

// Runtime exposes the lazily-initialised metrics registry for the host runtime.
func Runtime() *RuntimeMetrics {
	runtimeMetricsOnce.Do(func() {
		runtimeRegistry = &RuntimeMetrics{
			receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "runtime",
				Name:      "receipts_total",
				Help:      "Receipts executed by the host segmented by action kind and outcome.",
			}, []string{"kind", "outcome"}),
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "runtime",
				Name:      "transactions_total",
				Help:      "Finished transactions segmented by root outcome.",
			}, []string{"outcome"}),
			txLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "runtime",
				Name:      "transaction_duration_seconds",
				Help:      "Time between submission and resolution of the last receipt of a transaction.",
				Buckets:   prometheus.DefBuckets,
			}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "runtime",
				Name:      "pending_transactions",
				Help:      "Transactions with at least one unresolved receipt.",
			}),
			refundsLost: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "runtime",
				Name:      "refunds_lost_total",
				Help:      "Refunds that could not be credited because the predecessor no longer exists.",
			}),
		}
		prometheus.MustRegister(
			runtimeRegistry.receipts,
			runtimeRegistry.transactions,
			runtimeRegistry.txLatency,
			runtimeRegistry.pending,
			runtimeRegistry.refundsLost,
		)
	})
	return runtimeRegistry
}

// RecordReceipt increments the receipt counter.
func (m *RuntimeMetrics) RecordReceipt(kind, outcome string) {
	if m == nil {
		return
	}
	m.receipts.WithLabelValues(labelOrUnknown(kind), labelOrUnknown(outcome)).Inc()
}

// RecordTransaction records a finished transaction and its latency.
func (m *RuntimeMetrics) RecordTransaction(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(labelOrUnknown(outcome)).Inc()
	if d < 0 {
		d = 0
	}
	m.txLatency.Observe(d.Seconds())
}

// SetPending updates the pending transaction gauge.
func (m *RuntimeMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// RecordLostRefund counts a refund that had nowhere to go.
func (m *RuntimeMetrics) RecordLostRefund() {
	if m == nil {
		return
	}
	m.refundsLost.Inc()
}

// PayoutMetrics wraps collectors tracking the payout coordinator and daemon.
type PayoutMetrics struct {
	outcomes     *prometheus.CounterVec
	volume       *prometheus.CounterVec
	latency      prometheus.Histogram
	errors       *prometheus.CounterVec
	stranded     prometheus.Gauge
	pauseEngaged prometheus.Gauge
}

// Payouts exposes the metrics registry for the payout coordinator.
func Payouts() *PayoutMetrics {
	payoutMetricsOnce.Do(func() {
		payoutRegistry = &PayoutMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payouts",
				Name:      "outcomes_total",
				Help:      "Terminal states reached by payout chains.",
			}, []string{"outcome"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payouts",
				Name:      "volume_total",
				Help:      "Value moved by payout chains segmented by destination (receiver or payer).",
			}, []string{"destination"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "payouts",
				Name:      "chain_latency_seconds",
				Help:      "Latency distribution for completed payout chains.",
				Buckets:   prometheus.DefBuckets,
			}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payouts",
				Name:      "errors_total",
				Help:      "Count of payout failures segmented by reason.",
			}, []string{"reason"}),
			stranded: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "payouts",
				Name:      "stranded_entries",
				Help:      "Unresolved payouts whose refund to the payer failed.",
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "payouts",
				Name:      "pause_engaged",
				Help:      "Indicates whether the payout intake pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			payoutRegistry.outcomes,
			payoutRegistry.volume,
			payoutRegistry.latency,
			payoutRegistry.errors,
			payoutRegistry.stranded,
			payoutRegistry.pauseEngaged,
		)
	})
	return payoutRegistry
}

// RecordOutcome increments the terminal state counter and the value moved.
func (m *PayoutMetrics) RecordOutcome(outcome, destination string, amount *big.Int) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(labelOrUnknown(outcome)).Inc()
	if destination != "" && amount != nil && amount.Sign() > 0 {
		m.volume.WithLabelValues(destination).Add(bigToFloat(amount))
	}
}

// ObserveLatency records the end-to-end latency of a payout chain.
func (m *PayoutMetrics) ObserveLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(d.Seconds())
}

// RecordError increments the error counter for the supplied reason.
func (m *PayoutMetrics) RecordError(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.errors.WithLabelValues(reason).Inc()
}

// SetStranded updates the unresolved stranded entries gauge.
func (m *PayoutMetrics) SetStranded(n int) {
	if m == nil {
		return
	}
	m.stranded.Set(float64(n))
}

// SetPause toggles the pause_engaged gauge.
func (m *PayoutMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

func labelOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
