package observability

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LoanLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreSequence       prometheus.Gauge

	// --- Channels & Backpressure ---
	ChannelSize  *prometheus.GaugeVec
	PublishDrops prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter

	// --- Lending ---
	LoanTotal         *prometheus.GaugeVec
	StakeTotal        *prometheus.GaugeVec
	LoansLiquidated   *prometheus.CounterVec
	LiquidationChecks *prometheus.CounterVec
	SwapsRouted       *prometheus.CounterVec
	PriceUpdates      *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistRetries       prometheus.Counter
	PersistErrors        prometheus.Counter

	// --- Transport ---
	NATSMessages  *prometheus.CounterVec
	GRPCRequests  *prometheus.CounterVec
	GRPCRateLimit prometheus.Counter
}

// NewMetrics registers every metric with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_core_events_applied_total",
			Help: "Events applied by the core engine",
		}, []string{"event_type"}),
		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_core_events_rejected_total",
			Help: "Events rejected by the core engine",
		}, []string{"event_type", "reason"}),
		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loan_core_event_apply_duration_seconds",
			Help:    "Time to apply one event",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"event_type"}),
		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "loan_core_sequence",
			Help: "Last assigned global sequence",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loan_channel_size",
			Help: "Buffered items per output channel",
		}, []string{"channel"}),
		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "loan_publish_drops_total",
			Help: "Outbound events dropped because the publish channel was full",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_idempotency_duplicates_total",
			Help: "Duplicate events detected per tier",
		}, []string{"event_type", "tier"}),
		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "loan_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),
		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "loan_dedup_lru_evictions_total",
			Help: "Idempotency LRU evictions",
		}),
		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "loan_dedup_tier2_errors_total",
			Help: "Failed Postgres idempotency lookups",
		}),

		LoanTotal: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loan_total_principal",
			Help: "Principal across active loans per asset",
		}, []string{"asset"}),
		StakeTotal: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loan_stake_total",
			Help: "Staked amount per asset",
		}, []string{"asset"}),
		LoansLiquidated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_liquidations_total",
			Help: "Loans liquidated per asset",
		}, []string{"asset"}),
		LiquidationChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_liquidation_checks_total",
			Help: "Liquidation attempts by result",
		}, []string{"result"}),
		SwapsRouted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_swaps_routed_total",
			Help: "Swaps routed by result",
		}, []string{"result"}),
		PriceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_price_updates_total",
			Help: "Oracle price updates by result",
		}, []string{"asset", "result"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "loan_persist_events_written_total",
			Help: "Events written to the event log",
		}),
		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "loan_persist_batch_duration_seconds",
			Help:    "Event log batch write latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		PersistRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "loan_persist_retries_total",
			Help: "Event log batch write retries",
		}),
		PersistErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "loan_persist_errors_total",
			Help: "Event log batches abandoned after retries",
		}),

		NATSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_nats_messages_total",
			Help: "NATS messages consumed by subject class and result",
		}, []string{"kind", "result"}),
		GRPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_grpc_requests_total",
			Help: "gRPC requests by method and status code",
		}, []string{"method", "code"}),
		GRPCRateLimit: f.NewCounter(prometheus.CounterOpts{
			Name: "loan_grpc_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}
}

// BigToFloat converts an amount for gauge export. Precision loss is acceptable
// for monitoring.
func BigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
