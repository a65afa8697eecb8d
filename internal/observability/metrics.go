package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpVault.
type Metrics struct {
	// --- Core Processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreSequence         prometheus.Gauge

	// --- Trading ---
	TradesOpened    *prometheus.CounterVec
	TradesClosed    *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	FundingAccruals *prometheus.CounterVec
	CommissionTotal prometheus.Counter

	// --- PnL Aggregation ---
	PnlRunsStarted    prometheus.Counter
	PnlRunsFinalized  prometheus.Counter
	PnlRunsSuperseded prometheus.Counter
	PnlAssetsPriced   prometheus.Counter

	// --- Epochs ---
	EpochsRolled       prometheus.Counter
	DepositsIntegrated prometheus.Counter
	WithdrawalsFunded  prometheus.Counter
	WithdrawalsClaimed prometheus.Counter
	EscrowOutstanding  prometheus.Gauge
	SharePrice         prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Gauge

	// --- Ingestion ---
	NATSMessagesReceived *prometheus.CounterVec
	NATSParseErrors      *prometheus.CounterVec

	// --- Persistence ---
	PersistCommandsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken    prometheus.Counter
	SnapshotDuration prometheus.Histogram
	SnapshotLastSeq  prometheus.Gauge
	ReplayTotal      prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreCommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"command_type"}),

		CoreCommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_core_commands_rejected_total",
			Help: "Commands rejected (dedup, validation, state, solvency)",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_core_sequence",
			Help: "Current global sequence number",
		}),

		TradesOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_trades_opened_total",
			Help: "Positions opened",
		}, []string{"asset", "side"}),

		TradesClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_trades_closed_total",
			Help: "Positions closed",
		}, []string{"asset", "reason"}),

		OrdersCancelled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_orders_cancelled_total",
			Help: "Resting orders cancelled",
		}, []string{"asset"}),

		FundingAccruals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_funding_accruals_total",
			Help: "Hourly funding index advances",
		}, []string{"asset"}),

		CommissionTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_commission_collected_total",
			Help: "Total commission collected (6-dec USD)",
		}),

		PnlRunsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_pnl_runs_started_total",
			Help: "Unrealized PnL aggregation runs started",
		}),

		PnlRunsFinalized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_pnl_runs_finalized_total",
			Help: "Runs that covered every listed asset",
		}),

		PnlRunsSuperseded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_pnl_runs_superseded_total",
			Help: "Runs abandoned (expired or wrong epoch)",
		}),

		PnlAssetsPriced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_pnl_assets_priced_total",
			Help: "Asset contributions folded into runs",
		}),

		EpochsRolled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_epochs_rolled_total",
			Help: "Epoch settlements executed",
		}),

		DepositsIntegrated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_deposits_integrated_total",
			Help: "LP deposits converted to shares",
		}),

		WithdrawalsFunded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_withdrawals_funded_total",
			Help: "USD moved to withdrawal escrow (6-dec)",
		}),

		WithdrawalsClaimed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_withdrawals_claimed_total",
			Help: "Withdrawal claims paid out",
		}),

		EscrowOutstanding: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_escrow_outstanding",
			Help: "Burned-but-unfunded withdrawal USD (6-dec)",
		}),

		SharePrice: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_share_price",
			Help: "Share price fixed at the last epoch roll (6-dec)",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_dedup_lru_evictions",
			Help: "Cumulative LRU evictions since start",
		}),

		NATSMessagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_nats_messages_received_total",
			Help: "Messages pulled from JetStream",
		}, []string{"subject"}),

		NATSParseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_nats_parse_errors_total",
			Help: "Messages that failed command decoding",
		}, []string{"subject"}),

		PersistCommandsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_commands_written_total",
			Help: "Command envelopes written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_replay_commands_total",
			Help: "Commands replayed on startup",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
