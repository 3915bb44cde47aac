package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a simulation run.
type Metrics struct {
	// --- Engine ---
	StepsApplied   prometheus.Counter
	StepsRejected  *prometheus.CounterVec
	StepDuration   prometheus.Histogram
	StateHashDur   prometheus.Histogram
	CurrentStep    prometheus.Gauge
	Actions        *prometheus.CounterVec
	Skips          *prometheus.CounterVec
	InvariantFails *prometheus.CounterVec

	// --- Pool ---
	PoolTVL            prometheus.Gauge
	PoolLPShares       prometheus.Gauge
	AssetHoldings      *prometheus.GaugeVec
	AssetRatio         *prometheus.GaugeVec
	AssetOI            *prometheus.GaugeVec
	AssetShortInterest *prometheus.GaugeVec
	AssetFees          *prometheus.GaugeVec
	AssetYield         *prometheus.GaugeVec
	AssetOpenPnL       *prometheus.GaugeVec
	Agents             *prometheus.GaugeVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Ingestion ---
	TicksReceived   *prometheus.CounterVec
	TickDuplicates  *prometheus.CounterVec
	DedupLRUSize    prometheus.Gauge
	TickParseErrors prometheus.Counter

	// --- Persistence ---
	PersistStepsWritten prometheus.Counter
	PersistBatchDur     prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistRetry        prometheus.Counter
	PersistLastStep     prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with reg. Pass
// prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	stepBuckets := []float64{
		0.00005, 0.0001, 0.00025, 0.0005, 0.001,
		0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	}

	return &Metrics{
		// Engine
		StepsApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_sim_steps_applied_total",
			Help: "Steps applied by the engine",
		}),

		StepsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_sim_steps_rejected_total",
			Help: "Ticks rejected before any state mutation",
		}, []string{"reason"}),

		StepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_sim_step_duration_seconds",
			Help:    "Time to apply one step",
			Buckets: stepBuckets,
		}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_sim_state_hash_duration_seconds",
			Help:    "Time to compute the state hash",
			Buckets: stepBuckets,
		}),

		CurrentStep: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_sim_current_step",
			Help: "Last applied step",
		}),

		Actions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_sim_actions_total",
			Help: "Committed agent actions",
		}, []string{"action"}),

		Skips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_sim_skips_total",
			Help: "Proposed actions that were not committed",
		}, []string{"reason"}),

		InvariantFails: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_sim_invariant_violations_total",
			Help: "Post-step invariant check failures",
		}, []string{"check"}),

		// Pool
		PoolTVL: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_pool_tvl",
			Help: "Pool TVL at low prices",
		}),

		PoolLPShares: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_pool_lp_shares",
			Help: "Outstanding LP shares",
		}),

		AssetHoldings: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_pool_holdings",
			Help: "Pool holdings per asset",
		}, []string{"asset"}),

		AssetRatio: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_pool_ratio",
			Help: "Pool allocation ratio per asset",
		}, []string{"asset"}),

		AssetOI: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_pool_open_interest",
			Help: "Open interest per asset and side",
		}, []string{"asset", "side"}),

		AssetShortInterest: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_pool_short_interest",
			Help: "Notional reserved by open shorts per stable",
		}, []string{"asset"}),

		AssetFees: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_pool_fees_collected",
			Help: "Cumulative fees collected per asset",
		}, []string{"asset"}),

		AssetYield: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_pool_yield",
			Help: "Annualized LP yield per asset",
		}, []string{"asset"}),

		AssetOpenPnL: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_pool_open_pnl",
			Help: "Unrealized PnL of open positions from the pool side",
		}, []string{"asset", "side"}),

		Agents: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_sim_agents",
			Help: "Registered agents",
		}, []string{"kind"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_size",
			Help: "Current buffer occupancy",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_capacity",
			Help: "Buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_utilization",
			Help: "size / capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_projection_drops_total",
			Help: "Step reports dropped by a full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_drops_total",
			Help: "Step reports dropped by a full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Ingestion
		TicksReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_ingest_ticks_total",
			Help: "Price ticks read from a source",
		}, []string{"source"}),

		TickDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_ingest_tick_duplicates_total",
			Help: "Redelivered ticks dropped by deduplication",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_ingest_dedup_lru_size",
			Help: "Entries in the tick dedup LRU",
		}),

		TickParseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_ingest_parse_errors_total",
			Help: "Messages that could not be parsed into a tick",
		}),

		// Persistence
		PersistStepsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_steps_written_total",
			Help: "Step reports written to Postgres",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Time to write one batch",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastStep: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_step",
			Help: "Last persisted step",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
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
