package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bank ledger.
type Metrics struct {
	// --- Core processing ---
	CoreOpsApplied   *prometheus.CounterVec
	CoreOpsRejected  *prometheus.CounterVec
	CoreOpDuration   *prometheus.HistogramVec
	CoreJournals     *prometheus.CounterVec
	CoreSequence     prometheus.Gauge
	AccountsTotal    prometheus.Gauge
	CustodyHeldTotal prometheus.Gauge
	FeesCollected    prometheus.Gauge
	DerivationBumps  prometheus.Histogram

	// --- Channels & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics registers all metrics on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ioBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	return &Metrics{
		CoreOpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pda_core_ops_applied_total",
			Help: "Operations successfully applied by core",
		}, []string{"op"}),

		CoreOpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pda_core_ops_rejected_total",
			Help: "Operations rejected by core, by error kind",
		}, []string{"op", "reason"}),

		CoreOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pda_core_op_apply_duration_seconds",
			Help:    "Time to apply a single operation in core",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pda_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "pda_core_sequence",
			Help: "Next sequence the core will assign",
		}),

		AccountsTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "pda_accounts_total",
			Help: "Bank accounts in the store",
		}),

		CustodyHeldTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "pda_custody_held_total",
			Help: "Sum of funds held in custody across all accounts",
		}),

		FeesCollected: f.NewGauge(prometheus.GaugeOpts{
			Name: "pda_fees_collected_total",
			Help: "Balance of the system fee account",
		}),

		DerivationBumps: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pda_derivation_bump_searches",
			Help:    "Candidates tried before finding an off-curve address",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 16},
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pda_channel_size",
			Help: "Items currently buffered in a channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pda_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pda_channel_utilization_ratio",
			Help: "size / capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pda_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "pda_publish_drops_total",
			Help: "Outbound notifications dropped",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pda_idempotency_duplicates_total",
			Help: "Duplicate operations skipped, by tier",
		}, []string{"op", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "pda_dedup_lru_size",
			Help: "Entries in the in-memory dedup cache",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "pda_dedup_tier2_errors_total",
			Help: "Failed Postgres dedup lookups",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "pda_persist_events_written_total",
			Help: "Operations written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "pda_persist_journals_written_total",
			Help: "Journal rows written",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pda_persist_batch_duration_seconds",
			Help:    "Time to commit one persistence batch",
			Buckets: ioBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pda_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"stage"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "pda_persist_last_sequence",
			Help: "Highest sequence durably written",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "pda_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pda_snapshot_duration_seconds",
			Help:    "Time to write a snapshot",
			Buckets: ioBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "pda_snapshot_size_bytes",
			Help: "Size of the latest snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "pda_snapshot_last_sequence",
			Help: "Sequence of the latest snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pda_replay_events_total",
			Help: "Operations replayed during recovery",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pda_query_requests_total",
			Help: "API requests",
		}, []string{"transport", "method"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pda_query_duration_seconds",
			Help:    "API request latency",
			Buckets: ioBuckets,
		}, []string{"transport", "method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pda_query_errors_total",
			Help: "API requests that returned an error",
		}, []string{"transport", "method", "code"}),
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
