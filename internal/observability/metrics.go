package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for IRSLedger.
// Every recording method is safe on a nil *Metrics so engines can run without a registry.
type Metrics struct {
	// --- Rate oracle ---
	OracleUpdates      *prometheus.CounterVec
	OracleSourceErrors *prometheus.CounterVec
	OracleRate         prometheus.Gauge
	OracleSnapshots    prometheus.Gauge
	OracleStaleReads   prometheus.Counter

	// --- Positions & settlement ---
	PositionsOpened    prometheus.Counter
	PositionsTerminal  *prometheus.CounterVec
	OpenPositions      prometheus.Gauge
	SettlementsApplied prometheus.Counter
	ShortfallAbsorbed  prometheus.Counter
	HealthCache        *prometheus.CounterVec

	// --- Liquidation ---
	LiquidationAttempts *prometheus.CounterVec
	LiquidationSeized   prometheus.Counter
	LiquidatorRewards   prometheus.Counter
	ProtocolRevenue     prometheus.Counter
	BatchDuration       prometheus.Histogram

	// --- Core dispatch & backpressure ---
	CoreEventsEmitted   *prometheus.CounterVec
	CoreJournals        *prometheus.CounterVec
	CoreSequence        prometheus.Gauge
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge
	SnapshotTaken          prometheus.Counter
	SnapshotSizeBytes      prometheus.Gauge

	// --- Ingestion ---
	FeedMessages     *prometheus.CounterVec
	OutboundMessages *prometheus.CounterVec

	// --- Keeper ---
	KeeperRuns *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them on reg.
// Pass prometheus.DefaultRegisterer in the binary and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	dbBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	return &Metrics{
		// Rate oracle
		OracleUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irs_oracle_updates_total",
			Help: "Oracle update attempts",
		}, []string{"result"}),

		OracleSourceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irs_oracle_source_errors_total",
			Help: "Rate source poll failures",
		}, []string{"source"}),

		OracleRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "irs_oracle_rate",
			Help: "Last aggregated floating rate (annualized, 1.0 = 100%)",
		}),

		OracleSnapshots: f.NewGauge(prometheus.GaugeOpts{
			Name: "irs_oracle_snapshots",
			Help: "Retained rate snapshots",
		}),

		OracleStaleReads: f.NewCounter(prometheus.CounterOpts{
			Name: "irs_oracle_stale_reads_total",
			Help: "Reads rejected because the rate was stale or missing",
		}),

		// Positions & settlement
		PositionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "irs_positions_opened_total",
			Help: "Positions opened",
		}),

		PositionsTerminal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irs_positions_terminal_total",
			Help: "Positions that reached a terminal status",
		}, []string{"status"}),

		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "irs_open_positions",
			Help: "Currently active positions",
		}),

		SettlementsApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "irs_settlements_applied_total",
			Help: "Settlements that advanced lastSettlement",
		}),

		ShortfallAbsorbed: f.NewCounter(prometheus.CounterOpts{
			Name: "irs_shortfall_absorbed_total",
			Help: "Losses beyond posted margin absorbed by the protocol",
		}),

		HealthCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irs_health_cache_total",
			Help: "Health report cache lookups",
		}, []string{"result"}),

		// Liquidation
		LiquidationAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irs_liquidation_attempts_total",
			Help: "Liquidation attempts by outcome",
		}, []string{"outcome"}),

		LiquidationSeized: f.NewCounter(prometheus.CounterOpts{
			Name: "irs_liquidation_seized_total",
			Help: "Margin seized by liquidations",
		}),

		LiquidatorRewards: f.NewCounter(prometheus.CounterOpts{
			Name: "irs_liquidator_rewards_total",
			Help: "Rewards paid to liquidators",
		}),

		ProtocolRevenue: f.NewCounter(prometheus.CounterOpts{
			Name: "irs_protocol_revenue_total",
			Help: "Net protocol fee retained from liquidations",
		}),

		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "irs_liquidation_batch_duration_seconds",
			Help:    "Wall time of one batch liquidation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		// Core dispatch
		CoreEventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irs_core_events_emitted_total",
			Help: "Domain events sequenced by the dispatcher",
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irs_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "irs_core_sequence",
			Help: "Current global sequence number",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "irs_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "irs_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "irs_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irs_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "irs_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "irs_persist_backpressure_total",
			Help: "Times the dispatcher blocked on the persist channel",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "irs_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "irs_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "irs_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: dbBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irs_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "irs_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "irs_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "irs_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "irs_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		// Ingestion
		FeedMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irs_feed_messages_total",
			Help: "Rate feed messages received",
		}, []string{"result"}),

		OutboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irs_outbound_messages_total",
			Help: "Events published to NATS",
		}, []string{"result"}),

		// Keeper
		KeeperRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irs_keeper_runs_total",
			Help: "Keeper loop iterations",
		}, []string{"loop", "result"}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irs_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "irs_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	if m == nil {
		return
	}
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

// ObserveOracleUpdate records one oracle update attempt.
func (m *Metrics) ObserveOracleUpdate(err error, rate float64, snapshots int) {
	if m == nil {
		return
	}
	if err != nil {
		m.OracleUpdates.WithLabelValues("error").Inc()
		return
	}
	m.OracleUpdates.WithLabelValues("ok").Inc()
	m.OracleRate.Set(rate)
	m.OracleSnapshots.Set(float64(snapshots))
}

// ObserveSourceError records a failed poll of one rate source.
func (m *Metrics) ObserveSourceError(source string) {
	if m == nil {
		return
	}
	m.OracleSourceErrors.WithLabelValues(source).Inc()
}

// ObserveStaleRead records a rejected read of a stale or missing rate.
func (m *Metrics) ObserveStaleRead() {
	if m == nil {
		return
	}
	m.OracleStaleReads.Inc()
}

// ObservePositionOpened records a new active position.
func (m *Metrics) ObservePositionOpened() {
	if m == nil {
		return
	}
	m.PositionsOpened.Inc()
	m.OpenPositions.Inc()
}

// ObservePositionTerminal records a position leaving the active set.
func (m *Metrics) ObservePositionTerminal(status string, shortfall float64) {
	if m == nil {
		return
	}
	m.PositionsTerminal.WithLabelValues(status).Inc()
	m.OpenPositions.Dec()
	if shortfall > 0 {
		m.ShortfallAbsorbed.Add(shortfall)
	}
}

// SetOpenPositions resets the gauge after a restore.
func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(n))
}

// ObserveSettlement records one settlement that moved lastSettlement forward.
func (m *Metrics) ObserveSettlement() {
	if m == nil {
		return
	}
	m.SettlementsApplied.Inc()
}

// ObserveHealthCache records a health cache hit or miss.
func (m *Metrics) ObserveHealthCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.HealthCache.WithLabelValues("hit").Inc()
	} else {
		m.HealthCache.WithLabelValues("miss").Inc()
	}
}

// ObserveLiquidation records a liquidation attempt. Amounts are only added on success.
func (m *Metrics) ObserveLiquidation(outcome string, seized, reward, revenue float64) {
	if m == nil {
		return
	}
	m.LiquidationAttempts.WithLabelValues(outcome).Inc()
	m.LiquidationSeized.Add(seized)
	m.LiquidatorRewards.Add(reward)
	if revenue > 0 {
		m.ProtocolRevenue.Add(revenue)
	}
}

// ObserveBatch records the duration of a batch liquidation.
func (m *Metrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(d.Seconds())
}

// ObserveEvent records one sequenced event.
func (m *Metrics) ObserveEvent(eventType string, sequence int64) {
	if m == nil {
		return
	}
	m.CoreEventsEmitted.WithLabelValues(eventType).Inc()
	m.CoreSequence.Set(float64(sequence))
}

// ObserveJournal records one generated journal entry.
func (m *Metrics) ObserveJournal(journalType string) {
	if m == nil {
		return
	}
	m.CoreJournals.WithLabelValues(journalType).Inc()
}

// ObserveKeeperRun records one keeper loop iteration.
func (m *Metrics) ObserveKeeperRun(loop string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.KeeperRuns.WithLabelValues(loop, result).Inc()
}

// ObserveQuery records one query API request.
func (m *Metrics) ObserveQuery(endpoint, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueryRequests.WithLabelValues(endpoint, status).Inc()
	m.QueryDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveBackpressure records one blocking send on the persist channel.
func (m *Metrics) ObserveBackpressure() {
	if m == nil {
		return
	}
	m.PersistBackpressure.Inc()
}

// ObserveDrop records one output dropped on a full lossy channel.
func (m *Metrics) ObserveDrop(channel string) {
	if m == nil {
		return
	}
	if channel == "publish" {
		m.PublishDrops.Inc()
		return
	}
	m.ProjectionDrops.WithLabelValues(channel).Inc()
}

// ObservePersistFlush records one committed persistence batch.
func (m *Metrics) ObservePersistFlush(events, journals int, lastSequence int64, d time.Duration) {
	if m == nil {
		return
	}
	m.PersistEventsWritten.Add(float64(events))
	m.PersistJournalsWritten.Add(float64(journals))
	m.PersistBatchDur.Observe(d.Seconds())
	if lastSequence >= 0 {
		m.PersistLastSequence.Set(float64(lastSequence))
	}
}

// ObservePersistError records one failed flush attempt.
func (m *Metrics) ObservePersistError(errorType string, retrying bool) {
	if m == nil {
		return
	}
	m.PersistErrors.WithLabelValues(errorType).Inc()
	if retrying {
		m.PersistRetry.Inc()
	}
}

// ObserveSnapshot records one saved snapshot.
func (m *Metrics) ObserveSnapshot(sizeBytes int) {
	if m == nil {
		return
	}
	m.SnapshotTaken.Inc()
	m.SnapshotSizeBytes.Set(float64(sizeBytes))
}

// ObserveFeedMessage records one inbound rate feed message: "ok", "rejected" or "retry".
func (m *Metrics) ObserveFeedMessage(result string) {
	if m == nil {
		return
	}
	m.FeedMessages.WithLabelValues(result).Inc()
}

// ObserveOutbound records one outbound publish attempt.
func (m *Metrics) ObserveOutbound(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OutboundMessages.WithLabelValues(result).Inc()
}
