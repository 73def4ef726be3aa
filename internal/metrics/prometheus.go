package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "datagrid"

// Metrics holds all Prometheus metrics of a grid node. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Topology metrics
	TopologyUpdatesTotal   prometheus.Counter
	CurrentTopologyID      prometheus.Gauge
	BlockingWindowDuration prometheus.Histogram
	ClusterMembers         prometheus.Gauge

	// Transfer task metrics
	InboundTransfersActive  prometheus.Gauge
	OutboundTransfersActive prometheus.Gauge
	TransfersFailedTotal    *prometheus.CounterVec
	InboundTransferDuration prometheus.Histogram

	// Chunk and entry metrics
	ChunksSentTotal        prometheus.Counter
	ChunksReceivedTotal    prometheus.Counter
	EntriesSentTotal       prometheus.Counter
	EntriesReceivedTotal   prometheus.Counter
	EntriesAppliedTotal    prometheus.Counter
	ApplyFailuresTotal     prometheus.Counter
	UnsolicitedChunksTotal prometheus.Counter

	// Segment and transaction metrics
	SegmentsDiscardedTotal     prometheus.Counter
	KeysInvalidatedTotal       prometheus.Counter
	TransactionsMigratedTotal  prometheus.Counter
	DiscardScanDuration        prometheus.Histogram
	SegmentsAwaitingRetryTotal prometheus.Gauge

	// Command pipeline metrics
	CommandsTotal          *prometheus.CounterVec
	CommandDuration        *prometheus.HistogramVec
	CommandsForwardedTotal prometheus.Counter
}

// NewMetrics creates all metrics of a node on a dedicated registry that also carries the Go runtime
// and process collectors.
func NewMetrics(nodeID string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	counter := func(subsystem, name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	return &Metrics{
		registry: reg,

		TopologyUpdatesTotal: counter("topology", "updates_total", "Total number of installed topology updates"),
		CurrentTopologyID:    gauge("topology", "current_id", "Id of the currently installed topology"),
		BlockingWindowDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "topology",
			Name:        "blocking_window_duration_seconds",
			Help:        "Time write commands were held while a topology was installed",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us to ~26s
		}),
		ClusterMembers: gauge("topology", "members", "Number of members in the current topology"),

		InboundTransfersActive:  gauge("state_transfer", "inbound_active", "Number of active inbound transfer tasks"),
		OutboundTransfersActive: gauge("state_transfer", "outbound_active", "Number of active outbound transfer tasks"),
		TransfersFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "state_transfer",
			Name:        "failed_total",
			Help:        "Total number of transfer tasks abandoned after a failure",
			ConstLabels: labels,
		}, []string{"direction"}),
		InboundTransferDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "state_transfer",
			Name:        "inbound_duration_seconds",
			Help:        "Duration of completed inbound transfer tasks",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		ChunksSentTotal:        counter("state_transfer", "chunks_sent_total", "Total number of chunks sent"),
		ChunksReceivedTotal:    counter("state_transfer", "chunks_received_total", "Total number of chunks received"),
		EntriesSentTotal:       counter("state_transfer", "entries_sent_total", "Total number of entries sent"),
		EntriesReceivedTotal:   counter("state_transfer", "entries_received_total", "Total number of entries received"),
		EntriesAppliedTotal:    counter("state_transfer", "entries_applied_total", "Total number of received entries written locally"),
		ApplyFailuresTotal:     counter("state_transfer", "apply_failures_total", "Total number of received entries that failed to apply"),
		UnsolicitedChunksTotal: counter("state_transfer", "unsolicited_chunks_total", "Total number of discarded chunks"),

		SegmentsDiscardedTotal:    counter("state_transfer", "segments_discarded_total", "Total number of segments dropped after losing ownership"),
		KeysInvalidatedTotal:      counter("state_transfer", "keys_invalidated_total", "Total number of keys removed from discarded segments"),
		TransactionsMigratedTotal: counter("state_transfer", "transactions_migrated_total", "Total number of transactions received from previous owners"),
		DiscardScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "state_transfer",
			Name:        "discard_scan_duration_seconds",
			Help:        "Duration of the store-wide scan dropping lost segments",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		SegmentsAwaitingRetryTotal: gauge("state_transfer", "segments_awaiting_retry", "Number of segments whose transfer failed and awaits retry"),

		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "commands_total",
			Help:        "Total number of commands by type and status",
			ConstLabels: labels,
		}, []string{"type", "status"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "command_duration_seconds",
			Help:        "Histogram of command durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"type"}),
		CommandsForwardedTotal: counter("cache", "commands_forwarded_total", "Total number of commands forwarded to new owners after a topology change"),
	}
}

// Registry returns the registry holding the node's metrics
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordTopologyUpdate records an installed topology
func (m *Metrics) RecordTopologyUpdate(topologyID, members int, blockedSeconds float64) {
	if m == nil {
		return
	}
	m.TopologyUpdatesTotal.Inc()
	m.CurrentTopologyID.Set(float64(topologyID))
	m.ClusterMembers.Set(float64(members))
	m.BlockingWindowDuration.Observe(blockedSeconds)
}

// UpdateActiveTransfers sets the active task gauges
func (m *Metrics) UpdateActiveTransfers(inbound, outbound int) {
	if m == nil {
		return
	}
	if inbound >= 0 {
		m.InboundTransfersActive.Set(float64(inbound))
	}
	if outbound >= 0 {
		m.OutboundTransfersActive.Set(float64(outbound))
	}
}

// RecordTransferFailure records an abandoned task; direction is "inbound" or "outbound"
func (m *Metrics) RecordTransferFailure(direction string) {
	if m == nil {
		return
	}
	m.TransfersFailedTotal.WithLabelValues(direction).Inc()
}

// RecordInboundCompleted records a finished inbound task
func (m *Metrics) RecordInboundCompleted(seconds float64) {
	if m == nil {
		return
	}
	m.InboundTransferDuration.Observe(seconds)
}

// RecordChunkSent records an outbound chunk
func (m *Metrics) RecordChunkSent(entries int) {
	if m == nil {
		return
	}
	m.ChunksSentTotal.Inc()
	m.EntriesSentTotal.Add(float64(entries))
}

// RecordChunkReceived records an inbound chunk and how many of its entries were applied
func (m *Metrics) RecordChunkReceived(entries, applied, failed int) {
	if m == nil {
		return
	}
	m.ChunksReceivedTotal.Inc()
	m.EntriesReceivedTotal.Add(float64(entries))
	m.EntriesAppliedTotal.Add(float64(applied))
	m.ApplyFailuresTotal.Add(float64(failed))
}

// RecordUnsolicitedChunk records a discarded chunk
func (m *Metrics) RecordUnsolicitedChunk() {
	if m == nil {
		return
	}
	m.UnsolicitedChunksTotal.Inc()
}

// RecordDiscard records a discard of lost segments
func (m *Metrics) RecordDiscard(segments, keys int, seconds float64) {
	if m == nil {
		return
	}
	m.SegmentsDiscardedTotal.Add(float64(segments))
	m.KeysInvalidatedTotal.Add(float64(keys))
	m.DiscardScanDuration.Observe(seconds)
}

// RecordTransactionsMigrated records received transactions
func (m *Metrics) RecordTransactionsMigrated(n int) {
	if m == nil {
		return
	}
	m.TransactionsMigratedTotal.Add(float64(n))
}

// UpdateRetrySegments sets the number of segments awaiting retry
func (m *Metrics) UpdateRetrySegments(n int) {
	if m == nil {
		return
	}
	m.SegmentsAwaitingRetryTotal.Set(float64(n))
}

// RecordCommand records a command execution
func (m *Metrics) RecordCommand(cmdType string, err error, seconds float64) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CommandsTotal.WithLabelValues(cmdType, status).Inc()
	m.CommandDuration.WithLabelValues(cmdType).Observe(seconds)
}

// RecordCommandForwarded records a command re-sent to new owners
func (m *Metrics) RecordCommandForwarded() {
	if m == nil {
		return
	}
	m.CommandsForwardedTotal.Inc()
}
