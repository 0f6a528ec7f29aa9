// Package metrics provides Prometheus metrics for the audio ingest
// pipeline, the burst decoder, and the health monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for audio sources, the
// source manager, and the master buffer.
type IngestMetrics struct {
	registry *prometheus.Registry

	// Per-source lifecycle metrics
	sourceState      *prometheus.GaugeVec
	sourceSilent     *prometheus.GaugeVec
	sourceLevel      *prometheus.GaugeVec
	sourceRestarts   *prometheus.CounterVec
	captureErrors    *prometheus.CounterVec
	chunksCaptured   *prometheus.CounterVec
	watchdogTimeouts *prometheus.CounterVec

	// Per-source ring buffer metrics
	ringDroppedFrames *prometheus.CounterVec
	ringOverrunFrames *prometheus.CounterVec
	ringUtilization   *prometheus.GaugeVec

	// Manager and master buffer metrics
	activeSource      *prometheus.GaugeVec
	failovers         *prometheus.CounterVec
	masterChunks      *prometheus.CounterVec
	masterOverruns    prometheus.Counter
	masterUtilization prometheus.Gauge
	masterPeakFill    prometheus.Gauge
}

// NewIngestMetrics creates and registers new ingest metrics.
func NewIngestMetrics(registry *prometheus.Registry) (*IngestMetrics, error) {
	m := &IngestMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *IngestMetrics) initMetrics() {
	m.sourceState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_source_state",
			Help: "Source lifecycle state (0=stopped, 1=starting, 2=running, 3=degraded, 4=failed, 5=watchdog_timeout)",
		},
		[]string{"source"},
	)

	m.sourceSilent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_source_silent",
			Help: "Whether the source is currently flagged silent (0 or 1)",
		},
		[]string{"source"},
	)

	m.sourceLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_source_level_dbfs",
			Help: "Most recent RMS level of the source in dBFS",
		},
		[]string{"source"},
	)

	m.sourceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_source_restarts_total",
			Help: "Total number of capture restarts per source",
		},
		[]string{"source", "reason"}, // reason: a classifyFailure value, e.g. watchdog_timeout, eof
	)

	m.captureErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_capture_errors_total",
			Help: "Total number of capture loop errors per source",
		},
		[]string{"source"},
	)

	m.chunksCaptured = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_chunks_captured_total",
			Help: "Total number of PCM chunks captured per source",
		},
		[]string{"source"},
	)

	m.watchdogTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_watchdog_timeouts_total",
			Help: "Total number of watchdog timeouts per source",
		},
		[]string{"source"},
	)

	m.ringDroppedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_ring_dropped_frames_total",
			Help: "Frames rejected by a full source ring buffer",
		},
		[]string{"source"},
	)

	m.ringOverrunFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_ring_overrun_frames_total",
			Help: "Frames evicted from a full source ring buffer",
		},
		[]string{"source"},
	)

	m.ringUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_ring_utilization_ratio",
			Help: "Source ring buffer fill ratio (0.0 to 1.0)",
		},
		[]string{"source"},
	)

	m.activeSource = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_active_source",
			Help: "Whether this source currently feeds the master buffer (0 or 1)",
		},
		[]string{"source"},
	)

	m.failovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_failovers_total",
			Help: "Total number of active source switches",
		},
		[]string{"reason"},
	)

	m.masterChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_master_chunks_total",
			Help: "Chunks written to the master buffer",
		},
		[]string{"kind"}, // kind: live, silence
	)

	m.masterOverruns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_master_overrun_frames_total",
			Help: "Frames evicted from the master buffer, each one lost audio",
		},
	)

	m.masterUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_master_utilization_ratio",
			Help: "Master buffer fill ratio (0.0 to 1.0)",
		},
	)

	m.masterPeakFill = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_master_peak_fill_ratio",
			Help: "Highest master buffer fill ratio observed since start",
		},
	)
}

// Describe implements the Collector interface
func (m *IngestMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.sourceState.Describe(ch)
	m.sourceSilent.Describe(ch)
	m.sourceLevel.Describe(ch)
	m.sourceRestarts.Describe(ch)
	m.captureErrors.Describe(ch)
	m.chunksCaptured.Describe(ch)
	m.watchdogTimeouts.Describe(ch)
	m.ringDroppedFrames.Describe(ch)
	m.ringOverrunFrames.Describe(ch)
	m.ringUtilization.Describe(ch)
	m.activeSource.Describe(ch)
	m.failovers.Describe(ch)
	m.masterChunks.Describe(ch)
	m.masterOverruns.Describe(ch)
	m.masterUtilization.Describe(ch)
	m.masterPeakFill.Describe(ch)
}

// Collect implements the Collector interface
func (m *IngestMetrics) Collect(ch chan<- prometheus.Metric) {
	m.sourceState.Collect(ch)
	m.sourceSilent.Collect(ch)
	m.sourceLevel.Collect(ch)
	m.sourceRestarts.Collect(ch)
	m.captureErrors.Collect(ch)
	m.chunksCaptured.Collect(ch)
	m.watchdogTimeouts.Collect(ch)
	m.ringDroppedFrames.Collect(ch)
	m.ringOverrunFrames.Collect(ch)
	m.ringUtilization.Collect(ch)
	m.activeSource.Collect(ch)
	m.failovers.Collect(ch)
	m.masterChunks.Collect(ch)
	m.masterOverruns.Collect(ch)
	m.masterUtilization.Collect(ch)
	m.masterPeakFill.Collect(ch)
}

// UpdateSourceState records the numeric lifecycle state of a source.
func (m *IngestMetrics) UpdateSourceState(source string, state int) {
	m.sourceState.WithLabelValues(source).Set(float64(state))
}

// UpdateSourceSilent records whether a source is flagged silent.
func (m *IngestMetrics) UpdateSourceSilent(source string, silent bool) {
	v := 0.0
	if silent {
		v = 1.0
	}
	m.sourceSilent.WithLabelValues(source).Set(v)
}

// UpdateSourceLevel records the most recent RMS level in dBFS.
func (m *IngestMetrics) UpdateSourceLevel(source string, dbfs float64) {
	m.sourceLevel.WithLabelValues(source).Set(dbfs)
}

// RecordRestart counts a capture restart with its trigger reason.
func (m *IngestMetrics) RecordRestart(source, reason string) {
	m.sourceRestarts.WithLabelValues(source, reason).Inc()
}

// RecordCaptureError counts a capture loop error.
func (m *IngestMetrics) RecordCaptureError(source string) {
	m.captureErrors.WithLabelValues(source).Inc()
}

// RecordChunkCaptured counts one captured chunk.
func (m *IngestMetrics) RecordChunkCaptured(source string) {
	m.chunksCaptured.WithLabelValues(source).Inc()
}

// RecordWatchdogTimeout counts a watchdog-triggered restart.
func (m *IngestMetrics) RecordWatchdogTimeout(source string) {
	m.watchdogTimeouts.WithLabelValues(source).Inc()
}

// RecordRingDropped counts frames rejected by a full source ring.
func (m *IngestMetrics) RecordRingDropped(source string, frames int) {
	m.ringDroppedFrames.WithLabelValues(source).Add(float64(frames))
}

// RecordRingOverrun counts frames evicted from a full source ring.
func (m *IngestMetrics) RecordRingOverrun(source string, frames int) {
	m.ringOverrunFrames.WithLabelValues(source).Add(float64(frames))
}

// UpdateRingUtilization records a source ring fill ratio.
func (m *IngestMetrics) UpdateRingUtilization(source string, ratio float64) {
	m.ringUtilization.WithLabelValues(source).Set(ratio)
}

// UpdateActiveSource marks which source currently feeds the master buffer.
func (m *IngestMetrics) UpdateActiveSource(source string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	m.activeSource.WithLabelValues(source).Set(v)
}

// RecordFailover counts an active source switch.
func (m *IngestMetrics) RecordFailover(reason string) {
	m.failovers.WithLabelValues(reason).Inc()
}

// RecordMasterChunk counts a chunk written to the master buffer.
func (m *IngestMetrics) RecordMasterChunk(synthetic bool) {
	kind := "live"
	if synthetic {
		kind = "silence"
	}
	m.masterChunks.WithLabelValues(kind).Inc()
}

// RecordMasterOverrun counts frames lost from the master buffer.
func (m *IngestMetrics) RecordMasterOverrun(frames int) {
	m.masterOverruns.Add(float64(frames))
}

// UpdateMasterUtilization records the master buffer fill ratio.
func (m *IngestMetrics) UpdateMasterUtilization(ratio float64) {
	m.masterUtilization.Set(ratio)
}

// UpdateMasterPeakFill records the master buffer peak fill ratio.
func (m *IngestMetrics) UpdateMasterPeakFill(ratio float64) {
	m.masterPeakFill.Set(ratio)
}
