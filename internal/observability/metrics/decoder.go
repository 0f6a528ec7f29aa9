package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DecoderMetrics contains Prometheus metrics for the burst decoder.
type DecoderMetrics struct {
	registry *prometheus.Registry

	decoderState     prometheus.Gauge
	samplesProcessed prometheus.Counter
	burstsDetected   prometheus.Counter
	burstsValidated  prometheus.Counter
	burstsRejected   *prometheus.CounterVec
	messagesDecoded  prometheus.Counter
	processingRate   prometheus.Gauge
	rateRatio        prometheus.Gauge
	confidence       prometheus.Histogram
	lastConfidence   prometheus.Gauge
}

// NewDecoderMetrics creates and registers new decoder metrics.
func NewDecoderMetrics(registry *prometheus.Registry) (*DecoderMetrics, error) {
	m := &DecoderMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DecoderMetrics) initMetrics() {
	m.decoderState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "decoder_state",
			Help: "Decoder state machine position (0=idle, 1=preamble_sync, 2=header_capture, 3=header_validated, 4=awaiting_attention, 5=eom_capture)",
		},
	)

	m.samplesProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decoder_samples_processed_total",
			Help: "Total number of PCM samples fed through the decoder",
		},
	)

	m.burstsDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decoder_bursts_detected_total",
			Help: "Total number of preamble locks",
		},
	)

	m.burstsValidated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decoder_bursts_validated_total",
			Help: "Total number of structurally valid headers",
		},
	)

	m.burstsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decoder_bursts_rejected_total",
			Help: "Total number of rejected bursts by reason",
		},
		[]string{"reason"}, // reason: invalid_character, header_overflow, header_incomplete, malformed_eom
	)

	m.messagesDecoded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decoder_messages_decoded_total",
			Help: "Total number of complete messages decoded",
		},
	)

	m.processingRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "decoder_processing_rate_hz",
			Help: "Observed sample consumption rate in samples per second",
		},
	)

	m.rateRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "decoder_rate_ratio",
			Help: "Observed processing rate divided by the configured sample rate",
		},
	)

	m.confidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "decoder_message_confidence",
			Help:    "Demodulation confidence of decoded messages (0.0 to 1.0)",
			Buckets: prometheus.LinearBuckets(0.5, 0.05, 10),
		},
	)

	m.lastConfidence = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "decoder_last_message_confidence",
			Help: "Demodulation confidence of the most recent decoded message",
		},
	)
}

// Describe implements the Collector interface
func (m *DecoderMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.decoderState.Describe(ch)
	m.samplesProcessed.Describe(ch)
	m.burstsDetected.Describe(ch)
	m.burstsValidated.Describe(ch)
	m.burstsRejected.Describe(ch)
	m.messagesDecoded.Describe(ch)
	m.processingRate.Describe(ch)
	m.rateRatio.Describe(ch)
	m.confidence.Describe(ch)
	m.lastConfidence.Describe(ch)
}

// Collect implements the Collector interface
func (m *DecoderMetrics) Collect(ch chan<- prometheus.Metric) {
	m.decoderState.Collect(ch)
	m.samplesProcessed.Collect(ch)
	m.burstsDetected.Collect(ch)
	m.burstsValidated.Collect(ch)
	m.burstsRejected.Collect(ch)
	m.messagesDecoded.Collect(ch)
	m.processingRate.Collect(ch)
	m.rateRatio.Collect(ch)
	m.confidence.Collect(ch)
	m.lastConfidence.Collect(ch)
}

// UpdateState records the current decoder state machine position.
func (m *DecoderMetrics) UpdateState(state int) {
	m.decoderState.Set(float64(state))
}

// RecordSamplesProcessed counts samples fed through the decoder.
func (m *DecoderMetrics) RecordSamplesProcessed(n int) {
	m.samplesProcessed.Add(float64(n))
}

// RecordBurstDetected counts a preamble lock.
func (m *DecoderMetrics) RecordBurstDetected() {
	m.burstsDetected.Inc()
}

// RecordBurstValidated counts a structurally valid header.
func (m *DecoderMetrics) RecordBurstValidated() {
	m.burstsValidated.Inc()
}

// RecordBurstRejected counts a rejected burst with its reason.
func (m *DecoderMetrics) RecordBurstRejected(reason string) {
	m.burstsRejected.WithLabelValues(reason).Inc()
}

// RecordMessageDecoded counts a complete decoded message and its confidence.
func (m *DecoderMetrics) RecordMessageDecoded(confidence float64) {
	m.messagesDecoded.Inc()
	m.confidence.Observe(confidence)
	m.lastConfidence.Set(confidence)
}

// UpdateProcessingRate records the observed consumption rate against the
// configured sample rate.
func (m *DecoderMetrics) UpdateProcessingRate(observedHz, expectedHz float64) {
	m.processingRate.Set(observedHz)
	if expectedHz > 0 {
		m.rateRatio.Set(observedHz / expectedHz)
	}
}
