package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// HealthMetrics contains Prometheus metrics for the pipeline health
// monitor and host resource usage.
type HealthMetrics struct {
	registry *prometheus.Registry

	overallScore      prometheus.Gauge
	overallStatus     prometheus.Gauge
	sourceHealth      *prometheus.GaugeVec
	sourceUptimeRatio *prometheus.GaugeVec
	restartFrequency  *prometheus.GaugeVec
	statusTransitions *prometheus.CounterVec
	cpuPercent        prometheus.Gauge
	memoryPercent     prometheus.Gauge
}

// NewHealthMetrics creates and registers new health metrics.
func NewHealthMetrics(registry *prometheus.Registry) (*HealthMetrics, error) {
	m := &HealthMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *HealthMetrics) initMetrics() {
	m.overallScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "health_overall_score",
			Help: "Weighted pipeline health score (0.0 to 1.0)",
		},
	)

	m.overallStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "health_overall_status",
			Help: "Pipeline health classification (0=healthy, 1=degraded, 2=failed)",
		},
	)

	m.sourceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "health_source_status",
			Help: "Per-source health classification (0=healthy, 1=degraded, 2=failed)",
		},
		[]string{"source"},
	)

	m.sourceUptimeRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "health_source_uptime_ratio",
			Help: "Fraction of elapsed time the source spent running (0.0 to 1.0)",
		},
		[]string{"source"},
	)

	m.restartFrequency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "health_source_restart_frequency",
			Help: "Source restarts per hour over the scoring window",
		},
		[]string{"source"},
	)

	m.statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_status_transitions_total",
			Help: "Overall health classification changes",
		},
		[]string{"from", "to"},
	)

	m.cpuPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "health_cpu_percent",
			Help: "Host CPU utilization percentage",
		},
	)

	m.memoryPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "health_memory_percent",
			Help: "Host memory utilization percentage",
		},
	)
}

// Describe implements the Collector interface
func (m *HealthMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.overallScore.Describe(ch)
	m.overallStatus.Describe(ch)
	m.sourceHealth.Describe(ch)
	m.sourceUptimeRatio.Describe(ch)
	m.restartFrequency.Describe(ch)
	m.statusTransitions.Describe(ch)
	m.cpuPercent.Describe(ch)
	m.memoryPercent.Describe(ch)
}

// Collect implements the Collector interface
func (m *HealthMetrics) Collect(ch chan<- prometheus.Metric) {
	m.overallScore.Collect(ch)
	m.overallStatus.Collect(ch)
	m.sourceHealth.Collect(ch)
	m.sourceUptimeRatio.Collect(ch)
	m.restartFrequency.Collect(ch)
	m.statusTransitions.Collect(ch)
	m.cpuPercent.Collect(ch)
	m.memoryPercent.Collect(ch)
}

// UpdateOverall records the weighted health score and its classification.
func (m *HealthMetrics) UpdateOverall(score float64, status int) {
	m.overallScore.Set(score)
	m.overallStatus.Set(float64(status))
}

// UpdateSourceHealth records a per-source health classification.
func (m *HealthMetrics) UpdateSourceHealth(source string, status int) {
	m.sourceHealth.WithLabelValues(source).Set(float64(status))
}

// UpdateSourceUptimeRatio records the running fraction of a source.
func (m *HealthMetrics) UpdateSourceUptimeRatio(source string, ratio float64) {
	m.sourceUptimeRatio.WithLabelValues(source).Set(ratio)
}

// UpdateRestartFrequency records restarts per hour for a source.
func (m *HealthMetrics) UpdateRestartFrequency(source string, perHour float64) {
	m.restartFrequency.WithLabelValues(source).Set(perHour)
}

// RecordStatusTransition counts an overall classification change.
func (m *HealthMetrics) RecordStatusTransition(from, to string) {
	m.statusTransitions.WithLabelValues(from, to).Inc()
}

// UpdateSystemUsage records host CPU and memory utilization.
func (m *HealthMetrics) UpdateSystemUsage(cpuPercent, memoryPercent float64) {
	m.cpuPercent.Set(cpuPercent)
	m.memoryPercent.Set(memoryPercent)
}
