// Package health folds source supervision, master-buffer behavior,
// decoder throughput and host resources into one weighted 0-100 score
// with a healthy/degraded/failed classification. Consumers read the
// classification and the per-source summaries; raw lifecycle state stays
// inside the source package.
package health

import (
	"context"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/easwatch/easwatch/internal/logging"
	"github.com/easwatch/easwatch/internal/observability/metrics"
	"github.com/easwatch/easwatch/internal/samedec"
	"github.com/easwatch/easwatch/internal/source"
)

var healthLogger *slog.Logger

func init() {
	healthLogger = logging.ForService("health")
	if healthLogger == nil {
		// Fallback to default slog if logging not initialized
		healthLogger = slog.Default().With("service", "health")
	}
}

// Score weighting. The decoder carries the largest single weight: a
// monitoring station that captures audio but cannot decode it is not
// doing its job.
const (
	weightUptime   = 0.35
	weightRestarts = 0.15
	weightMaster   = 0.20
	weightDecoder  = 0.30

	healthyThreshold  = 80.0
	degradedThreshold = 40.0

	// uptimeHorizon is the continuous-uptime span that earns a source a
	// full uptime score. Shorter uptime scores proportionally, so a
	// recent restart keeps pulling the score down until the source has
	// been stable for the whole horizon again.
	uptimeHorizon = 10 * time.Minute

	// restartBudget is the restarts-per-hour rate at which the restart
	// component bottoms out.
	restartBudget = 6.0

	// restartWindow is how far back restart frequency looks.
	restartWindow = time.Hour

	// Master fill band scoring full marks. Below the band the copy loop
	// is not feeding the buffer; above it the consumer is stalling.
	masterFillLow  = 1.0
	masterFillHigh = 80.0

	healthEventBuffer = 16
)

// Status is the external health classification.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// rank maps a status onto the gauge encoding (0=healthy, 1=degraded,
// 2=failed).
func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// SourceHealth summarizes one configured source.
type SourceHealth struct {
	ID              string        `json:"id"`
	Kind            string        `json:"kind"`
	Priority        int           `json:"priority"`
	Status          Status        `json:"status"`
	State           string        `json:"state"`
	Active          bool          `json:"active"`
	Silent          bool          `json:"silent"`
	LevelDB         float64       `json:"level_db"`
	Uptime          time.Duration `json:"uptime"`
	UptimeRatio     float64       `json:"uptime_ratio"`
	RestartCount    int           `json:"restart_count"`
	RestartsPerHour float64       `json:"restarts_per_hour"`
	BufferFill      float64       `json:"buffer_fill"`
}

// DecoderHealth summarizes decode throughput.
type DecoderHealth struct {
	Enabled        bool    `json:"enabled"`
	State          string  `json:"state"`
	RateRatio      float64 `json:"rate_ratio"`
	ProcessingRate float64 `json:"processing_rate"`
	ExpectedRate   float64 `json:"expected_rate"`
	Confidence     float64 `json:"confidence"`
	Messages       uint64  `json:"messages"`
}

// SystemHealth is host resource usage at sample time.
type SystemHealth struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
}

// Report is one full health evaluation.
type Report struct {
	Timestamp    time.Time          `json:"timestamp"`
	OverallScore float64            `json:"overall_score"`
	Status       Status             `json:"status"`
	Components   map[string]float64 `json:"components"` // per-component 0..1 scores
	ActiveSource string             `json:"active_source"`
	MasterFill   float64            `json:"master_fill"`
	Sources      []SourceHealth     `json:"sources"`
	Decoder      DecoderHealth      `json:"decoder"`
	System       SystemHealth       `json:"system"`
}

// TransitionEvent reports an overall classification change.
type TransitionEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Score     float64   `json:"score"`
}

// ManagerSource is the slice of *source.Manager the monitor reads.
type ManagerSource interface {
	Snapshot() source.ManagerSnapshot
}

// DecoderSource is the slice of *samedec.Decoder the monitor reads. Nil
// means the decoder is disabled and its weight is redistributed.
type DecoderSource interface {
	Metrics() samedec.Metrics
}

// restartSample is one observation of a source's cumulative restart
// counter, kept to derive restarts per hour.
type restartSample struct {
	at    time.Time
	count int
}

// Monitor periodically evaluates pipeline health.
type Monitor struct {
	interval time.Duration
	manager  ManagerSource
	decoder  DecoderSource
	metrics  *metrics.HealthMetrics
	logger   *slog.Logger

	system systemSampler

	started time.Time

	mu         sync.RWMutex
	last       *Report
	lastStatus Status
	restarts   map[string][]restartSample

	events chan TransitionEvent
}

// NewMonitor builds a monitor. decoder and m may be nil.
func NewMonitor(interval time.Duration, mgr ManagerSource, dec DecoderSource, m *metrics.HealthMetrics) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		interval:   interval,
		manager:    mgr,
		decoder:    dec,
		metrics:    m,
		logger:     healthLogger,
		started:    time.Now(),
		lastStatus: StatusHealthy,
		restarts:   make(map[string][]restartSample),
		events:     make(chan TransitionEvent, healthEventBuffer),
	}
}

// Run evaluates health on the configured interval until ctx is
// cancelled. The first evaluation happens immediately.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("health monitor started", "interval", m.interval)
	defer m.logger.Info("health monitor stopped")

	m.evaluate(time.Now())
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.evaluate(now)
		}
	}
}

// Snapshot returns the most recent report, evaluating once if Run has
// not produced one yet.
func (m *Monitor) Snapshot() Report {
	m.mu.RLock()
	last := m.last
	m.mu.RUnlock()
	if last != nil {
		return *last
	}
	return m.evaluate(time.Now())
}

// Events returns classification-transition events. When a consumer lags,
// the oldest event is dropped to admit the newest.
func (m *Monitor) Events() <-chan TransitionEvent {
	return m.events
}

func classify(score float64) Status {
	switch {
	case score >= healthyThreshold:
		return StatusHealthy
	case score >= degradedThreshold:
		return StatusDegraded
	default:
		return StatusFailed
	}
}

// classifySource maps lifecycle state onto the external classification.
func classifySource(a *source.AdapterSnapshot) Status {
	switch a.State {
	case source.StateRunning:
		if a.Silent {
			return StatusDegraded
		}
		return StatusHealthy
	case source.StateDegraded, source.StateWatchdogTimeout, source.StateStarting:
		return StatusDegraded
	default:
		return StatusFailed
	}
}

func (m *Monitor) evaluate(now time.Time) Report {
	snap := m.manager.Snapshot()

	report := Report{
		Timestamp:    now,
		Components:   make(map[string]float64, 4),
		ActiveSource: snap.Active,
		MasterFill:   snap.Master.FillPercent(),
		System:       m.system.sample(m.logger),
	}

	// Per-source uptime and restart scoring. The uptime ratio compares
	// continuous uptime against the horizon, shortened to the monitor's
	// own age during early startup so a fresh pipeline is not marked
	// unhealthy while sources are still opening their first capture.
	horizon := uptimeHorizon
	if age := now.Sub(m.started); age < horizon {
		if age < 10*time.Second {
			age = 10 * time.Second
		}
		horizon = age
	}

	var uptimeSum, restartSum float64
	seen := make(map[string]bool, len(snap.Adapters))
	for i := range snap.Adapters {
		a := &snap.Adapters[i]
		seen[a.ID] = true

		ratio := float64(a.Uptime) / float64(horizon)
		if ratio > 1 {
			ratio = 1
		}
		uptimeSum += ratio

		perHour := m.restartRate(a.ID, a.RestartCount, now)
		restartScore := 1 - perHour/restartBudget
		if restartScore < 0 {
			restartScore = 0
		}
		restartSum += restartScore

		status := classifySource(a)
		report.Sources = append(report.Sources, SourceHealth{
			ID:              a.ID,
			Kind:            a.Kind,
			Priority:        a.Priority,
			Status:          status,
			State:           a.State.String(),
			Active:          a.ID == snap.Active,
			Silent:          a.Silent,
			LevelDB:         a.LevelDB,
			Uptime:          a.Uptime,
			UptimeRatio:     ratio,
			RestartCount:    a.RestartCount,
			RestartsPerHour: perHour,
			BufferFill:      a.Ring.FillPercent(),
		})
		if m.metrics != nil {
			m.metrics.UpdateSourceHealth(a.ID, status.rank())
			m.metrics.UpdateSourceUptimeRatio(a.ID, ratio)
			m.metrics.UpdateRestartFrequency(a.ID, perHour)
		}
	}
	m.pruneRestarts(seen)

	// Weighted aggregate. Components without data drop out and the
	// remaining weights are renormalized, so a decoder-less run is
	// scored on what actually exists.
	var score, weightTotal float64
	if n := len(snap.Adapters); n > 0 {
		uptime := uptimeSum / float64(n)
		restarts := restartSum / float64(n)
		report.Components["uptime"] = uptime
		report.Components["restarts"] = restarts
		score += weightUptime*uptime + weightRestarts*restarts
		weightTotal += weightUptime + weightRestarts
	}

	master := masterFillScore(report.MasterFill)
	report.Components["master"] = master
	score += weightMaster * master
	weightTotal += weightMaster

	if m.decoder != nil {
		dm := m.decoder.Metrics()
		ratio := 1.0
		if dm.ProcessingRate > 0 && dm.ExpectedRate > 0 {
			ratio = dm.ProcessingRate / dm.ExpectedRate
			if ratio > 1 {
				ratio = 1
			}
		}
		report.Decoder = DecoderHealth{
			Enabled:        true,
			State:          dm.State.String(),
			RateRatio:      ratio,
			ProcessingRate: dm.ProcessingRate,
			ExpectedRate:   dm.ExpectedRate,
			Confidence:     dm.Confidence,
			Messages:       dm.Messages,
		}
		report.Components["decoder"] = ratio
		score += weightDecoder * ratio
		weightTotal += weightDecoder
	}

	if weightTotal > 0 {
		report.OverallScore = 100 * score / weightTotal
	}
	report.Status = classify(report.OverallScore)

	if m.metrics != nil {
		m.metrics.UpdateOverall(report.OverallScore/100, report.Status.rank())
		m.metrics.UpdateSystemUsage(report.System.CPUPercent, report.System.MemoryPercent)
	}

	m.mu.Lock()
	prev := m.lastStatus
	m.lastStatus = report.Status
	m.last = &report
	m.mu.Unlock()

	if prev != report.Status {
		m.transition(prev, report.Status, report.OverallScore)
	}
	return report
}

func (m *Monitor) transition(from, to Status, score float64) {
	if m.metrics != nil {
		m.metrics.RecordStatusTransition(string(from), string(to))
	}
	switch to {
	case StatusHealthy:
		log.Printf("💚 Pipeline health recovered: %s (score %.0f)", to, score)
	case StatusDegraded:
		log.Printf("🟡 Pipeline health degraded (score %.0f)", score)
	default:
		log.Printf("🔴 Pipeline health failed (score %.0f)", score)
	}
	m.logger.Warn("health status changed",
		"from", string(from),
		"to", string(to),
		"score", score)

	ev := TransitionEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		From:      from,
		To:        to,
		Score:     score,
	}
	select {
	case m.events <- ev:
	default:
		// Consumer lagging: drop the oldest to admit the newest.
		select {
		case <-m.events:
		default:
		}
		select {
		case m.events <- ev:
		default:
		}
	}
}

// restartRate appends the current restart counter and returns restarts
// per hour over the window.
func (m *Monitor) restartRate(id string, count int, now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	samples := append(m.restarts[id], restartSample{at: now, count: count})
	cutoff := now.Add(-restartWindow)
	for len(samples) > 1 && samples[0].at.Before(cutoff) {
		samples = samples[1:]
	}
	m.restarts[id] = samples

	span := now.Sub(samples[0].at)
	delta := count - samples[0].count
	if delta <= 0 {
		return 0
	}
	if span < time.Minute {
		span = time.Minute
	}
	return float64(delta) / span.Hours()
}

// pruneRestarts drops tracking for sources no longer configured.
func (m *Monitor) pruneRestarts(seen map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.restarts {
		if !seen[id] {
			delete(m.restarts, id)
		}
	}
}

// masterFillScore scores master-buffer fill on a trapezoid: an empty
// master means the copy loop is not feeding it, a saturated one means
// the consumer has stalled, and the wide middle band is normal.
func masterFillScore(fill float64) float64 {
	switch {
	case fill < masterFillLow:
		return fill / masterFillLow
	case fill > masterFillHigh:
		return (100 - fill) / (100 - masterFillHigh)
	default:
		return 1
	}
}
