package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easwatch/easwatch/internal/observability/metrics"
	"github.com/easwatch/easwatch/internal/ringbuf"
	"github.com/easwatch/easwatch/internal/samedec"
	"github.com/easwatch/easwatch/internal/source"
)

type fakeManager struct {
	mu   sync.Mutex
	snap source.ManagerSnapshot
}

func (f *fakeManager) Snapshot() source.ManagerSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeManager) set(snap source.ManagerSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
}

type fakeDecoder struct {
	mu sync.Mutex
	m  samedec.Metrics
}

func (f *fakeDecoder) Metrics() samedec.Metrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m
}

func runningAdapter(id string, priority int, uptime time.Duration) source.AdapterSnapshot {
	return source.AdapterSnapshot{
		ID:       id,
		Kind:     "file",
		Priority: priority,
		State:    source.StateRunning,
		Uptime:   uptime,
		Ring:     ringbuf.Stats{Capacity: 100, Buffered: 20},
	}
}

func goodSnapshot() source.ManagerSnapshot {
	return source.ManagerSnapshot{
		Active: "primary",
		Adapters: []source.AdapterSnapshot{
			runningAdapter("primary", 1, 15*time.Minute),
			runningAdapter("backup", 2, 15*time.Minute),
		},
		Master: ringbuf.Stats{Capacity: 100, Buffered: 40},
	}
}

func badSnapshot() source.ManagerSnapshot {
	return source.ManagerSnapshot{
		Adapters: []source.AdapterSnapshot{
			{ID: "primary", Kind: "file", Priority: 1, State: source.StateFailed},
			{ID: "backup", Kind: "file", Priority: 2, State: source.StateFailed},
		},
		Master: ringbuf.Stats{Capacity: 100},
	}
}

func fullRateMetrics() samedec.Metrics {
	return samedec.Metrics{
		ProcessingRate: 16000,
		ExpectedRate:   16000,
		Confidence:     0.93,
		Messages:       2,
	}
}

func TestClassifyThresholds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		score float64
		want  Status
	}{
		{100, StatusHealthy},
		{80, StatusHealthy},
		{79.9, StatusDegraded},
		{40, StatusDegraded},
		{39.9, StatusFailed},
		{0, StatusFailed},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classify(tc.score), "score %.1f", tc.score)
	}
}

func TestStatusRank(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, StatusHealthy.rank())
	assert.Equal(t, 1, StatusDegraded.rank())
	assert.Equal(t, 2, StatusFailed.rank())
}

func TestMasterFillScore(t *testing.T) {
	t.Parallel()

	cases := []struct {
		fill float64
		want float64
	}{
		{0, 0},     // empty: copy loop not feeding
		{0.5, 0.5}, // ramping in
		{1, 1},     // low edge of the good band
		{40, 1},    // normal operation
		{80, 1},    // high edge of the good band
		{90, 0.5},  // consumer falling behind
		{100, 0},   // saturated
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, masterFillScore(tc.fill), 1e-9, "fill %.1f%%", tc.fill)
	}
}

func TestClassifySourceStates(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		state  source.LifecycleState
		silent bool
		want   Status
	}{
		{"running with signal", source.StateRunning, false, StatusHealthy},
		{"running but silent", source.StateRunning, true, StatusDegraded},
		{"recovering from silence", source.StateDegraded, false, StatusDegraded},
		{"watchdog fired", source.StateWatchdogTimeout, false, StatusDegraded},
		{"starting up", source.StateStarting, false, StatusDegraded},
		{"stopped", source.StateStopped, false, StatusFailed},
		{"failed", source.StateFailed, false, StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			snap := source.AdapterSnapshot{State: tc.state, Silent: tc.silent}
			assert.Equal(t, tc.want, classifySource(&snap))
		})
	}
}

func TestMonitorReportHealthyPipeline(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{snap: goodSnapshot()}
	dec := &fakeDecoder{m: fullRateMetrics()}
	m := NewMonitor(time.Second, mgr, dec, nil)
	m.started = time.Now().Add(-time.Hour) // past the startup grace

	rep := m.evaluate(time.Now())

	assert.InDelta(t, 100, rep.OverallScore, 0.01, "all components perfect")
	assert.Equal(t, StatusHealthy, rep.Status)
	assert.Equal(t, "primary", rep.ActiveSource)
	assert.InDelta(t, 40, rep.MasterFill, 0.01)

	require.Len(t, rep.Sources, 2)
	primary := rep.Sources[0]
	assert.Equal(t, "primary", primary.ID)
	assert.True(t, primary.Active)
	assert.Equal(t, StatusHealthy, primary.Status)
	assert.Equal(t, "running", primary.State)
	assert.InDelta(t, 1.0, primary.UptimeRatio, 1e-9, "15min uptime covers the 10min horizon")
	assert.InDelta(t, 20, primary.BufferFill, 0.01)
	assert.False(t, rep.Sources[1].Active)

	assert.True(t, rep.Decoder.Enabled)
	assert.InDelta(t, 1.0, rep.Decoder.RateRatio, 1e-9)
	assert.InDelta(t, 0.93, rep.Decoder.Confidence, 1e-9)

	for _, key := range []string{"uptime", "restarts", "master", "decoder"} {
		assert.Contains(t, rep.Components, key)
		assert.InDelta(t, 1.0, rep.Components[key], 1e-9, "component %s", key)
	}
}

func TestMonitorPartialDecoderRate(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{snap: goodSnapshot()}
	dec := &fakeDecoder{m: samedec.Metrics{ProcessingRate: 8000, ExpectedRate: 16000}}
	m := NewMonitor(time.Second, mgr, dec, nil)
	m.started = time.Now().Add(-time.Hour)

	rep := m.evaluate(time.Now())

	assert.InDelta(t, 0.5, rep.Components["decoder"], 1e-9)
	assert.InDelta(t, 85, rep.OverallScore, 0.01, "only the decoder component is down")
	assert.Equal(t, StatusHealthy, rep.Status)
}

func TestMonitorDecoderRateClampsAtExpected(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{snap: goodSnapshot()}
	dec := &fakeDecoder{m: samedec.Metrics{ProcessingRate: 20000, ExpectedRate: 16000}}
	m := NewMonitor(time.Second, mgr, dec, nil)
	m.started = time.Now().Add(-time.Hour)

	rep := m.evaluate(time.Now())
	assert.InDelta(t, 1.0, rep.Components["decoder"], 1e-9, "catch-up bursts do not earn extra credit")
}

func TestMonitorUnmeasuredDecoderRateIsNotPenalized(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{snap: goodSnapshot()}
	dec := &fakeDecoder{m: samedec.Metrics{ExpectedRate: 16000}} // no rate sample yet
	m := NewMonitor(time.Second, mgr, dec, nil)
	m.started = time.Now().Add(-time.Hour)

	rep := m.evaluate(time.Now())
	assert.InDelta(t, 1.0, rep.Components["decoder"], 1e-9)
	assert.Equal(t, StatusHealthy, rep.Status)
}

func TestMonitorUptimeRatioAgainstHorizon(t *testing.T) {
	t.Parallel()

	snap := source.ManagerSnapshot{
		Active:   "primary",
		Adapters: []source.AdapterSnapshot{runningAdapter("primary", 1, 5*time.Minute)},
		Master:   ringbuf.Stats{Capacity: 100, Buffered: 40},
	}
	m := NewMonitor(time.Second, &fakeManager{snap: snap}, nil, nil)
	m.started = time.Now().Add(-time.Hour)

	rep := m.evaluate(time.Now())
	require.Len(t, rep.Sources, 1)
	assert.InDelta(t, 0.5, rep.Sources[0].UptimeRatio, 1e-9, "5min of a 10min horizon")
	assert.InDelta(t, 0.5, rep.Components["uptime"], 1e-9)
}

func TestMonitorStartupGraceShortensHorizon(t *testing.T) {
	t.Parallel()

	snap := source.ManagerSnapshot{
		Active:   "primary",
		Adapters: []source.AdapterSnapshot{runningAdapter("primary", 1, 30*time.Second)},
		Master:   ringbuf.Stats{Capacity: 100, Buffered: 40},
	}
	m := NewMonitor(time.Second, &fakeManager{snap: snap}, nil, nil)
	m.started = time.Now().Add(-30 * time.Second)

	rep := m.evaluate(time.Now())
	assert.InDelta(t, 1.0, rep.Sources[0].UptimeRatio, 0.01,
		"a source up since the monitor started scores full uptime")
}

func TestMonitorRestartChurnAgesOut(t *testing.T) {
	t.Parallel()

	adapter := runningAdapter("primary", 1, 15*time.Minute)
	mgr := &fakeManager{}
	m := NewMonitor(time.Second, mgr, nil, nil)
	t0 := time.Now().Add(-3 * time.Hour)
	m.started = t0

	mgr.set(source.ManagerSnapshot{
		Active:   "primary",
		Adapters: []source.AdapterSnapshot{adapter},
		Master:   ringbuf.Stats{Capacity: 100, Buffered: 40},
	})
	m.evaluate(t0)

	// Three restarts in ten minutes is an 18/hour rate, past the budget.
	adapter.RestartCount = 3
	mgr.set(source.ManagerSnapshot{
		Active:   "primary",
		Adapters: []source.AdapterSnapshot{adapter},
		Master:   ringbuf.Stats{Capacity: 100, Buffered: 40},
	})
	rep := m.evaluate(t0.Add(10 * time.Minute))
	require.Len(t, rep.Sources, 1)
	assert.InDelta(t, 18, rep.Sources[0].RestartsPerHour, 0.01)
	assert.InDelta(t, 0, rep.Components["restarts"], 1e-9, "churn past the budget bottoms out")

	// Two hours later with no further restarts the window has rolled past
	// the churn and the component recovers.
	rep = m.evaluate(t0.Add(2 * time.Hour))
	assert.InDelta(t, 0, rep.Sources[0].RestartsPerHour, 0.01)
	assert.InDelta(t, 1.0, rep.Components["restarts"], 1e-9)
}

func TestMonitorPrunesRemovedSources(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{snap: source.ManagerSnapshot{
		Adapters: []source.AdapterSnapshot{runningAdapter("old", 1, time.Minute)},
		Master:   ringbuf.Stats{Capacity: 100, Buffered: 40},
	}}
	m := NewMonitor(time.Second, mgr, nil, nil)
	m.evaluate(time.Now())

	mgr.set(source.ManagerSnapshot{
		Adapters: []source.AdapterSnapshot{runningAdapter("new", 1, time.Minute)},
		Master:   ringbuf.Stats{Capacity: 100, Buffered: 40},
	})
	m.evaluate(time.Now())

	m.mu.Lock()
	_, hasOld := m.restarts["old"]
	_, hasNew := m.restarts["new"]
	m.mu.Unlock()
	assert.False(t, hasOld, "tracking for removed sources is dropped")
	assert.True(t, hasNew)
}

func TestMonitorWithoutDecoderRenormalizes(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{snap: goodSnapshot()}
	m := NewMonitor(time.Second, mgr, nil, nil)
	m.started = time.Now().Add(-time.Hour)

	rep := m.evaluate(time.Now())

	assert.NotContains(t, rep.Components, "decoder")
	assert.False(t, rep.Decoder.Enabled)
	assert.InDelta(t, 100, rep.OverallScore, 0.01,
		"remaining weights renormalize to a full score")
}

func TestMonitorAllSourcesFailed(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{snap: badSnapshot()}
	m := NewMonitor(time.Second, mgr, nil, nil)
	m.started = time.Now().Add(-time.Hour)

	rep := m.evaluate(time.Now())

	assert.Equal(t, StatusFailed, rep.Status)
	assert.Less(t, rep.OverallScore, degradedThreshold)
	for _, src := range rep.Sources {
		assert.Equal(t, StatusFailed, src.Status)
		assert.Zero(t, src.UptimeRatio)
	}
	assert.Zero(t, rep.Components["uptime"])
	assert.Zero(t, rep.Components["master"], "an empty master scores nothing")
}

func TestMonitorSilentSourceReportedDegraded(t *testing.T) {
	t.Parallel()

	snap := goodSnapshot()
	snap.Adapters[0].Silent = true
	snap.Adapters[0].LevelDB = -72.5
	mgr := &fakeManager{snap: snap}
	m := NewMonitor(time.Second, mgr, nil, nil)
	m.started = time.Now().Add(-time.Hour)

	rep := m.evaluate(time.Now())
	assert.Equal(t, StatusDegraded, rep.Sources[0].Status)
	assert.True(t, rep.Sources[0].Silent)
	assert.InDelta(t, -72.5, rep.Sources[0].LevelDB, 1e-9)
	assert.Equal(t, StatusHealthy, rep.Sources[1].Status)
}

func TestMonitorTransitionEvents(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{snap: goodSnapshot()}
	m := NewMonitor(time.Second, mgr, nil, nil)
	m.started = time.Now().Add(-time.Hour)

	// First healthy evaluation matches the initial status: no event.
	m.evaluate(time.Now())
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}

	mgr.set(badSnapshot())
	down := m.evaluate(time.Now())
	mgr.set(goodSnapshot())
	up := m.evaluate(time.Now())

	ev := <-m.Events()
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, StatusHealthy, ev.From)
	assert.Equal(t, StatusFailed, ev.To)
	assert.InDelta(t, down.OverallScore, ev.Score, 1e-9)

	ev = <-m.Events()
	assert.Equal(t, StatusFailed, ev.From)
	assert.Equal(t, StatusHealthy, ev.To)
	assert.InDelta(t, up.OverallScore, ev.Score, 1e-9)
}

func TestMonitorEventOverflowDropsOldest(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{}
	m := NewMonitor(time.Second, mgr, nil, nil)
	m.started = time.Now().Add(-time.Hour)

	for i := 0; i < 10; i++ {
		mgr.set(badSnapshot())
		m.evaluate(time.Now())
		mgr.set(goodSnapshot())
		m.evaluate(time.Now())
	}

	var events []TransitionEvent
drain:
	for {
		select {
		case ev := <-m.Events():
			events = append(events, ev)
		default:
			break drain
		}
	}
	require.Len(t, events, healthEventBuffer, "buffer keeps only the newest events")
	last := events[len(events)-1]
	assert.Equal(t, StatusFailed, last.From)
	assert.Equal(t, StatusHealthy, last.To, "the most recent transition is never dropped")
}

func TestMonitorSnapshotBeforeRun(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{snap: goodSnapshot()}
	m := NewMonitor(time.Second, mgr, nil, nil)
	m.started = time.Now().Add(-time.Hour)

	first := m.Snapshot()
	assert.False(t, first.Timestamp.IsZero(), "snapshot evaluates on demand")
	assert.Equal(t, StatusHealthy, first.Status)

	second := m.Snapshot()
	assert.Equal(t, first.Timestamp, second.Timestamp, "repeat snapshots serve the cached report")
}

func TestMonitorRunEvaluatesPeriodically(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{snap: goodSnapshot()}
	dec := &fakeDecoder{m: fullRateMetrics()}
	m := NewMonitor(20*time.Millisecond, mgr, dec, nil)
	m.started = time.Now().Add(-time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return !m.Snapshot().Timestamp.IsZero()
	}, time.Second, 5*time.Millisecond, "run produces a report")

	start := m.Snapshot().Timestamp
	require.Eventually(t, func() bool {
		return m.Snapshot().Timestamp.After(start)
	}, time.Second, 5*time.Millisecond, "reports refresh on the interval")

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err, "cancellation is a clean shutdown")
	case <-time.After(time.Second):
		t.Fatal("run did not stop on cancel")
	}
}

func TestNewMonitorDefaultsInterval(t *testing.T) {
	t.Parallel()

	m := NewMonitor(0, &fakeManager{}, nil, nil)
	assert.Equal(t, 5*time.Second, m.interval)
}

func TestMonitorExportsMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	hm, err := metrics.NewHealthMetrics(registry)
	require.NoError(t, err)

	mgr := &fakeManager{snap: goodSnapshot()}
	m := NewMonitor(time.Second, mgr, nil, hm)
	m.started = time.Now().Add(-time.Hour)
	m.evaluate(time.Now())
	mgr.set(badSnapshot())
	m.evaluate(time.Now())

	families, err := registry.Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	score := byName["health_overall_score"]
	require.NotNil(t, score)
	assert.InDelta(t, 0.214, score.GetMetric()[0].GetGauge().GetValue(), 0.01,
		"gauge carries the score on a 0..1 scale")

	status := byName["health_overall_status"]
	require.NotNil(t, status)
	assert.InDelta(t, 2, status.GetMetric()[0].GetGauge().GetValue(), 1e-9)

	perSource := byName["health_source_status"]
	require.NotNil(t, perSource)
	assert.Len(t, perSource.GetMetric(), 2)

	transitions := byName["health_status_transitions_total"]
	require.NotNil(t, transitions)
	require.Len(t, transitions.GetMetric(), 1)
	tm := transitions.GetMetric()[0]
	labels := make(map[string]string, 2)
	for _, lp := range tm.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	assert.Equal(t, "healthy", labels["from"])
	assert.Equal(t, "failed", labels["to"])
	assert.InDelta(t, 1, tm.GetCounter().GetValue(), 1e-9)
}
