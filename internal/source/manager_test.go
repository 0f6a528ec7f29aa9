package source

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/errors"
	"github.com/easwatch/easwatch/internal/pcm"
)

// newTestManager builds a manager with a fast sweep so failover tests
// do not wait out production intervals. NewManager does not validate
// the intervals; only loaded config files go through ValidateSettings.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	settings := &conf.Settings{}
	settings.Audio.SampleRate = conf.SampleRate
	settings.Manager = conf.ManagerSettings{
		SweepInterval: 50 * time.Millisecond,
		MasterBuffer:  2 * time.Second,
		SourceBuffer:  time.Second,
		EventLog:      16,
	}
	m, err := NewManager(settings, nil)
	require.NoError(t, err)
	return m
}

// injectAdapter registers a fake-backed adapter directly, bypassing the
// source factory so tests control capture behavior.
func injectAdapter(t *testing.T, m *Manager, id string, priority int, fs *fakeSource) *Adapter {
	t.Helper()
	adapter, err := NewAdapter(&conf.SourceConfig{
		ID:       id,
		Kind:     conf.SourceKindDevice,
		Priority: priority,
	}, m.sampleRate, m.sourceRingFrames, fs, nil)
	require.NoError(t, err)

	m.adaptersMu.Lock()
	m.adapters[id] = adapter
	m.adaptersMu.Unlock()
	return adapter
}

func activeIs(m *Manager, id string) func() bool {
	return func() bool {
		active, _ := m.ActiveSource()
		return active == id
	}
}

func TestManagerFailoverFollowsPriority(t *testing.T) {
	m := newTestManager(t)
	fsA, fsB, fsC := newFakeSource(), newFakeSource(), newFakeSource()
	injectAdapter(t, m, "a", 10, fsA)
	injectAdapter(t, m, "b", 20, fsB)
	injectAdapter(t, m, "c", 30, fsC)

	m.StartAll(context.Background())
	defer m.StopAll()

	// All three open instantly; the lowest priority number wins.
	require.Eventually(t, activeIs(m, "a"), 3*time.Second, 10*time.Millisecond,
		"highest-priority source should carry the stream")

	// Killing the active source steps selection down the priority order.
	fsA.fail()
	require.Eventually(t, activeIs(m, "b"), 3*time.Second, 10*time.Millisecond)
	fsB.fail()
	require.Eventually(t, activeIs(m, "c"), 3*time.Second, 10*time.Millisecond)

	// With the last source gone the manager substitutes silence.
	fsC.fail()
	require.Eventually(t, activeIs(m, ""), 3*time.Second, 10*time.Millisecond,
		"no eligible source should clear the active selection")

	events := m.FailoverLog()
	require.NotEmpty(t, events)
	assert.Empty(t, events[0].Next, "most recent failover should be to silence")
	assert.Equal(t, "source_failed", events[0].Reason)

	var sawAtoB bool
	for _, ev := range events {
		if ev.Previous == "a" && ev.Next == "b" {
			sawAtoB = true
			assert.Equal(t, "source_failed", ev.Reason)
		}
	}
	assert.True(t, sawAtoB, "failover log should record the a->b switch")
}

func TestManagerRecoveredSourcePreempts(t *testing.T) {
	m := newTestManager(t)
	fsA, fsB := newFakeSource(), newFakeSource()
	injectAdapter(t, m, "a", 10, fsA)
	injectAdapter(t, m, "b", 20, fsB)

	// a starts broken, so b carries the stream first.
	fsA.setOpenErr(errors.NewStd("not ready"))
	m.StartAll(context.Background())
	defer m.StopAll()

	require.Eventually(t, activeIs(m, "b"), 3*time.Second, 10*time.Millisecond)

	// When a recovers it preempts b on priority.
	fsA.setOpenErr(nil)
	require.Eventually(t, activeIs(m, "a"), 5*time.Second, 10*time.Millisecond,
		"recovered higher-priority source should preempt")

	events := m.FailoverLog()
	require.NotEmpty(t, events)
	assert.Equal(t, "higher_priority_recovered", events[0].Reason)
	assert.Equal(t, "b", events[0].Previous)
	assert.Equal(t, "a", events[0].Next)
}

func TestManagerMasterCarriesActiveAudio(t *testing.T) {
	m := newTestManager(t)
	fs := newFakeSource()
	injectAdapter(t, m, "live", 10, fs)

	m.StartAll(context.Background())
	defer m.StopAll()

	require.Eventually(t, activeIs(m, "live"), 3*time.Second, 10*time.Millisecond)

	want := squareChunk(conf.SampleRate, 16000)
	fs.push(want)

	// Synthetic chunks may precede the selection; skip to live audio.
	deadline := time.Now().Add(3 * time.Second)
	var chunk pcm.Chunk
	for {
		require.True(t, time.Now().Before(deadline), "live audio never reached the master buffer")
		c, ok := m.GetMasterChunk(200 * time.Millisecond)
		if ok && c.SourceID == "live" {
			chunk = c
			break
		}
	}

	assert.Equal(t, want, chunk.Data, "master audio must match the captured chunk")
	assert.False(t, chunk.Synthetic)
	assert.False(t, chunk.Timestamp.IsZero())
	assert.Positive(t, chunk.Sequence)

	// Sequence numbers advance monotonically across chunks.
	fs.push(squareChunk(conf.SampleRate, 8000))
	deadline = time.Now().Add(3 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "second chunk never arrived")
		c, ok := m.GetMasterChunk(200 * time.Millisecond)
		if ok && c.SourceID == "live" {
			assert.Greater(t, c.Sequence, chunk.Sequence)
			break
		}
	}
}

func TestManagerSubstitutesSilenceWhenEmpty(t *testing.T) {
	m := newTestManager(t)
	m.StartAll(context.Background())
	defer m.StopAll()

	chunk, ok := m.GetMasterChunk(2 * time.Second)
	require.True(t, ok, "silence should flow with no sources registered")
	assert.True(t, chunk.Synthetic)
	assert.Empty(t, chunk.SourceID)
	assert.Len(t, chunk.Data, pcm.ChunkBytes(conf.SampleRate))
	for _, b := range chunk.Data {
		require.Zero(t, b, "substituted silence must be digital zero")
	}

	// No selection change happened, so nothing was logged.
	assert.Empty(t, m.FailoverLog())

	// Silence is paced to realtime: over roughly a second the master
	// gains about ten chunks, not an unbounded flood.
	count := 0
	stop := time.Now().Add(1050 * time.Millisecond)
	for time.Now().Before(stop) {
		if _, ok := m.GetMasterChunk(100 * time.Millisecond); ok {
			count++
		}
	}
	assert.GreaterOrEqual(t, count, 7, "silence generation stalled")
	assert.LessOrEqual(t, count, 16, "silence generation exceeded the realtime rate")
}

func TestManagerDiscontinuityAfterFailover(t *testing.T) {
	m := newTestManager(t)
	fsA, fsB := newFakeSource(), newFakeSource()
	injectAdapter(t, m, "a", 10, fsA)
	injectAdapter(t, m, "b", 20, fsB)

	m.StartAll(context.Background())
	defer m.StopAll()

	require.Eventually(t, activeIs(m, "a"), 3*time.Second, 10*time.Millisecond)
	fsA.push(squareChunk(conf.SampleRate, 16000))

	fsA.fail()
	require.Eventually(t, activeIs(m, "b"), 3*time.Second, 10*time.Millisecond)
	fsB.push(squareChunk(conf.SampleRate, 8000))

	// The first b chunk crossing the master must carry the flag: the
	// stream does not continue sample-accurately across the switch.
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "no post-failover chunk observed")
		c, ok := m.GetMasterChunk(200 * time.Millisecond)
		if ok && c.SourceID == "b" {
			assert.True(t, c.Discontinuity, "first chunk after failover must be discontinuous")
			break
		}
	}
}

func TestManagerAddSourceValidation(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	err := m.AddSource(&conf.SourceConfig{Kind: conf.SourceKindTone, Enabled: true})
	require.Error(t, err, "missing id must be rejected")
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	err = m.AddSource(&conf.SourceConfig{ID: "t1", Kind: "theremin", Enabled: true})
	require.Error(t, err, "unknown kind must be rejected")
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	err = m.AddSource(&conf.SourceConfig{ID: "t1", Kind: conf.SourceKindTone, Enabled: false})
	require.Error(t, err, "disabled source must be rejected")
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	require.NoError(t, m.AddSource(&conf.SourceConfig{
		ID: "t1", Kind: conf.SourceKindTone, Enabled: true, Frequency: 440, Amplitude: 0.5,
	}))
	err = m.AddSource(&conf.SourceConfig{
		ID: "t1", Kind: conf.SourceKindTone, Enabled: true, Frequency: 880, Amplitude: 0.5,
	})
	require.Error(t, err, "duplicate id must be rejected")
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))

	require.NoError(t, m.RemoveSource("t1"))
	err = m.RemoveSource("t1")
	require.Error(t, err, "removing an unknown source must fail")
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
}

func TestManagerHotAddAndRemove(t *testing.T) {
	m := newTestManager(t)
	m.StartAll(context.Background())
	defer m.StopAll()

	// Runs on silence until a source appears.
	_, ok := m.ActiveSource()
	assert.False(t, ok)

	require.NoError(t, m.AddSource(&conf.SourceConfig{
		ID: "gen", Kind: conf.SourceKindTone, Enabled: true, Frequency: 1000, Amplitude: 0.8,
	}))
	require.Eventually(t, activeIs(m, "gen"), 3*time.Second, 10*time.Millisecond,
		"hot-added source should be selected")

	events := m.FailoverLog()
	require.NotEmpty(t, events)
	assert.Equal(t, "initial_selection", events[0].Reason)
	assert.Equal(t, "gen", events[0].Next)

	require.NoError(t, m.RemoveSource("gen"))
	require.Eventually(t, activeIs(m, ""), 3*time.Second, 10*time.Millisecond,
		"removing the active source should fail over")
	assert.Equal(t, "source_removed", m.FailoverLog()[0].Reason)
}

func TestManagerFailoverCallbacksAndEvents(t *testing.T) {
	m := newTestManager(t)
	fs := newFakeSource()
	injectAdapter(t, m, "only", 10, fs)

	var mu sync.Mutex
	var seen []FailoverEvent
	m.OnFailover(func(ev FailoverEvent) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	})

	m.StartAll(context.Background())
	defer m.StopAll()

	select {
	case ev := <-m.Events():
		assert.Equal(t, "only", ev.Next)
		assert.Equal(t, "initial_selection", ev.Reason)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("no failover event published")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 1
	}, 3*time.Second, 10*time.Millisecond, "callback should observe the event")
}

func TestFailoverReasonClassification(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "initial_selection", failoverReason("", nil))
	assert.Equal(t, "source_removed", failoverReason("gone", nil))

	fs := newFakeSource()
	adapter, err := NewAdapter(&conf.SourceConfig{ID: "r", Kind: conf.SourceKindDevice},
		conf.SampleRate, conf.SampleRate, fs, nil)
	require.NoError(t, err)

	adapter.transitionState(StateStarting, "test")
	adapter.transitionState(StateRunning, "test")
	assert.Equal(t, "higher_priority_recovered", failoverReason("r", adapter),
		"an eligible previous source can only lose to a better one")

	adapter.transitionState(StateDegraded, "test")
	assert.Equal(t, "source_silent", failoverReason("r", adapter))

	adapter.transitionState(StateWatchdogTimeout, "test")
	assert.Equal(t, "source_stalled", failoverReason("r", adapter))

	adapter.transitionState(StateFailed, "test")
	assert.Equal(t, "source_failed", failoverReason("r", adapter))

	adapter.transitionState(StateStopped, "test")
	assert.Equal(t, "source_stopped", failoverReason("r", adapter))
}

func TestGetMasterChunkTimesOutEmpty(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	start := time.Now()
	_, ok := m.GetMasterChunk(50 * time.Millisecond)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)

	buf := make([]byte, pcm.ChunkBytes(conf.SampleRate))
	assert.Zero(t, m.ReadMaster(buf, 10*time.Millisecond))
}
