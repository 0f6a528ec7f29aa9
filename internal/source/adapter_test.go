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

// fakeSource is a scriptable Source for supervision tests: pushed
// payloads are returned from Read, Close unblocks a pending Read, and
// open failures can be injected to drive the restart ladder.
type fakeSource struct {
	mu       sync.Mutex
	openErr  error
	opens    int
	closes   int
	closed   chan struct{}
	residual []byte

	data chan []byte
}

func newFakeSource() *fakeSource {
	return &fakeSource{data: make(chan []byte, 256)}
}

func (f *fakeSource) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return f.openErr
	}
	f.closed = make(chan struct{})
	return nil
}

func (f *fakeSource) Read(p []byte) (int, error) {
	f.mu.Lock()
	if len(f.residual) > 0 {
		n := copy(p, f.residual)
		f.residual = f.residual[n:]
		f.mu.Unlock()
		return n, nil
	}
	closed := f.closed
	f.mu.Unlock()

	select {
	case chunk := <-f.data:
		n := copy(p, chunk)
		if n < len(chunk) {
			f.mu.Lock()
			f.residual = append(f.residual, chunk[n:]...)
			f.mu.Unlock()
		}
		return n, nil
	case <-closed:
		return 0, errors.NewStd("fake source closed")
	}
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.closed != nil {
		select {
		case <-f.closed:
		default:
			close(f.closed)
		}
	}
	return nil
}

func (f *fakeSource) Format() Format {
	return Format{SampleRate: conf.SampleRate, Channels: conf.NumChannels}
}

func (f *fakeSource) push(chunk []byte) { f.data <- chunk }

func (f *fakeSource) setOpenErr(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

// fail makes every future open attempt error and breaks the current
// capture, pinning the adapter in its restart ladder.
func (f *fakeSource) fail() {
	f.setOpenErr(errors.NewStd("injected failure"))
	_ = f.Close()
}

func (f *fakeSource) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func newTestAdapter(t *testing.T, cfg *conf.SourceConfig, fs *fakeSource) *Adapter {
	t.Helper()
	if cfg.Kind == "" {
		cfg.Kind = conf.SourceKindDevice
	}
	adapter, err := NewAdapter(cfg, conf.SampleRate, conf.SampleRate, fs, nil)
	require.NoError(t, err)
	return adapter
}

func TestAdapterDeliversChunks(t *testing.T) {
	fs := newFakeSource()
	adapter := newTestAdapter(t, &conf.SourceConfig{ID: "cap1", Priority: 10}, fs)

	adapter.Start(context.Background())
	defer adapter.Stop()

	require.Eventually(t, func() bool { return adapter.State() == StateRunning },
		2*time.Second, 10*time.Millisecond, "adapter should reach running after open")

	want := squareChunk(conf.SampleRate, 16000)
	fs.push(want)

	got := make([]byte, pcm.ChunkBytes(conf.SampleRate))
	frames := adapter.ReadChunk(got, 2*time.Second)
	require.Equal(t, conf.ChunkFrames(conf.SampleRate), frames, "one whole chunk should arrive")
	assert.Equal(t, want, got, "captured audio must pass through unmodified")

	snap := adapter.Snapshot()
	assert.Equal(t, "cap1", snap.ID)
	assert.Equal(t, "default capture device", snap.Origin)
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, uint64(1), snap.ChunksCaptured)
	assert.Zero(t, snap.RestartCount)
	assert.False(t, snap.LastData.IsZero())
	assert.Positive(t, snap.Uptime)

	// The -6.2 dBFS square pegs the 0-100 display meter without clipping.
	assert.Equal(t, 100, snap.Level.Level)
	assert.False(t, snap.Level.Clipping)
	assert.Equal(t, "cap1", snap.Level.Source)

	adapter.Stop()
	assert.Equal(t, StateStopped, adapter.State())
}

func TestAdapterOpenFailureBacksOffAndRecovers(t *testing.T) {
	fs := newFakeSource()
	fs.setOpenErr(errors.NewStd("device busy"))
	adapter := newTestAdapter(t, &conf.SourceConfig{ID: "flaky", Priority: 10}, fs)

	adapter.Start(context.Background())
	defer adapter.Stop()

	// First attempt fails immediately, the retry lands after the 500ms
	// base backoff.
	require.Eventually(t, func() bool { return fs.openCount() >= 2 },
		3*time.Second, 10*time.Millisecond, "adapter should retry after backoff")
	assert.GreaterOrEqual(t, adapter.Snapshot().RestartCount, 1)

	// Once the device frees up the next attempt succeeds.
	fs.setOpenErr(nil)
	require.Eventually(t, func() bool { return adapter.State() == StateRunning },
		5*time.Second, 10*time.Millisecond, "adapter should recover when open succeeds")

	// The ladder only resets after sustained capture, so the restart
	// count from the failed attempts is still visible.
	assert.GreaterOrEqual(t, adapter.Snapshot().RestartCount, 1)
}

func TestAdapterBackoffLadder(t *testing.T) {
	t.Parallel()

	fs := newFakeSource()
	adapter := newTestAdapter(t, &conf.SourceConfig{ID: "ladder"}, fs)

	// A cancelled context makes waitBackoff return without sleeping but
	// after it has computed the next delay.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second, // capped
	}
	for i, expected := range want {
		assert.False(t, adapter.waitBackoff(ctx, "test"), "cancelled context should abort the wait")
		assert.Equal(t, expected, adapter.Snapshot().NextRetryDelay,
			"attempt %d should wait %v", i+1, expected)
	}
	assert.Equal(t, len(want), adapter.Snapshot().RestartCount)

	adapter.resetFailures()
	snap := adapter.Snapshot()
	assert.Zero(t, snap.RestartCount)
	assert.Zero(t, snap.NextRetryDelay)
}

func TestAdapterWatchdogRestartsStalledSource(t *testing.T) {
	fs := newFakeSource()
	adapter := newTestAdapter(t, &conf.SourceConfig{ID: "stall", Watchdog: time.Second}, fs)

	adapter.Start(context.Background())
	defer adapter.Stop()

	// No data ever arrives, so the watchdog breaks the first attempt
	// after ~1s and the supervisor reopens after backoff.
	require.Eventually(t, func() bool { return fs.openCount() >= 2 },
		5*time.Second, 10*time.Millisecond, "watchdog should force a reopen")

	var sawStall bool
	for _, tr := range adapter.StateHistory() {
		if tr.To == StateWatchdogTimeout {
			sawStall = true
		}
	}
	assert.True(t, sawStall, "state history should record the watchdog timeout")
	assert.GreaterOrEqual(t, adapter.Snapshot().RestartCount, 1)

	// The restarted attempt recovers as soon as data flows again.
	fs.push(squareChunk(conf.SampleRate, 16000))
	got := make([]byte, pcm.ChunkBytes(conf.SampleRate))
	frames := adapter.ReadChunk(got, 2*time.Second)
	assert.Equal(t, conf.ChunkFrames(conf.SampleRate), frames, "audio should flow after the forced restart")
}

func TestAdapterStopDuringBackoffIsPrompt(t *testing.T) {
	fs := newFakeSource()
	fs.setOpenErr(errors.NewStd("permanently broken"))
	adapter := newTestAdapter(t, &conf.SourceConfig{ID: "broken"}, fs)

	adapter.Start(context.Background())
	require.Eventually(t, func() bool { return fs.openCount() >= 1 },
		2*time.Second, 10*time.Millisecond)

	start := time.Now()
	adapter.Stop()
	assert.Less(t, time.Since(start), 2*time.Second, "stop should not wait out the backoff")
	assert.Equal(t, StateStopped, adapter.State())

	// Stop is idempotent, Start re-arms.
	adapter.Stop()
	before := fs.openCount()
	adapter.Start(context.Background())
	require.Eventually(t, func() bool { return fs.openCount() > before },
		3*time.Second, 10*time.Millisecond, "restarted adapter should attempt capture again")
	adapter.Stop()
}

func TestAdapterSilenceFlipsDegradedAndBack(t *testing.T) {
	fs := newFakeSource()
	// Sub-second hold is below the config minimum on purpose: the
	// detector itself has no such floor and the test should not wait 30s.
	adapter := newTestAdapter(t, &conf.SourceConfig{
		ID:              "quiet",
		SilenceDuration: 50 * time.Millisecond,
	}, fs)

	adapter.Start(context.Background())
	defer adapter.Stop()

	require.Eventually(t, func() bool { return adapter.State() == StateRunning },
		2*time.Second, 10*time.Millisecond)

	fs.push(silentChunk(conf.SampleRate))
	time.Sleep(80 * time.Millisecond)
	fs.push(silentChunk(conf.SampleRate))

	require.Eventually(t, func() bool { return adapter.State() == StateDegraded },
		2*time.Second, 10*time.Millisecond, "sustained silence should degrade the source")
	assert.True(t, adapter.Silent())

	// The smoothed level needs a few loud chunks to climb back over the
	// threshold; the flag clears on the chunk that crosses.
	for i := 0; i < 5; i++ {
		fs.push(squareChunk(conf.SampleRate, 16000))
	}
	require.Eventually(t, func() bool { return adapter.State() == StateRunning },
		2*time.Second, 10*time.Millisecond, "signal should restore the source")
	assert.False(t, adapter.Silent())
}

func TestAdapterRingRejectsWhenFull(t *testing.T) {
	fs := newFakeSource()
	cfg := &conf.SourceConfig{ID: "burst", Kind: conf.SourceKindDevice}
	// Two chunks of buffer; nothing consumes it during the test.
	adapter, err := NewAdapter(cfg, conf.SampleRate, 2*conf.ChunkFrames(conf.SampleRate), fs, nil)
	require.NoError(t, err)

	adapter.Start(context.Background())
	defer adapter.Stop()
	require.Eventually(t, func() bool { return adapter.State() == StateRunning },
		2*time.Second, 10*time.Millisecond)

	for i := 0; i < 4; i++ {
		fs.push(squareChunk(conf.SampleRate, 16000))
	}
	require.Eventually(t, func() bool { return adapter.Snapshot().ChunksCaptured == 4 },
		2*time.Second, 10*time.Millisecond)

	snap := adapter.Snapshot()
	assert.GreaterOrEqual(t, snap.Ring.Dropped, uint64(conf.ChunkFrames(conf.SampleRate)),
		"frames beyond the ring capacity must be rejected, not evicted")
	assert.Equal(t, uint64(2*conf.ChunkFrames(conf.SampleRate)), snap.Ring.Buffered,
		"buffered audio must survive the overflow")
}
