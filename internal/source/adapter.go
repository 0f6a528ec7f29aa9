// adapter.go supervises a single Source: a dedicated goroutine opens the
// source, pulls PCM chunks into the adapter's ring buffer and feeds the
// level meter, while a watchdog breaks stalled capture attempts and an
// exponential backoff paces restarts. Failures are never fatal; the
// adapter keeps retrying until stopped.
package source

import (
	"context"
	"io"
	"log"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/errors"
	"github.com/easwatch/easwatch/internal/observability/metrics"
	"github.com/easwatch/easwatch/internal/pcm"
	"github.com/easwatch/easwatch/internal/ringbuf"
)

const (
	// Backoff settings
	backoffBase        = 500 * time.Millisecond
	backoffMax         = 60 * time.Second
	backoffResetUptime = 60 * time.Second // sustained Running before the ladder resets

	// Maximum safe exponent for the backoff bit shift
	maxBackoffExponent = 16

	// Watchdog polling cadence. The timeout itself is per-source config.
	watchdogCheckInterval = 1 * time.Second

	// Process management timeouts
	stopGracePeriod = 5 * time.Second

	// State transition history retained per adapter
	maxTransitionHistory = 100

	// Minimum interval between dropped-frame log messages
	dropLogInterval = 30 * time.Second
)

// errWatchdogStall marks a capture attempt terminated by the watchdog.
var errWatchdogStall = errors.NewStd("no data within watchdog window")

// Adapter supervises one Source, exposing its audio through a ring
// buffer and its condition through State, Silent and Snapshot. All
// lifecycle transitions happen on the supervision goroutine.
type Adapter struct {
	cfg        conf.SourceConfig
	origin     string
	sampleRate int
	src        Source
	ring       *ringbuf.Ring
	silence    *SilenceDetector
	metrics    *metrics.IngestMetrics
	logger     *slog.Logger

	lastLevel atomic.Pointer[pcm.LevelData]

	stateMu sync.RWMutex
	state   LifecycleState

	transitionsMu sync.Mutex
	transitions   []StateTransition

	lastDataNanos     atomic.Int64 // advanced only by the capture path
	runningSinceNanos atomic.Int64 // 0 while not in Running/Degraded
	chunksCaptured    atomic.Uint64

	restartMu      sync.Mutex
	restartCount   int
	nextRetryDelay time.Duration

	dropLog *rate.Limiter

	runMu         sync.Mutex
	running       bool
	stopChan      chan struct{}
	doneChan      chan struct{}
	cancel        context.CancelFunc
	stopRequested atomic.Bool
}

// AdapterSnapshot is a read-only view of one adapter for the manager
// sweep, the health monitor and the status API.
type AdapterSnapshot struct {
	ID             string
	Kind           string
	Origin         string // device name, redacted URL, path or tone description
	Priority       int
	State          LifecycleState
	Silent         bool
	LevelDB        float64
	Level          pcm.LevelData // scaled 0-100 meter reading with clipping flag
	LastData       time.Time
	Uptime         time.Duration // continuous time in Running/Degraded, 0 otherwise
	RestartCount   int
	NextRetryDelay time.Duration
	ChunksCaptured uint64
	Ring           ringbuf.Stats
}

// NewAdapter wires a Source to its ring buffer and silence detector.
// ringFrames is the per-source buffer capacity; the ring rejects new
// frames on overflow so buffered audio is never silently replaced.
func NewAdapter(cfg *conf.SourceConfig, sampleRate, ringFrames int, src Source, m *metrics.IngestMetrics) (*Adapter, error) {
	ring, err := ringbuf.New(ringFrames, conf.BytesPerSample*conf.NumChannels, ringbuf.RejectNew)
	if err != nil {
		return nil, errors.New(err).
			Component("source").
			Category(errors.CategoryBuffer).
			SourceContext(cfg.ID, cfg.Kind).
			Build()
	}

	threshold := cfg.SilenceThreshold
	if threshold == 0 {
		threshold = conf.DefaultSilenceThreshold
	}
	hold := cfg.SilenceDuration
	if hold == 0 {
		hold = conf.DefaultSilenceDuration
	}

	return &Adapter{
		cfg:        *cfg,
		origin:     OriginLabel(cfg),
		sampleRate: sampleRate,
		src:        src,
		ring:       ring,
		silence:    NewSilenceDetector(threshold, hold),
		metrics:    m,
		logger:     sourceLogger.With("source_id", cfg.ID, "kind", cfg.Kind),
		state:      StateStopped,
		dropLog:    rate.NewLimiter(rate.Every(dropLogInterval), 1),
	}, nil
}

// ID returns the configured source identifier.
func (a *Adapter) ID() string { return a.cfg.ID }

// Priority returns the configured priority (lower number wins).
func (a *Adapter) Priority() int { return a.cfg.Priority }

// State returns the current lifecycle state.
func (a *Adapter) State() LifecycleState {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.state
}

// Silent reports whether the silence detector currently flags this
// source. Only meaningful while Running or Degraded.
func (a *Adapter) Silent() bool { return a.silence.Silent() }

// LevelDB returns the smoothed RMS level in dBFS.
func (a *Adapter) LevelDB() float64 { return a.silence.LevelDB() }

// Uptime returns how long the current capture attempt has been
// delivering audio, or zero when it is not.
func (a *Adapter) Uptime() time.Duration {
	since := a.runningSinceNanos.Load()
	if since == 0 {
		return 0
	}
	return time.Since(time.Unix(0, since))
}

// ReadChunk copies up to len(dst) bytes of captured audio into dst,
// waiting at most timeout. Returns the number of frames read.
func (a *Adapter) ReadChunk(dst []byte, timeout time.Duration) int {
	return a.ring.ReadWait(dst, timeout)
}

// Snapshot assembles a point-in-time view of the adapter.
func (a *Adapter) Snapshot() AdapterSnapshot {
	a.restartMu.Lock()
	restarts := a.restartCount
	nextRetry := a.nextRetryDelay
	a.restartMu.Unlock()

	var lastData time.Time
	if nanos := a.lastDataNanos.Load(); nanos != 0 {
		lastData = time.Unix(0, nanos)
	}

	level := pcm.LevelData{Source: a.cfg.ID, Name: a.origin}
	if ld := a.lastLevel.Load(); ld != nil {
		level = *ld
	}

	return AdapterSnapshot{
		ID:             a.cfg.ID,
		Kind:           a.cfg.Kind,
		Origin:         a.origin,
		Priority:       a.cfg.Priority,
		State:          a.State(),
		Silent:         a.silence.Silent(),
		LevelDB:        a.silence.LevelDB(),
		Level:          level,
		LastData:       lastData,
		Uptime:         a.Uptime(),
		RestartCount:   restarts,
		NextRetryDelay: nextRetry,
		ChunksCaptured: a.chunksCaptured.Load(),
		Ring:           a.ring.Stats(),
	}
}

// StateHistory returns a copy of the recorded state transitions, oldest
// first.
func (a *Adapter) StateHistory() []StateTransition {
	a.transitionsMu.Lock()
	defer a.transitionsMu.Unlock()
	history := make([]StateTransition, len(a.transitions))
	copy(history, a.transitions)
	return history
}

// Start launches the supervision goroutine. Calling Start on a running
// adapter is a no-op.
func (a *Adapter) Start(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return
	}

	a.stopChan = make(chan struct{})
	a.doneChan = make(chan struct{})
	a.stopRequested.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true

	go a.supervise(runCtx)
}

// Stop terminates the supervision goroutine and releases the source.
// It blocks until the capture loop has ended or the grace period
// expires. Calling Stop on a stopped adapter is a no-op.
func (a *Adapter) Stop() {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return
	}
	a.stopRequested.Store(true)
	close(a.stopChan)
	cancel := a.cancel
	done := a.doneChan
	a.runMu.Unlock()

	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		// Force the capture attempt down and wait once more.
		cancel()
		select {
		case <-done:
		case <-time.After(stopGracePeriod):
			a.logger.Error("capture loop did not stop within grace period")
		}
	}
	cancel()
}

// supervise runs capture attempts until stop, applying backoff between
// failures. This is the only goroutine that mutates lifecycle state.
func (a *Adapter) supervise(ctx context.Context) {
	defer func() {
		a.runMu.Lock()
		a.running = false
		a.runMu.Unlock()
		close(a.doneChan)
	}()

	for {
		select {
		case <-a.stopChan:
			a.transitionState(StateStopped, "stop requested")
			return
		case <-ctx.Done():
			a.transitionState(StateStopped, "context cancelled")
			return
		default:
		}

		err := a.captureAttempt(ctx)

		if a.stopRequested.Load() || ctx.Err() != nil {
			a.transitionState(StateStopped, "stop requested")
			return
		}

		reason := classifyFailure(err)
		if !a.waitBackoff(ctx, reason) {
			a.transitionState(StateStopped, "stop requested")
			return
		}
	}
}

// captureAttempt opens the source and pumps audio until the attempt
// ends: a read error, a watchdog stall, or a stop request. The source
// is closed exactly once on every path.
func (a *Adapter) captureAttempt(ctx context.Context) error {
	a.transitionState(StateStarting, "opening source")

	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	if err := a.src.Open(attemptCtx); err != nil {
		if a.metrics != nil {
			a.metrics.RecordCaptureError(a.cfg.ID)
		}
		a.logger.Warn("failed to open source", "error", err)
		return errors.New(err).
			Component("source").
			Category(errors.CategoryAudioSource).
			SourceContext(a.cfg.ID, a.cfg.Kind).
			Build()
	}

	var closeOnce sync.Once
	closeSource := func() {
		closeOnce.Do(func() {
			if err := a.src.Close(); err != nil {
				a.logger.Debug("source close reported error", "error", err)
			}
		})
	}
	defer closeSource()

	now := time.Now()
	a.markData(now) // arm the watchdog from open time
	a.runningSinceNanos.Store(now.UnixNano())
	a.transitionState(StateRunning, "source opened")
	log.Printf("🎙️ Source %s capturing (%s)", a.cfg.ID, a.cfg.Kind)

	defer func() {
		if sustained := a.Uptime(); sustained >= backoffResetUptime {
			a.resetFailures()
		}
		a.runningSinceNanos.Store(0)
		a.silence.Reset()
		a.lastLevel.Store(nil)
		if a.metrics != nil {
			a.metrics.UpdateSourceSilent(a.cfg.ID, false)
		}
	}()

	watchdogTimeout := a.cfg.Watchdog
	if watchdogTimeout == 0 {
		watchdogTimeout = conf.DefaultWatchdogTimeout
	}

	captureDone := make(chan error, 1)
	go a.captureLoop(captureDone)

	ticker := time.NewTicker(watchdogCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			closeSource() // unblocks the capture read
			<-captureDone
			return nil

		case <-ctx.Done():
			closeSource()
			<-captureDone
			return nil

		case err := <-captureDone:
			return err

		case <-ticker.C:
			if a.sinceLastData() <= watchdogTimeout {
				continue
			}
			a.transitionState(StateWatchdogTimeout, "no data within watchdog window")
			if a.metrics != nil {
				a.metrics.RecordWatchdogTimeout(a.cfg.ID)
			}
			a.logger.Warn("watchdog timeout, restarting source",
				"timeout", watchdogTimeout,
				"last_data", a.sinceLastData())
			closeSource()
			<-captureDone
			return errWatchdogStall
		}
	}
}

// captureLoop reads the source into whole chunks and delivers them.
// It owns the producer side of the ring and exits on the first read
// error, which includes the error produced when Close breaks a blocked
// Read.
func (a *Adapter) captureLoop(done chan<- error) {
	chunkBytes := pcm.ChunkBytes(a.sampleRate)
	buf := make([]byte, chunkBytes)
	fill := 0

	for {
		n, err := a.src.Read(buf[fill:])
		if n > 0 {
			fill += n
			a.markData(time.Now())
			if fill == chunkBytes {
				a.deliverChunk(buf)
				fill = 0
			}
		}
		if err != nil {
			done <- err
			return
		}
	}
}

// deliverChunk meters one chunk and writes it to the ring buffer.
func (a *Adapter) deliverChunk(chunk []byte) {
	now := time.Now()
	level, silent := a.silence.Process(chunk, now)

	meter := pcm.CalculateLevel(chunk, a.cfg.ID, a.origin)
	a.lastLevel.Store(&meter)

	// Silence flips Running <-> Degraded; other states are left to the
	// supervision goroutine.
	switch state := a.State(); {
	case silent && state == StateRunning:
		a.transitionState(StateDegraded, "silence detected")
		if a.metrics != nil {
			a.metrics.UpdateSourceSilent(a.cfg.ID, true)
		}
		a.logger.Warn("source went silent", "level_dbfs", level)
	case !silent && state == StateDegraded:
		a.transitionState(StateRunning, "signal restored")
		if a.metrics != nil {
			a.metrics.UpdateSourceSilent(a.cfg.ID, false)
		}
		a.logger.Info("source signal restored", "level_dbfs", level)
	}

	res, err := a.ring.Write(chunk)
	if err != nil {
		a.logger.Error("ring write failed", "error", err)
		return
	}
	if res.Dropped > 0 {
		if a.metrics != nil {
			a.metrics.RecordRingDropped(a.cfg.ID, res.Dropped)
		}
		if a.dropLog.Allow() {
			a.logger.Warn("ring buffer full, dropping frames",
				"dropped_frames", res.Dropped,
				"fill_percent", a.ring.Stats().FillPercent())
		}
	}

	a.chunksCaptured.Add(1)
	if a.metrics != nil {
		a.metrics.RecordChunkCaptured(a.cfg.ID)
		a.metrics.UpdateSourceLevel(a.cfg.ID, level)
		a.metrics.UpdateRingUtilization(a.cfg.ID, a.ring.Stats().FillPercent()/100)
	}
}

// waitBackoff applies the exponential restart ladder. Returns false if
// a stop arrived while waiting.
func (a *Adapter) waitBackoff(ctx context.Context, reason string) bool {
	a.restartMu.Lock()
	a.restartCount++
	exponent := a.restartCount - 1
	if exponent > maxBackoffExponent {
		exponent = maxBackoffExponent
	}
	backoff := min(backoffBase*time.Duration(1<<uint(exponent)), backoffMax)
	a.nextRetryDelay = backoff
	count := a.restartCount
	a.restartMu.Unlock()

	a.transitionState(StateFailed, reason)
	if a.metrics != nil {
		a.metrics.RecordRestart(a.cfg.ID, reason)
	}
	a.logger.Info("scheduling source restart",
		"reason", reason,
		"restart_count", count,
		"backoff", backoff)

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-a.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

func (a *Adapter) resetFailures() {
	a.restartMu.Lock()
	if a.restartCount > 0 {
		a.logger.Debug("restart ladder reset after sustained capture",
			"previous_count", a.restartCount)
	}
	a.restartCount = 0
	a.nextRetryDelay = 0
	a.restartMu.Unlock()
}

func (a *Adapter) markData(t time.Time) {
	a.lastDataNanos.Store(t.UnixNano())
}

func (a *Adapter) sinceLastData() time.Duration {
	nanos := a.lastDataNanos.Load()
	if nanos == 0 {
		return 0
	}
	return time.Since(time.Unix(0, nanos))
}

// transitionState applies a lifecycle transition with validation and
// bounded history, mirroring the supervision semantics throughout the
// package: idempotent transitions are skipped, leaving Stopped is only
// possible through Start, and unexpected transitions are applied
// leniently with a warning rather than wedging the supervisor.
func (a *Adapter) transitionState(to LifecycleState, reason string) {
	a.stateMu.Lock()
	from := a.state

	// Skip idempotent transitions (no-op) to reduce log noise
	if from == to {
		a.stateMu.Unlock()
		return
	}

	if !isValidTransition(from, to) {
		a.logger.Warn("invalid state transition (applying anyway)",
			"from", from.String(),
			"to", to.String(),
			"reason", reason)
	}

	a.state = to
	a.stateMu.Unlock()

	transition := StateTransition{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}

	a.transitionsMu.Lock()
	a.transitions = append(a.transitions, transition)
	if len(a.transitions) > maxTransitionHistory {
		a.transitions = a.transitions[len(a.transitions)-maxTransitionHistory:]
	}
	a.transitionsMu.Unlock()

	if a.metrics != nil {
		a.metrics.UpdateSourceState(a.cfg.ID, int(to))
	}

	a.logger.Debug("state transition",
		"from", from.String(),
		"to", to.String(),
		"reason", reason)
}

// classifyFailure maps a capture attempt error to a restart reason.
func classifyFailure(err error) string {
	switch {
	case err == nil:
		return "capture_ended"
	case errors.Is(err, errWatchdogStall):
		return "watchdog_timeout"
	case errors.Is(err, io.EOF):
		return "eof"
	case errors.IsCategory(err, errors.CategoryAudioSource):
		return "open_failed"
	default:
		return "capture_error"
	}
}
