// manager.go implements priority failover across supervised sources and
// feeds the master buffer consumed by the decoder. A single manager
// goroutine runs the copy loop and the periodic health sweep; nothing
// else mutates the active selection.
package source

import (
	"context"
	"log"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/errors"
	"github.com/easwatch/easwatch/internal/observability/metrics"
	"github.com/easwatch/easwatch/internal/pcm"
	"github.com/easwatch/easwatch/internal/ringbuf"
)

const (
	// copyInterval is the cadence of the master copy step. Half a chunk
	// period keeps the master fed without busy-polling source rings.
	copyInterval = 50 * time.Millisecond

	// overrunLogInterval throttles master overrun warnings; the metric
	// counts every occurrence regardless.
	overrunLogInterval = 5 * time.Second

	// failoverEventBuffer bounds the events channel. When a consumer
	// lags, the oldest event is dropped to admit the newest.
	failoverEventBuffer = 16

	// managerStopTimeout bounds StopAll waiting for the manager loop.
	managerStopTimeout = 5 * time.Second
)

// FailoverEvent records one change of the active source. Next is empty
// when no source was eligible and the master switched to silence.
type FailoverEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Previous  string    `json:"previous"`
	Next      string    `json:"next"`
	Reason    string    `json:"reason"`
}

// ManagerSnapshot is a read-only view of the manager for the health
// monitor and the status API.
type ManagerSnapshot struct {
	Active    string
	Adapters  []AdapterSnapshot // sorted by priority, then id
	Master    ringbuf.Stats
	Failovers []FailoverEvent // most recent first
}

// masterDesc tracks the provenance of frames written to the master
// ring so chunk reads can carry source, sequence and discontinuity
// metadata. The deque lives under masterMu in write order.
type masterDesc struct {
	seq       uint64
	sourceID  string
	synthetic bool
	discont   bool
	frames    int
	ts        time.Time
}

// Manager owns the adapters, the active-source selection and the master
// buffer. The master consumer side (ReadMaster / GetMasterChunk) must
// be driven by a single goroutine.
type Manager struct {
	sampleRate    int
	sweepInterval time.Duration
	metrics       *metrics.IngestMetrics
	logger        *slog.Logger

	adaptersMu       sync.RWMutex
	adapters         map[string]*Adapter
	sourceRingFrames int

	master         *ringbuf.Ring
	masterMu       sync.Mutex
	descs          []masterDesc
	pendingDiscont bool
	sequence       uint64

	activeMu sync.RWMutex
	activeID string

	eventsCh    chan FailoverEvent
	callbacksMu sync.Mutex
	callbacks   []func(FailoverEvent)

	failLogMu   sync.Mutex
	failLog     []FailoverEvent
	failLogSize int

	overrunLog *rate.Limiter

	copyBuf         []byte
	silenceDeadline time.Time

	runMu    sync.Mutex
	running  bool
	runCtx   context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	doneChan chan struct{}
	kick     chan struct{}
}

// NewManager builds a manager from the pipeline settings. Sources are
// added separately through AddSource.
func NewManager(settings *conf.Settings, m *metrics.IngestMetrics) (*Manager, error) {
	sampleRate := settings.Audio.SampleRate
	if sampleRate == 0 {
		sampleRate = conf.SampleRate
	}

	masterDur := settings.Manager.MasterBuffer
	if masterDur <= 0 {
		masterDur = 5 * time.Second
	}
	sourceDur := settings.Manager.SourceBuffer
	if sourceDur <= 0 {
		sourceDur = 2 * time.Second
	}
	sweep := settings.Manager.SweepInterval
	if sweep <= 0 {
		sweep = 500 * time.Millisecond
	}
	eventLog := settings.Manager.EventLog
	if eventLog <= 0 {
		eventLog = 64
	}

	masterFrames := int(masterDur.Seconds() * float64(sampleRate))
	master, err := ringbuf.New(masterFrames, conf.BytesPerSample*conf.NumChannels, ringbuf.EvictOldest)
	if err != nil {
		return nil, errors.New(err).
			Component("source").
			Category(errors.CategoryBuffer).
			Context("buffer", "master").
			Build()
	}

	logger := sourceLogger.With("component", "manager")

	return &Manager{
		sampleRate:       sampleRate,
		sweepInterval:    sweep,
		metrics:          m,
		logger:           logger,
		adapters:         make(map[string]*Adapter),
		sourceRingFrames: int(sourceDur.Seconds() * float64(sampleRate)),
		master:           master,
		eventsCh:         make(chan FailoverEvent, failoverEventBuffer),
		failLogSize:      eventLog,
		overrunLog:       rate.NewLimiter(rate.Every(overrunLogInterval), 1),
		copyBuf:          make([]byte, pcm.ChunkBytes(sampleRate)),
		kick:             make(chan struct{}, 1),
	}, nil
}

// SampleRate returns the pipeline PCM rate the master stream uses.
func (m *Manager) SampleRate() int { return m.sampleRate }

// AddSource validates the config, builds the source and its adapter,
// and registers it. When the manager is already running the new adapter
// is started immediately and considered by the next sweep.
func (m *Manager) AddSource(cfg *conf.SourceConfig) error {
	if err := conf.ValidateSourceConfig(cfg); err != nil {
		return errors.New(err).
			Component("source").
			Category(errors.CategoryValidation).
			SourceContext(cfg.ID, cfg.Kind).
			Build()
	}
	if !cfg.Enabled {
		return errors.Newf("source %s is disabled", cfg.ID).
			Component("source").
			Category(errors.CategoryValidation).
			SourceContext(cfg.ID, cfg.Kind).
			Build()
	}

	src, err := NewSource(cfg, m.sampleRate)
	if err != nil {
		return err
	}

	adapter, err := NewAdapter(cfg, m.sampleRate, m.sourceRingFrames, src, m.metrics)
	if err != nil {
		return err
	}

	m.adaptersMu.Lock()
	if _, exists := m.adapters[cfg.ID]; exists {
		m.adaptersMu.Unlock()
		return errors.Newf("source %s already registered", cfg.ID).
			Component("source").
			Category(errors.CategoryConflict).
			SourceContext(cfg.ID, cfg.Kind).
			Build()
	}
	m.adapters[cfg.ID] = adapter
	m.adaptersMu.Unlock()

	m.logger.Info("source registered",
		"source_id", cfg.ID,
		"kind", cfg.Kind,
		"priority", cfg.Priority)

	m.runMu.Lock()
	running := m.running
	runCtx := m.runCtx
	m.runMu.Unlock()
	if running {
		adapter.Start(runCtx)
		m.kickSweep()
	}
	return nil
}

// RemoveSource stops and unregisters a source. If it was active, the
// next sweep fails over.
func (m *Manager) RemoveSource(id string) error {
	m.adaptersMu.Lock()
	adapter, exists := m.adapters[id]
	if exists {
		delete(m.adapters, id)
	}
	m.adaptersMu.Unlock()

	if !exists {
		return errors.Newf("source %s not registered", id).
			Component("source").
			Category(errors.CategoryNotFound).
			Context("source_id", id).
			Build()
	}

	adapter.Stop()
	m.logger.Info("source removed", "source_id", id)
	m.kickSweep()
	return nil
}

// StartAll starts every registered adapter and the manager loop.
func (m *Manager) StartAll(ctx context.Context) {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.cancel = cancel
	m.stopChan = make(chan struct{})
	m.doneChan = make(chan struct{})
	m.running = true
	m.runMu.Unlock()

	m.adaptersMu.RLock()
	for _, adapter := range m.adapters {
		adapter.Start(runCtx)
	}
	count := len(m.adapters)
	m.adaptersMu.RUnlock()

	go m.loop(runCtx)
	log.Printf("▶️ Source manager started with %d source(s)", count)
}

// StopAll stops the manager loop and all adapters.
func (m *Manager) StopAll() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	close(m.stopChan)
	done := m.doneChan
	cancel := m.cancel
	m.running = false
	m.runMu.Unlock()

	select {
	case <-done:
	case <-time.After(managerStopTimeout):
		m.logger.Error("manager loop did not stop within timeout")
	}
	cancel()

	m.adaptersMu.RLock()
	adapters := make([]*Adapter, 0, len(m.adapters))
	for _, adapter := range m.adapters {
		adapters = append(adapters, adapter)
	}
	m.adaptersMu.RUnlock()

	var wg sync.WaitGroup
	for _, adapter := range adapters {
		wg.Add(1)
		go func(a *Adapter) {
			defer wg.Done()
			a.Stop()
		}(adapter)
	}
	wg.Wait()

	m.activeMu.Lock()
	m.activeID = ""
	m.activeMu.Unlock()
	log.Printf("⏹️ Source manager stopped")
}

// ActiveSource returns the currently selected source id.
func (m *Manager) ActiveSource() (string, bool) {
	m.activeMu.RLock()
	defer m.activeMu.RUnlock()
	return m.activeID, m.activeID != ""
}

// OnFailover registers a callback invoked for every failover event.
// Callbacks run on their own goroutine and must not block forever.
func (m *Manager) OnFailover(fn func(FailoverEvent)) {
	m.callbacksMu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.callbacksMu.Unlock()
}

// Events returns the failover event channel. When the channel backs up
// the oldest events are discarded.
func (m *Manager) Events() <-chan FailoverEvent {
	return m.eventsCh
}

// FailoverLog returns recorded failover events, most recent first.
func (m *Manager) FailoverLog() []FailoverEvent {
	m.failLogMu.Lock()
	defer m.failLogMu.Unlock()
	events := make([]FailoverEvent, len(m.failLog))
	copy(events, m.failLog)
	return events
}

// Snapshot assembles a read-only view of the whole ingest side.
func (m *Manager) Snapshot() ManagerSnapshot {
	m.adaptersMu.RLock()
	adapters := make([]AdapterSnapshot, 0, len(m.adapters))
	for _, adapter := range m.adapters {
		adapters = append(adapters, adapter.Snapshot())
	}
	m.adaptersMu.RUnlock()

	sort.Slice(adapters, func(i, j int) bool {
		if adapters[i].Priority != adapters[j].Priority {
			return adapters[i].Priority < adapters[j].Priority
		}
		return adapters[i].ID < adapters[j].ID
	})

	active, _ := m.ActiveSource()
	return ManagerSnapshot{
		Active:    active,
		Adapters:  adapters,
		Master:    m.master.Stats(),
		Failovers: m.FailoverLog(),
	}
}

// ReadMaster copies up to len(dst) bytes of the master stream into dst,
// waiting at most timeout. Returns frames read. Single consumer only;
// shares the consumer role with GetMasterChunk.
func (m *Manager) ReadMaster(dst []byte, timeout time.Duration) int {
	frames := m.master.ReadWait(dst, timeout)
	if frames > 0 {
		m.consumeDescs(frames)
	}
	return frames
}

// GetMasterChunk reads one chunk of the master stream with its
// provenance metadata. ok is false when no audio arrived within
// timeout. A short chunk is returned when the master drains mid-read.
func (m *Manager) GetMasterChunk(timeout time.Duration) (pcm.Chunk, bool) {
	buf := make([]byte, pcm.ChunkBytes(m.sampleRate))
	frames := m.master.ReadWait(buf, timeout)
	if frames == 0 {
		return pcm.Chunk{}, false
	}
	meta := m.consumeDescs(frames)
	return pcm.Chunk{
		Data:          buf[:frames*conf.BytesPerSample*conf.NumChannels],
		SourceID:      meta.sourceID,
		Timestamp:     meta.ts,
		Sequence:      meta.seq,
		Discontinuity: meta.discont,
		Synthetic:     meta.synthetic,
	}, true
}

// loop is the single manager goroutine: sweep on the configured
// interval, copy on a fixed short cadence.
func (m *Manager) loop(ctx context.Context) {
	defer close(m.doneChan)

	sweepTicker := time.NewTicker(m.sweepInterval)
	defer sweepTicker.Stop()
	copyTicker := time.NewTicker(copyInterval)
	defer copyTicker.Stop()

	// Initial selection so the master starts flowing (or substituting
	// silence) without waiting out a full sweep interval.
	m.sweep()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		case <-m.kick:
			m.sweep()
		case <-sweepTicker.C:
			m.sweep()
		case <-copyTicker.C:
			m.copyStep()
		}
	}
}

func (m *Manager) kickSweep() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// eligible reports whether an adapter can carry the master stream.
func eligible(a *Adapter) bool {
	return a.State() == StateRunning && !a.Silent()
}

// sweep evaluates every adapter and switches the active source when the
// current one is no longer the best eligible choice. Selection order:
// lowest priority number, then longest continuous uptime, then smallest
// id.
func (m *Manager) sweep() {
	m.adaptersMu.RLock()
	adapters := make([]*Adapter, 0, len(m.adapters))
	for _, adapter := range m.adapters {
		adapters = append(adapters, adapter)
	}
	m.adaptersMu.RUnlock()

	sort.Slice(adapters, func(i, j int) bool {
		ai, aj := adapters[i], adapters[j]
		if ai.Priority() != aj.Priority() {
			return ai.Priority() < aj.Priority()
		}
		ui, uj := ai.Uptime(), aj.Uptime()
		if ui != uj {
			return ui > uj
		}
		return ai.ID() < aj.ID()
	})

	var best *Adapter
	var prevAdapter *Adapter
	prev, _ := m.ActiveSource()
	for _, adapter := range adapters {
		if best == nil && eligible(adapter) {
			best = adapter
		}
		if adapter.ID() == prev {
			prevAdapter = adapter
		}
	}

	next := ""
	if best != nil {
		next = best.ID()
	}
	if next == prev {
		return
	}

	m.failover(prev, prevAdapter, next)
}

// failover records and publishes a switch of the active source.
func (m *Manager) failover(prev string, prevAdapter *Adapter, next string) {
	reason := failoverReason(prev, prevAdapter)

	m.activeMu.Lock()
	m.activeID = next
	m.activeMu.Unlock()

	// The next master chunk does not continue the previous stream.
	m.masterMu.Lock()
	m.pendingDiscont = true
	m.masterMu.Unlock()

	// Pacing for substituted silence restarts from the switch.
	m.silenceDeadline = time.Time{}

	event := FailoverEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Previous:  prev,
		Next:      next,
		Reason:    reason,
	}

	m.failLogMu.Lock()
	m.failLog = append([]FailoverEvent{event}, m.failLog...)
	if len(m.failLog) > m.failLogSize {
		m.failLog = m.failLog[:m.failLogSize]
	}
	m.failLogMu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordFailover(reason)
		if prev != "" {
			m.metrics.UpdateActiveSource(prev, false)
		}
		if next != "" {
			m.metrics.UpdateActiveSource(next, true)
		}
	}

	switch {
	case next == "":
		log.Printf("🔇 No eligible source, substituting silence (was %s)", prev)
	case prev == "":
		log.Printf("🔊 Source %s active (%s)", next, reason)
	default:
		log.Printf("🔀 Failover %s → %s (%s)", prev, next, reason)
	}
	m.logger.Warn("active source changed",
		"previous", prev,
		"next", next,
		"reason", reason)

	select {
	case m.eventsCh <- event:
	default:
		// Consumer lagging: drop the oldest to admit the newest.
		select {
		case <-m.eventsCh:
		default:
		}
		select {
		case m.eventsCh <- event:
		default:
		}
	}

	m.callbacksMu.Lock()
	callbacks := make([]func(FailoverEvent), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.callbacksMu.Unlock()
	for _, fn := range callbacks {
		go fn(event)
	}
}

// failoverReason classifies why the selection changed.
func failoverReason(prev string, prevAdapter *Adapter) string {
	if prev == "" {
		return "initial_selection"
	}
	if prevAdapter == nil {
		return "source_removed"
	}
	if eligible(prevAdapter) {
		// Previous source is still fine; a better-priority source
		// recovered and preempts it.
		return "higher_priority_recovered"
	}
	switch prevAdapter.State() {
	case StateDegraded:
		return "source_silent"
	case StateWatchdogTimeout:
		return "source_stalled"
	case StateFailed, StateStarting:
		return "source_failed"
	case StateStopped:
		return "source_stopped"
	default:
		if prevAdapter.Silent() {
			return "source_silent"
		}
		return "source_unavailable"
	}
}

// copyStep moves captured audio from the active adapter into the master
// buffer, or substitutes real-time silence when nothing is eligible.
func (m *Manager) copyStep() {
	active, ok := m.ActiveSource()
	if !ok {
		m.emitSilence()
		return
	}

	m.adaptersMu.RLock()
	adapter := m.adapters[active]
	m.adaptersMu.RUnlock()
	if adapter == nil {
		m.emitSilence()
		return
	}

	// Reset silence pacing while a live source carries the stream.
	m.silenceDeadline = time.Time{}

	for {
		frames := adapter.ReadChunk(m.copyBuf, 0)
		if frames == 0 {
			return
		}
		m.writeMaster(m.copyBuf[:frames*conf.BytesPerSample*conf.NumChannels], active, false)
	}
}

// emitSilence writes explicit silence chunks paced to the real-time
// rate so downstream timing recovery never starves.
func (m *Manager) emitSilence() {
	now := time.Now()
	if m.silenceDeadline.IsZero() {
		m.silenceDeadline = now
	}
	chunkDur := time.Duration(conf.ChunkMilliseconds) * time.Millisecond
	for !m.silenceDeadline.After(now) {
		chunk := pcm.SilenceChunk(m.sampleRate, m.silenceDeadline)
		m.writeMaster(chunk.Data, "", true)
		m.silenceDeadline = m.silenceDeadline.Add(chunkDur)
	}
}

// writeMaster appends frames and their provenance to the master buffer.
// Evictions on overrun always surface through metrics and a throttled
// log line.
func (m *Manager) writeMaster(data []byte, sourceID string, synthetic bool) {
	m.masterMu.Lock()
	defer m.masterMu.Unlock()

	res, err := m.master.Write(data)
	if err != nil {
		m.logger.Error("master write failed", "error", err)
		return
	}

	if res.Overrun > 0 {
		m.dropDescsLocked(res.Overrun)
		if m.metrics != nil {
			m.metrics.RecordMasterOverrun(res.Overrun)
		}
		if m.overrunLog.Allow() {
			m.logger.Warn("master buffer overrun, oldest audio evicted",
				"evicted_frames", res.Overrun,
				"fill_percent", m.master.Stats().FillPercent())
		}
	}

	m.sequence++
	m.descs = append(m.descs, masterDesc{
		seq:       m.sequence,
		sourceID:  sourceID,
		synthetic: synthetic,
		discont:   m.pendingDiscont,
		frames:    res.Accepted,
		ts:        time.Now(),
	})
	m.pendingDiscont = false

	if m.metrics != nil {
		m.metrics.RecordMasterChunk(synthetic)
		stats := m.master.Stats()
		m.metrics.UpdateMasterUtilization(stats.FillPercent() / 100)
		m.metrics.UpdateMasterPeakFill(stats.PeakFill)
	}
}

// dropDescsLocked discards provenance for frames evicted from the front
// of the master ring. The read position jumped, so whatever is read
// next is discontinuous.
func (m *Manager) dropDescsLocked(frames int) {
	remaining := frames
	for remaining > 0 && len(m.descs) > 0 {
		d := &m.descs[0]
		if d.frames > remaining {
			d.frames -= remaining
			remaining = 0
		} else {
			remaining -= d.frames
			m.descs = m.descs[1:]
		}
	}
	if len(m.descs) > 0 {
		m.descs[0].discont = true
	} else {
		m.descs = nil
		m.pendingDiscont = true
	}
}

// consumeDescs pops provenance for frames delivered to the consumer and
// returns the metadata describing the read: attributes of the first
// covered descriptor, with the discontinuity flag set if any covered
// descriptor carried one.
func (m *Manager) consumeDescs(frames int) masterDesc {
	m.masterMu.Lock()
	defer m.masterMu.Unlock()

	var meta masterDesc
	first := true
	remaining := frames
	for remaining > 0 && len(m.descs) > 0 {
		d := &m.descs[0]
		if first {
			meta = masterDesc{
				seq:       d.seq,
				sourceID:  d.sourceID,
				synthetic: d.synthetic,
				ts:        d.ts,
			}
			first = false
		}
		if d.discont {
			meta.discont = true
			d.discont = false
		}
		if d.frames > remaining {
			d.frames -= remaining
			remaining = 0
		} else {
			remaining -= d.frames
			m.descs = m.descs[1:]
		}
	}
	if len(m.descs) == 0 {
		m.descs = nil
	}
	return meta
}
