// decoder.go drives burst capture over the recovered bit stream. All
// signal processing happens on the caller's goroutine: ProcessSamples
// (or Run, which pulls master chunks) feeds the demodulator, which calls
// back into the state machine below. Events, history and metric
// snapshots are safe to consume from other goroutines.
package samedec

import (
	"context"
	"encoding/binary"
	"log"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/errors"
	"github.com/easwatch/easwatch/internal/logging"
	"github.com/easwatch/easwatch/internal/observability/metrics"
	"github.com/easwatch/easwatch/internal/pcm"
)

var decodeLogger *slog.Logger

func init() {
	decodeLogger = logging.ForService("samedec")
	if decodeLogger == nil {
		// Fallback to default slog if logging not initialized
		decodeLogger = slog.Default().With("service", "samedec")
	}
}

const (
	// Attention signal tones. Presence is tracked while a validated
	// message is open; it never gates header or EOM handling.
	attentionLowHz  = 853.0
	attentionHighHz = 960.0

	// attnThreshold is the per-tone amplitude, full scale 1.0, a
	// Goertzel window must reach to count toward attention presence.
	attnThreshold = 0.05

	// attnRunNeed is how many consecutive qualifying windows mark the
	// attention signal as heard. Windows are a tenth of a second, so
	// this asks for 300 ms of sustained two-tone audio.
	attnRunNeed = 3

	// Bit budgets per capture phase. A burst that exceeds its budget
	// has lost the carrier or was never real; the budget converts that
	// into a deterministic exit instead of an open-ended capture.
	preambleBitBudget = 40 * 8
	headerBitBudget   = (maxHeaderBytes + 8) * 8
	eomBitBudget      = 8 * 8

	// repetitionWindow is how long after a validated header (or a first
	// NNNN) the same content is consumed as a repetition of the same
	// transmission rather than reported again.
	repetitionWindow = 10 * time.Second

	// messageWindow bounds how long a validated message stays open
	// waiting for its end of message before the decoder gives up and
	// idles. Alert audio tops out at two minutes on air.
	messageWindow = 3 * time.Minute

	// confMargin is the correlation margin a bit decision must clear to
	// count as confident. Burst confidence is the fraction of header
	// bits that cleared it.
	confMargin = 0.25

	decodeEventBuffer = 32
	decodeHistorySize = 64

	// masterReadTimeout bounds each master-buffer wait inside Run so
	// context cancellation is observed promptly.
	masterReadTimeout = 200 * time.Millisecond

	// rateWindow is the averaging period for the observed sample rate.
	rateWindow = 2 * time.Second
)

// State identifies where the decoder is in the burst lifecycle.
type State int32

const (
	StateIdle State = iota
	StatePreambleSync
	StateHeaderCapture
	StateHeaderValidated
	StateAwaitingAttention
	StateEndOfMessageCapture
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreambleSync:
		return "preamble_sync"
	case StateHeaderCapture:
		return "header_capture"
	case StateHeaderValidated:
		return "header_validated"
	case StateAwaitingAttention:
		return "awaiting_attention"
	case StateEndOfMessageCapture:
		return "eom_capture"
	default:
		return "unknown"
	}
}

// ChunkSource delivers master-buffer chunks to Run. *source.Manager
// satisfies it.
type ChunkSource interface {
	GetMasterChunk(timeout time.Duration) (pcm.Chunk, bool)
}

// Metrics is a point-in-time snapshot of decoder throughput and yield.
type Metrics struct {
	State            State   `json:"state"`
	SamplesProcessed uint64  `json:"samples_processed"`
	ProcessingRate   float64 `json:"processing_rate"`
	ExpectedRate     float64 `json:"expected_rate"`
	Confidence       float64 `json:"confidence"`
	BurstsDetected   uint64  `json:"bursts_detected"`
	BurstsValidated  uint64  `json:"bursts_validated"`
	BurstsRejected   uint64  `json:"bursts_rejected"`
	Messages         uint64  `json:"messages"`
}

// messageContext is the currently open message: a validated header whose
// repetitions, attention tone and end of message are still expected.
type messageContext struct {
	header      *Header
	confidence  float64
	validatedAt time.Time
	expires     time.Time
	repeats     int
}

// Decoder recovers SAME messages from a PCM stream.
//
// ProcessSamples, ProcessPCM and Run must all be called from a single
// goroutine; they share the demodulator and state machine. Events,
// History, Metrics, State and ActiveMessage are safe anywhere.
type Decoder struct {
	sampleRate int

	demod             *demodulator
	framer            framer
	attnLow, attnHigh *goertzel

	// cur is owned by the processing goroutine; stateAtomic mirrors it
	// for cross-goroutine reads.
	cur         State
	stateAtomic atomic.Int32

	headerBuf          []byte
	preambleBytes      int
	eomCount           int
	bitBudget          int
	confBits, confGood int

	msgMu          sync.Mutex
	context        *messageContext
	lastEOM        time.Time
	attentionHeard bool
	attnRun        int

	scratch []int16

	events      chan Event
	historyMu   sync.Mutex
	history     []Event
	historySize int

	samplesTotal atomic.Uint64
	detects      atomic.Uint64
	valids       atomic.Uint64
	rejects      atomic.Uint64
	messages     atomic.Uint64
	procRate     atomic.Uint64 // float64 bits
	confEWMA     atomic.Uint64 // float64 bits
	rateMark     time.Time
	rateCount    uint64

	metrics *metrics.DecoderMetrics
	logger  *slog.Logger
}

// New builds a decoder for the given sample rate. Metrics may be nil.
func New(sampleRate int, m *metrics.DecoderMetrics) (*Decoder, error) {
	if sampleRate < conf.MinDecoderRate || sampleRate > conf.MaxDecoderRate {
		return nil, errors.Newf("decoder sample rate %d outside supported range %d-%d",
			sampleRate, conf.MinDecoderRate, conf.MaxDecoderRate).
			Component("samedec").
			Category(errors.CategoryValidation).
			Context("sample_rate", sampleRate).
			Build()
	}
	d := &Decoder{
		sampleRate:  sampleRate,
		headerBuf:   make([]byte, 0, maxHeaderBytes+1),
		events:      make(chan Event, decodeEventBuffer),
		historySize: decodeHistorySize,
		metrics:     m,
		logger:      decodeLogger.With("sample_rate", sampleRate),
	}
	d.demod = newDemodulator(float64(sampleRate), d.handleBit)
	window := sampleRate / 10
	d.attnLow = newGoertzel(attentionLowHz, sampleRate, window)
	d.attnHigh = newGoertzel(attentionHighHz, sampleRate, window)
	d.setState(StateIdle, "created")
	return d, nil
}

// Run pulls master chunks until ctx is cancelled. Chunks flagged with a
// discontinuity reset demodulator timing before their samples are
// processed, since the symbol clock cannot survive a splice.
func (d *Decoder) Run(ctx context.Context, src ChunkSource) error {
	d.logger.Info("decoder started")
	log.Printf("🎧 SAME decoder listening at %d Hz", d.sampleRate)
	defer d.logger.Info("decoder stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		chunk, ok := src.GetMasterChunk(masterReadTimeout)
		if !ok {
			continue
		}
		if chunk.Discontinuity {
			d.resync()
		}
		d.ProcessPCM(chunk.Data)
	}
}

// ProcessSamples pushes mono 16-bit samples through the demodulator.
func (d *Decoder) ProcessSamples(samples []int16) {
	if len(samples) == 0 {
		return
	}
	d.expireContext(time.Now())
	for _, s := range samples {
		x := float64(s) / 32768.0
		d.demod.process(x)
		if d.cur == StateAwaitingAttention {
			d.trackAttention(x)
		}
	}
	d.samplesTotal.Add(uint64(len(samples)))
	if d.metrics != nil {
		d.metrics.RecordSamplesProcessed(len(samples))
	}
	d.updateRate(len(samples), time.Now())
}

// ProcessPCM pushes little-endian 16-bit PCM bytes. An odd trailing byte
// is ignored; chunk producers always deliver whole frames.
func (d *Decoder) ProcessPCM(data []byte) {
	n := len(data) / 2
	if n == 0 {
		return
	}
	if cap(d.scratch) < n {
		d.scratch = make([]int16, n)
	}
	buf := d.scratch[:n]
	for i := 0; i < n; i++ {
		buf[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	d.ProcessSamples(buf)
}

// Events returns the decoder event stream. The channel is buffered; when
// a consumer lags, the oldest event is dropped to admit the newest.
func (d *Decoder) Events() <-chan Event {
	return d.events
}

// History returns recent events, most recent first.
func (d *Decoder) History() []Event {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	out := make([]Event, len(d.history))
	copy(out, d.history)
	return out
}

// State returns the current burst lifecycle state.
func (d *Decoder) State() State {
	return State(d.stateAtomic.Load())
}

// ActiveMessage returns the open message header, if a validated message
// is awaiting its end of message.
func (d *Decoder) ActiveMessage() (Header, bool) {
	d.msgMu.Lock()
	defer d.msgMu.Unlock()
	if d.context == nil {
		return Header{}, false
	}
	return *d.context.header, true
}

// Metrics returns a throughput and yield snapshot.
func (d *Decoder) Metrics() Metrics {
	return Metrics{
		State:            d.State(),
		SamplesProcessed: d.samplesTotal.Load(),
		ProcessingRate:   math.Float64frombits(d.procRate.Load()),
		ExpectedRate:     float64(d.sampleRate),
		Confidence:       math.Float64frombits(d.confEWMA.Load()),
		BurstsDetected:   d.detects.Load(),
		BurstsValidated:  d.valids.Load(),
		BurstsRejected:   d.rejects.Load(),
		Messages:         d.messages.Load(),
	}
}

// resync abandons any in-flight burst and clears demodulator timing.
func (d *Decoder) resync() {
	d.demod.reset()
	switch d.cur {
	case StatePreambleSync, StateHeaderCapture, StateEndOfMessageCapture:
		d.logger.Debug("discontinuity during capture, burst abandoned",
			"state", d.cur.String(),
			"captured", len(d.headerBuf))
		d.resetBurst("discontinuity")
	default:
		d.framer.reset()
	}
}

// handleBit is the demodulator sink: one call per recovered symbol.
func (d *Decoder) handleBit(bit uint8, margin float64) {
	// HeaderValidated is a transient stop; the next symbol moves on to
	// awaiting the attention signal and the remaining repetitions.
	if d.cur == StateHeaderValidated {
		d.enterAwaiting()
	}

	switch d.cur {
	case StatePreambleSync, StateHeaderCapture, StateEndOfMessageCapture:
		d.bitBudget--
		if d.bitBudget < 0 {
			d.budgetExhausted()
		}
	}

	if d.cur == StateHeaderCapture {
		d.confBits++
		if margin >= confMargin {
			d.confGood++
		}
	}

	res, b := d.framer.pushBit(bit)
	switch res {
	case frameLocked:
		d.onPreambleLock()
	case frameByte:
		d.handleByte(b)
	}
}

func (d *Decoder) onPreambleLock() {
	d.detects.Add(1)
	if d.metrics != nil {
		d.metrics.RecordBurstDetected()
	}
	d.logger.Debug("preamble lock", "state", d.cur.String())
	d.emit(Event{Kind: EventBurstDetected})
	d.preambleBytes = 2
	d.bitBudget = preambleBitBudget
	d.setState(StatePreambleSync, "preamble lock")
}

func (d *Decoder) handleByte(b byte) {
	switch d.cur {
	case StatePreambleSync:
		if b == preambleByte {
			d.preambleBytes++
			return
		}
		// First content byte routes the burst. The high bit is unused
		// in SAME content and is masked before interpretation.
		switch c := b & 0x7f; c {
		case headerPrefix[0]:
			d.headerBuf = append(d.headerBuf[:0], c)
			d.confBits, d.confGood = 0, 0
			d.bitBudget = headerBitBudget
			d.setState(StateHeaderCapture, "header content")
		case eomSequence[0]:
			d.eomCount = 1
			d.bitBudget = eomBitBudget
			d.setState(StateEndOfMessageCapture, "eom content")
		default:
			// A lock whose content opens with neither marker is a
			// noise lock; hunt again without reporting anything.
			d.resetBurst("unrecognized content")
		}

	case StateHeaderCapture:
		c := b & 0x7f
		if !printableASCII(c) {
			if len(d.headerBuf) >= len(headerPrefix) {
				d.rejectBurst(RejectInvalidCharacter)
			} else {
				d.resetBurst("lost before header content")
			}
			return
		}
		// The first four bytes must spell the header prefix exactly;
		// anything else was a noise lock, not a malformed burst.
		if n := len(d.headerBuf); n < len(headerPrefix) && c != headerPrefix[n] {
			d.resetBurst("lost before header content")
			return
		}
		d.headerBuf = append(d.headerBuf, c)
		if len(d.headerBuf) > maxHeaderBytes {
			d.rejectBurst(RejectHeaderOverflow)
			return
		}
		if headerComplete(d.headerBuf) {
			if h, err := ParseHeader(string(d.headerBuf)); err == nil {
				d.completeHeader(h)
			}
		}

	case StateEndOfMessageCapture:
		if c := b & 0x7f; c != eomSequence[0] {
			if d.eomCount >= 2 {
				d.rejectBurst(RejectMalformedEOM)
			} else {
				d.resetBurst("lost before eom content")
			}
			return
		}
		d.eomCount++
		if d.eomCount == len(eomSequence) {
			d.completeEOM()
		}
	}
}

// completeHeader handles a structurally valid header. The first valid
// repetition wins; identical headers inside the repetition window are
// consumed without a second event.
func (d *Decoder) completeHeader(h *Header) {
	now := time.Now()
	burstConf := 0.0
	if d.confBits > 0 {
		burstConf = float64(d.confGood) / float64(d.confBits)
	}
	d.valids.Add(1)
	if d.metrics != nil {
		d.metrics.RecordBurstValidated()
	}

	d.msgMu.Lock()
	if d.context != nil &&
		now.Sub(d.context.validatedAt) < repetitionWindow &&
		d.context.header.Raw == h.Raw {
		d.context.repeats++
		repeats := d.context.repeats
		d.msgMu.Unlock()
		d.logger.Debug("header repetition consumed",
			"repeat", repeats,
			"header", h.Raw)
		d.setState(StateHeaderValidated, "repetition")
		return
	}
	d.context = &messageContext{
		header:      h,
		confidence:  burstConf,
		validatedAt: now,
		expires:     now.Add(messageWindow),
		repeats:     1,
	}
	d.attentionHeard = false
	d.attnRun = 0
	d.msgMu.Unlock()

	d.messages.Add(1)
	d.updateConfidence(burstConf)
	if d.metrics != nil {
		d.metrics.RecordMessageDecoded(burstConf)
	}
	log.Printf("⚠️ SAME header validated: %s (confidence %.2f)", h.Raw, burstConf)
	d.logger.Info("header validated",
		"header", h.Raw,
		"originator", h.Originator,
		"event_code", h.EventCode,
		"locations", len(h.Locations),
		"confidence", burstConf)
	d.emit(Event{Kind: EventBurstValidated, Header: h.Raw, Confidence: burstConf})
	d.setState(StateHeaderValidated, "first valid repetition")
}

// completeEOM handles a full NNNN burst.
func (d *Decoder) completeEOM() {
	now := time.Now()

	d.msgMu.Lock()
	first := now.Sub(d.lastEOM) > repetitionWindow
	d.lastEOM = now
	attention := d.attentionHeard
	open := d.context != nil
	d.context = nil
	d.attentionHeard = false
	d.attnRun = 0
	d.msgMu.Unlock()

	if first {
		log.Printf("✅ SAME end of message")
		d.logger.Info("end of message", "attention", attention, "message_open", open)
		d.emit(Event{Kind: EventEndOfMessage, Attention: attention})
	} else {
		d.logger.Debug("end of message repetition consumed")
	}

	d.framer.reset()
	d.headerBuf = d.headerBuf[:0]
	d.preambleBytes = 0
	d.eomCount = 0
	d.setState(StateIdle, "end of message")
}

func (d *Decoder) rejectBurst(reason string) {
	d.rejects.Add(1)
	if d.metrics != nil {
		d.metrics.RecordBurstRejected(reason)
	}
	d.logger.Warn("burst rejected",
		"reason", reason,
		"captured", len(d.headerBuf))
	d.emit(Event{Kind: EventBurstRejected, Reason: reason})
	d.resetBurst(reason)
}

// resetBurst returns to hunting without reporting anything. The base
// state depends on whether a validated message is still open.
func (d *Decoder) resetBurst(reason string) {
	d.framer.reset()
	d.headerBuf = d.headerBuf[:0]
	d.preambleBytes = 0
	d.eomCount = 0
	d.bitBudget = 0
	d.setState(d.baseState(), reason)
}

func (d *Decoder) enterAwaiting() {
	d.framer.reset()
	d.headerBuf = d.headerBuf[:0]
	d.preambleBytes = 0
	d.eomCount = 0
	d.attnLow.reset()
	d.attnHigh.reset()
	d.setState(StateAwaitingAttention, "header consumed")
}

func (d *Decoder) budgetExhausted() {
	switch d.cur {
	case StateHeaderCapture:
		if len(d.headerBuf) >= len(headerPrefix) {
			d.rejectBurst(RejectHeaderIncomplete)
			return
		}
		d.resetBurst("bit budget exhausted")
	case StateEndOfMessageCapture:
		if d.eomCount >= 2 {
			d.rejectBurst(RejectMalformedEOM)
			return
		}
		d.resetBurst("bit budget exhausted")
	default:
		d.resetBurst("bit budget exhausted")
	}
}

func (d *Decoder) baseState() State {
	d.msgMu.Lock()
	defer d.msgMu.Unlock()
	if d.context != nil {
		return StateAwaitingAttention
	}
	return StateIdle
}

func (d *Decoder) setState(s State, reason string) {
	if d.cur == s {
		return
	}
	prev := d.cur
	d.cur = s
	d.stateAtomic.Store(int32(s))
	if d.metrics != nil {
		d.metrics.UpdateState(int(s))
	}
	d.logger.Debug("decoder state",
		"from", prev.String(),
		"to", s.String(),
		"reason", reason)
}

// trackAttention feeds the attention-tone detectors. Both Goertzel
// windows run in lockstep, so checking one completion covers both.
func (d *Decoder) trackAttention(x float64) {
	done := d.attnLow.process(x)
	d.attnHigh.process(x)
	if !done {
		return
	}
	if d.attnLow.amplitude >= attnThreshold && d.attnHigh.amplitude >= attnThreshold {
		d.attnRun++
		if d.attnRun == attnRunNeed {
			d.msgMu.Lock()
			heard := d.attentionHeard
			d.attentionHeard = true
			d.msgMu.Unlock()
			if !heard {
				log.Printf("🔔 Attention tone detected")
				d.logger.Info("attention tone detected")
			}
		}
		return
	}
	d.attnRun = 0
}

// expireContext idles the decoder when an open message outlives the
// message window without an end of message.
func (d *Decoder) expireContext(now time.Time) {
	d.msgMu.Lock()
	expired := d.context != nil && now.After(d.context.expires)
	if expired {
		d.logger.Debug("message window expired", "header", d.context.header.Raw)
		d.context = nil
		d.attentionHeard = false
		d.attnRun = 0
	}
	d.msgMu.Unlock()
	if expired && d.cur == StateAwaitingAttention {
		d.setState(StateIdle, "message window expired")
	}
}

func (d *Decoder) updateConfidence(conf float64) {
	old := math.Float64frombits(d.confEWMA.Load())
	next := conf
	if old != 0 {
		next = 0.7*old + 0.3*conf
	}
	d.confEWMA.Store(math.Float64bits(next))
}

func (d *Decoder) updateRate(n int, now time.Time) {
	if d.rateMark.IsZero() {
		d.rateMark = now
		d.rateCount = uint64(n)
		return
	}
	d.rateCount += uint64(n)
	elapsed := now.Sub(d.rateMark)
	if elapsed < rateWindow {
		return
	}
	observed := float64(d.rateCount) / elapsed.Seconds()
	d.procRate.Store(math.Float64bits(observed))
	if d.metrics != nil {
		d.metrics.UpdateProcessingRate(observed, float64(d.sampleRate))
	}
	d.rateMark = now
	d.rateCount = 0
}

func (d *Decoder) emit(ev Event) {
	ev.ID = uuid.NewString()
	ev.Timestamp = time.Now()

	d.historyMu.Lock()
	d.history = append([]Event{ev}, d.history...)
	if len(d.history) > d.historySize {
		d.history = d.history[:d.historySize]
	}
	d.historyMu.Unlock()

	select {
	case d.events <- ev:
	default:
		// Consumer lagging: drop the oldest to admit the newest.
		select {
		case <-d.events:
		default:
		}
		select {
		case d.events <- ev:
		default:
		}
	}
}
