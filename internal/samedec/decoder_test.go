package samedec

import (
	"context"
	"encoding/binary"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/errors"
	"github.com/easwatch/easwatch/internal/pcm"
)

const testHeader = "ZCZC-EAS-RWT-024021-024023+0015-2771820-KEAS/FM-"

// feed pushes samples through the decoder in chunk-sized slices, the
// granularity the master buffer delivers.
func feed(t *testing.T, d *Decoder, samples []int16) {
	t.Helper()
	step := conf.ChunkFrames(d.sampleRate)
	for off := 0; off < len(samples); off += step {
		end := off + step
		if end > len(samples) {
			end = len(samples)
		}
		d.ProcessSamples(samples[off:end])
	}
}

// drain empties the event channel without blocking.
func drain(d *Decoder) []Event {
	var out []Event
	for {
		select {
		case ev := <-d.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func ofKind(events []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func TestDecoderValidatesSynthesizedMessage(t *testing.T) {
	t.Parallel()

	d, err := New(conf.SampleRate, nil)
	require.NoError(t, err)

	syn := NewSynthesizer(conf.SampleRate, 0.8)
	var samples []int16
	samples = append(samples, syn.Silence(200*time.Millisecond)...)
	samples = append(samples, syn.Message(testHeader, time.Second)...)
	feed(t, d, samples)

	events := drain(d)
	detected := ofKind(events, EventBurstDetected)
	validated := ofKind(events, EventBurstValidated)

	assert.Len(t, detected, 3, "each repetition should raise a detection")
	require.Len(t, validated, 1, "three repetitions must yield a single validation")
	assert.Equal(t, testHeader, validated[0].Header)
	assert.Greater(t, validated[0].Confidence, 0.9,
		"clean synthesized audio should decode with high confidence")
	assert.Empty(t, ofKind(events, EventBurstRejected))
	assert.NotEmpty(t, validated[0].ID)
	assert.False(t, validated[0].Timestamp.IsZero())

	assert.Equal(t, StateAwaitingAttention, d.State(),
		"a validated message should leave the decoder awaiting the rest of the alert")
	hdr, open := d.ActiveMessage()
	require.True(t, open)
	assert.Equal(t, "RWT", hdr.EventCode)

	m := d.Metrics()
	assert.Equal(t, uint64(3), m.BurstsDetected)
	assert.Equal(t, uint64(3), m.BurstsValidated)
	assert.Equal(t, uint64(1), m.Messages)
	assert.Greater(t, m.Confidence, 0.9)
	assert.Equal(t, uint64(len(samples)), m.SamplesProcessed)

	history := d.History()
	require.Len(t, history, len(events))
	assert.Equal(t, events[len(events)-1].ID, history[0].ID,
		"history is most recent first")
	assert.Equal(t, events[0].ID, history[len(history)-1].ID)
}

func TestDecoderFullAlertLifecycle(t *testing.T) {
	t.Parallel()

	d, err := New(conf.SampleRate, nil)
	require.NoError(t, err)

	syn := NewSynthesizer(conf.SampleRate, 0.8)
	var samples []int16
	samples = append(samples, syn.Silence(100*time.Millisecond)...)
	samples = append(samples, syn.Message(testHeader, 500*time.Millisecond)...)
	samples = append(samples, syn.AttentionTone(1500*time.Millisecond)...)
	samples = append(samples, syn.Silence(300*time.Millisecond)...)
	samples = append(samples, syn.EndOfMessage(500*time.Millisecond)...)
	feed(t, d, samples)

	events := drain(d)
	validated := ofKind(events, EventBurstValidated)
	eom := ofKind(events, EventEndOfMessage)

	require.Len(t, validated, 1)
	require.Len(t, eom, 1, "three NNNN repetitions must yield a single end of message")
	assert.True(t, eom[0].Attention, "the attention tone should have been heard")

	assert.Equal(t, StateIdle, d.State(), "end of message returns the decoder to idle")
	_, open := d.ActiveMessage()
	assert.False(t, open, "end of message closes the open message")
	assert.Empty(t, ofKind(events, EventBurstRejected))
}

func TestDecoderSilenceProducesNoEvents(t *testing.T) {
	t.Parallel()

	d, err := New(conf.SampleRate, nil)
	require.NoError(t, err)

	syn := NewSynthesizer(conf.SampleRate, 0)
	feed(t, d, syn.Silence(3*time.Second))

	assert.Empty(t, drain(d), "silence must not produce events")
	assert.Equal(t, StateIdle, d.State())
	m := d.Metrics()
	assert.Equal(t, uint64(3*conf.SampleRate), m.SamplesProcessed)
	assert.Zero(t, m.BurstsDetected)
}

func TestDecoderRejectsMalformedHeader(t *testing.T) {
	t.Parallel()

	d, err := New(conf.SampleRate, nil)
	require.NoError(t, err)

	// Structurally broken location code: the header never parses, and
	// the silence after the burst breaks capture with an unprintable
	// byte.
	syn := NewSynthesizer(conf.SampleRate, 0.8)
	var samples []int16
	samples = append(samples, syn.Silence(100*time.Millisecond)...)
	samples = append(samples, syn.Burst("ZCZC-EAS-RWT-BADLOC+0015-2771820-KEAS/FM-")...)
	samples = append(samples, syn.Silence(300*time.Millisecond)...)
	feed(t, d, samples)

	events := drain(d)
	rejected := ofKind(events, EventBurstRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, RejectInvalidCharacter, rejected[0].Reason)
	assert.Empty(t, ofKind(events, EventBurstValidated))
	assert.Equal(t, StateIdle, d.State())
}

func TestDecoderRejectsOverlongHeader(t *testing.T) {
	t.Parallel()

	d, err := New(conf.SampleRate, nil)
	require.NoError(t, err)

	payload := "ZCZC-"
	for len(payload) < maxHeaderBytes+10 {
		payload += "A"
	}
	syn := NewSynthesizer(conf.SampleRate, 0.8)
	feed(t, d, syn.Burst(payload))

	rejected := ofKind(drain(d), EventBurstRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, RejectHeaderOverflow, rejected[0].Reason)
}

func TestDecoderFirstValidRepetitionWins(t *testing.T) {
	t.Parallel()

	d, err := New(conf.SampleRate, nil)
	require.NoError(t, err)

	// First repetition is corrupt, the remaining two are clean. The
	// message must validate on the second burst, once.
	syn := NewSynthesizer(conf.SampleRate, 0.8)
	var samples []int16
	samples = append(samples, syn.Burst("ZCZC-EAS-RWT-BADLOC+0015-2771820-KEAS/FM-")...)
	samples = append(samples, syn.Silence(time.Second)...)
	samples = append(samples, syn.Burst(testHeader)...)
	samples = append(samples, syn.Silence(time.Second)...)
	samples = append(samples, syn.Burst(testHeader)...)
	samples = append(samples, syn.Silence(time.Second)...)
	feed(t, d, samples)

	events := drain(d)
	validated := ofKind(events, EventBurstValidated)
	require.Len(t, validated, 1)
	assert.Equal(t, testHeader, validated[0].Header)
	assert.Len(t, ofKind(events, EventBurstRejected), 1)

	m := d.Metrics()
	assert.Equal(t, uint64(2), m.BurstsValidated)
	assert.Equal(t, uint64(1), m.Messages)
}

func TestDecoderNoiseLockResetsSilently(t *testing.T) {
	t.Parallel()

	d, err := New(conf.SampleRate, nil)
	require.NoError(t, err)

	// A preamble followed by content that is neither a header nor an
	// EOM marker is treated as a noise lock: detection fires, nothing
	// else does.
	syn := NewSynthesizer(conf.SampleRate, 0.8)
	var samples []int16
	samples = append(samples, syn.Burst("XXXX")...)
	samples = append(samples, syn.Silence(200*time.Millisecond)...)
	feed(t, d, samples)

	events := drain(d)
	assert.Len(t, ofKind(events, EventBurstDetected), 1)
	assert.Empty(t, ofKind(events, EventBurstRejected),
		"unrecognized content resets silently, it is not a malformed burst")
	assert.Empty(t, ofKind(events, EventBurstValidated))
	assert.Equal(t, StateIdle, d.State())
}

func TestDecoderToleratesClockDrift(t *testing.T) {
	t.Parallel()

	// Synthesizing at an offset rate and decoding at nominal models a
	// source with an off-spec sample clock; the timing loop has to
	// absorb it.
	for _, synthRate := range []int{16160, 15840} {
		d, err := New(conf.SampleRate, nil)
		require.NoError(t, err)

		syn := NewSynthesizer(synthRate, 0.8)
		var samples []int16
		samples = append(samples, syn.Silence(100*time.Millisecond)...)
		samples = append(samples, syn.Message(testHeader, 500*time.Millisecond)...)
		feed(t, d, samples)

		validated := ofKind(drain(d), EventBurstValidated)
		require.Len(t, validated, 1, "decode should survive a %d Hz clock", synthRate)
		assert.Equal(t, testHeader, validated[0].Header)
	}
}

func TestDecoderAtHigherSampleRate(t *testing.T) {
	t.Parallel()

	const rate = 22050
	d, err := New(rate, nil)
	require.NoError(t, err)

	syn := NewSynthesizer(rate, 0.8)
	var samples []int16
	samples = append(samples, syn.Silence(100*time.Millisecond)...)
	samples = append(samples, syn.Message(testHeader, 500*time.Millisecond)...)
	feed(t, d, samples)

	validated := ofKind(drain(d), EventBurstValidated)
	require.Len(t, validated, 1)
	assert.Equal(t, testHeader, validated[0].Header)
	assert.Equal(t, float64(rate), d.Metrics().ExpectedRate)
}

func TestDecoderToleratesAdditiveNoise(t *testing.T) {
	t.Parallel()

	d, err := New(conf.SampleRate, nil)
	require.NoError(t, err)

	syn := NewSynthesizer(conf.SampleRate, 0.8)
	var clean []int16
	clean = append(clean, syn.Silence(100*time.Millisecond)...)
	clean = append(clean, syn.Message(testHeader, 500*time.Millisecond)...)

	rng := rand.New(rand.NewSource(42))
	noisy := make([]int16, len(clean))
	for i, s := range clean {
		v := int(s) + int((rng.Float64()*2-1)*0.15*32767)
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		noisy[i] = int16(v)
	}
	feed(t, d, noisy)

	validated := ofKind(drain(d), EventBurstValidated)
	require.Len(t, validated, 1, "correlation should ride over broadband noise")
	assert.Equal(t, testHeader, validated[0].Header)
	assert.Greater(t, validated[0].Confidence, 0.5)
}

func TestDecoderDiscontinuityAbandonsBurst(t *testing.T) {
	t.Parallel()

	d, err := New(conf.SampleRate, nil)
	require.NoError(t, err)

	syn := NewSynthesizer(conf.SampleRate, 0.8)
	burst := syn.Burst(testHeader)
	feed(t, d, burst[:len(burst)*6/10])
	require.Equal(t, StateHeaderCapture, d.State(),
		"the cut should land mid-header")

	d.resync()
	assert.Equal(t, StateIdle, d.State(), "a splice abandons the burst without a rejection")
	assert.Empty(t, ofKind(drain(d), EventBurstRejected))

	// The decoder must recover and decode a clean message after the
	// splice.
	syn2 := NewSynthesizer(conf.SampleRate, 0.8)
	var samples []int16
	samples = append(samples, syn2.Silence(100*time.Millisecond)...)
	samples = append(samples, syn2.Message(testHeader, 500*time.Millisecond)...)
	feed(t, d, samples)

	validated := ofKind(drain(d), EventBurstValidated)
	require.Len(t, validated, 1)
}

// scriptedSource hands out pre-built chunks, then reports empty.
type scriptedSource struct {
	mu     sync.Mutex
	chunks []pcm.Chunk
}

func (s *scriptedSource) GetMasterChunk(timeout time.Duration) (pcm.Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chunks) == 0 {
		wait := 5 * time.Millisecond
		if timeout < wait {
			wait = timeout
		}
		time.Sleep(wait)
		return pcm.Chunk{}, false
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, true
}

func TestDecoderRunConsumesChunkSource(t *testing.T) {
	t.Parallel()

	d, err := New(conf.SampleRate, nil)
	require.NoError(t, err)

	syn := NewSynthesizer(conf.SampleRate, 0.8)
	var samples []int16
	samples = append(samples, syn.Silence(100*time.Millisecond)...)
	samples = append(samples, syn.Message(testHeader, 500*time.Millisecond)...)

	src := &scriptedSource{}
	data := pcmBytes(samples)
	step := pcm.ChunkBytes(conf.SampleRate)
	for off, seq := 0, uint64(0); off < len(data); off += step {
		end := off + step
		if end > len(data) {
			end = len(data)
		}
		src.chunks = append(src.chunks, pcm.Chunk{
			Data:      data[off:end],
			SourceID:  "test",
			Timestamp: time.Now(),
			Sequence:  seq,
		})
		seq++
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, src) }()

	select {
	case ev := <-d.Events():
		for ev.Kind != EventBurstValidated {
			select {
			case ev = <-d.Events():
			case <-time.After(5 * time.Second):
				t.Fatal("timed out waiting for validation")
			}
		}
		assert.Equal(t, testHeader, ev.Header)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for any decoder event")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "Run returns nil on context cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestDecoderProcessingRateSnapshot(t *testing.T) {
	t.Parallel()

	d, err := New(conf.SampleRate, nil)
	require.NoError(t, err)

	syn := NewSynthesizer(conf.SampleRate, 0)
	d.ProcessSamples(syn.Silence(100 * time.Millisecond))

	// Backdate the rate window so the next call computes an observed
	// rate without the test waiting it out.
	d.rateMark = time.Now().Add(-2 * time.Second)
	d.rateCount = 2 * uint64(conf.SampleRate)
	d.ProcessSamples(syn.Silence(100 * time.Millisecond))

	m := d.Metrics()
	assert.InDelta(t, float64(conf.SampleRate), m.ProcessingRate, 2500,
		"observed rate should be near real time")
	assert.Equal(t, float64(conf.SampleRate), m.ExpectedRate)
	assert.Equal(t, uint64(2*conf.ChunkFrames(conf.SampleRate)), m.SamplesProcessed)
}

func TestNewValidatesSampleRate(t *testing.T) {
	t.Parallel()

	_, err := New(4000, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = New(96000, nil)
	require.Error(t, err)

	d, err := New(conf.MaxDecoderRate, nil)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, d.State())
}
