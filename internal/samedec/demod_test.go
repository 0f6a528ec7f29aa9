package samedec

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easwatch/easwatch/internal/conf"
)

// bitString renders recovered bits for substring matching, which keeps
// assertions independent of how many garbage bits the DLL emits while
// converging at the head of a burst.
func bitString(bits []uint8) string {
	var b strings.Builder
	for _, bit := range bits {
		b.WriteByte('0' + bit)
	}
	return b.String()
}

// txBits returns the transmitted bit sequence for payload bytes, LSB
// first, without the preamble.
func txBits(payload string) string {
	var bits []uint8
	for i := 0; i < len(payload); i++ {
		bits = appendBits(bits, payload[i])
	}
	return bitString(bits)
}

func TestDemodulatorRecoversKnownBits(t *testing.T) {
	t.Parallel()

	var got []uint8
	var margins []float64
	dm := newDemodulator(float64(conf.SampleRate), func(bit uint8, margin float64) {
		got = append(got, bit)
		margins = append(margins, margin)
	})

	syn := NewSynthesizer(conf.SampleRate, 0.8)
	for _, s := range syn.Burst("ZCZC-TEST") {
		dm.process(float64(s) / 32768.0)
	}

	// The preamble absorbs clock convergence; the payload bits must
	// appear verbatim somewhere in the recovered stream.
	want := txBits("ZCZC-TEST")
	require.Contains(t, bitString(got), want,
		"payload bits should be recovered exactly after preamble convergence")

	// Margins over the second half of the burst should be decisive on a
	// clean signal.
	sum := 0.0
	tail := margins[len(margins)/2:]
	for _, m := range tail {
		sum += m
	}
	assert.Greater(t, sum/float64(len(tail)), 0.7,
		"correlation margin should be high on a noise-free burst")
}

func TestDemodulatorSilenceHasNoMargin(t *testing.T) {
	t.Parallel()

	var margins []float64
	dm := newDemodulator(float64(conf.SampleRate), func(_ uint8, margin float64) {
		margins = append(margins, margin)
	})

	for i := 0; i < conf.SampleRate; i++ {
		dm.process(0)
	}

	require.NotEmpty(t, margins, "symbol clock should free-run through silence")
	for _, m := range margins {
		assert.Zero(t, m, "silence carries no correlation margin")
	}
}

func TestGoertzelMeasuresToneAmplitude(t *testing.T) {
	t.Parallel()

	window := conf.SampleRate / 10
	g := newGoertzel(attentionLowHz, conf.SampleRate, window)

	syn := NewSynthesizer(conf.SampleRate, 0.8)
	var amp float64
	for _, s := range syn.AttentionTone(300 * time.Millisecond) {
		if g.process(float64(s) / 32768.0) {
			amp = g.amplitude
		}
	}
	// Each attention tone is synthesized at half the 0.8 amplitude. The
	// wide delta absorbs scalloping: 853 Hz falls between bins of a
	// tenth-second window.
	assert.InDelta(t, 0.4, amp, 0.12, "goertzel should report the per-tone amplitude")

	g.reset()
	var silentAmp float64
	for i := 0; i < window; i++ {
		if g.process(0) {
			silentAmp = g.amplitude
		}
	}
	assert.Less(t, silentAmp, 0.001, "silence should measure as no tone")
}

func TestGoertzelRejectsOffFrequencyTone(t *testing.T) {
	t.Parallel()

	window := conf.SampleRate / 10
	g := newGoertzel(attentionLowHz, conf.SampleRate, window)

	syn := NewSynthesizer(conf.SampleRate, 0.8)
	var amp float64
	for _, s := range syn.Tone(1400, 200*time.Millisecond) {
		if g.process(float64(s) / 32768.0) {
			amp = g.amplitude
		}
	}
	assert.Less(t, amp, attnThreshold,
		"a tone hundreds of hertz away should stay below the detection threshold")
}
