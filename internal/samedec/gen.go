// gen.go synthesizes SAME signals: bursts, attention tone, silence. It
// exists for commissioning a receiver chain end to end and as the
// fixture for decoder tests, which decode synthesized audio rather than
// recorded captures.
package samedec

import (
	"math"
	"time"
)

// preambleCount is how many 0xAB bytes open a transmitted burst.
const preambleCount = 16

// Synthesizer produces mono 16-bit PCM at a fixed rate. FSK phase is
// continuous across consecutive Burst calls, matching the on-air signal.
type Synthesizer struct {
	sampleRate int
	amplitude  float64
	phase      float64
}

// NewSynthesizer builds a generator. Amplitude is full-scale 0..1 and is
// clamped.
func NewSynthesizer(sampleRate int, amplitude float64) *Synthesizer {
	if amplitude < 0 {
		amplitude = 0
	}
	if amplitude > 1 {
		amplitude = 1
	}
	return &Synthesizer{sampleRate: sampleRate, amplitude: amplitude}
}

// Silence returns d worth of zero samples.
func (s *Synthesizer) Silence(d time.Duration) []int16 {
	return make([]int16, int(d.Seconds()*float64(s.sampleRate)))
}

// Tone returns d worth of a single sine tone.
func (s *Synthesizer) Tone(freq float64, d time.Duration) []int16 {
	rate := float64(s.sampleRate)
	out := make([]int16, int(d.Seconds()*rate))
	for i := range out {
		s.phase += 2 * math.Pi * freq / rate
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
		out[i] = int16(s.amplitude * math.Sin(s.phase) * 32767)
	}
	return out
}

// AttentionTone returns d worth of the two-tone attention signal, each
// tone at half amplitude so the sum stays inside full scale.
func (s *Synthesizer) AttentionTone(d time.Duration) []int16 {
	rate := float64(s.sampleRate)
	out := make([]int16, int(d.Seconds()*rate))
	for i := range out {
		t := float64(i) / rate
		v := math.Sin(2*math.Pi*attentionLowHz*t) + math.Sin(2*math.Pi*attentionHighHz*t)
		out[i] = int16(0.5 * s.amplitude * v * 32767)
	}
	return out
}

// Burst returns one transmitted burst: the preamble followed by payload
// bytes, each sent least-significant bit first.
func (s *Synthesizer) Burst(payload string) []int16 {
	bits := make([]uint8, 0, (preambleCount+len(payload))*8)
	for i := 0; i < preambleCount; i++ {
		bits = appendBits(bits, preambleByte)
	}
	for i := 0; i < len(payload); i++ {
		bits = appendBits(bits, payload[i])
	}
	return s.fsk(bits)
}

// Message returns the standard three header repetitions separated by
// gap-length pauses. header must be the full wire form including the
// ZCZC prefix and trailing dash.
func (s *Synthesizer) Message(header string, gap time.Duration) []int16 {
	var out []int16
	for i := 0; i < 3; i++ {
		out = append(out, s.Burst(header)...)
		out = append(out, s.Silence(gap)...)
	}
	return out
}

// EndOfMessage returns the three NNNN repetitions.
func (s *Synthesizer) EndOfMessage(gap time.Duration) []int16 {
	var out []int16
	for i := 0; i < 3; i++ {
		out = append(out, s.Burst(eomSequence)...)
		out = append(out, s.Silence(gap)...)
	}
	return out
}

func (s *Synthesizer) fsk(bits []uint8) []int16 {
	rate := float64(s.sampleRate)
	out := make([]int16, int(math.Round(float64(len(bits))*rate/baudRate)))
	for i := range out {
		k := int(float64(i) * baudRate / rate)
		if k >= len(bits) {
			k = len(bits) - 1
		}
		freq := spaceFrequency
		if bits[k] == 1 {
			freq = markFrequency
		}
		s.phase += 2 * math.Pi * freq / rate
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
		out[i] = int16(s.amplitude * math.Sin(s.phase) * 32767)
	}
	return out
}

func appendBits(bits []uint8, b byte) []uint8 {
	for i := 0; i < 8; i++ {
		bits = append(bits, (b>>i)&1)
	}
	return bits
}
