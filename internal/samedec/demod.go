// demod.go recovers the SAME bit stream from 16-bit PCM. The demodulator
// runs a pair of quadrature correlators, one per FSK tone, over a sliding
// window of one bit period, and a delay-locked loop that keeps the symbol
// sampling instant centred between zero crossings. It is single-threaded:
// the decoder feeds it from one goroutine and receives recovered bits
// through a callback.
package samedec

import "math"

const (
	// SAME AFSK parameters. Mark and space are 1/0 respectively and the
	// tones are phase-continuous on the air.
	markFrequency  = 2083.33
	spaceFrequency = 1562.5
	baudRate       = 520.83

	// dllGain is the fraction of the observed phase error removed at each
	// zero crossing. Transitions land on bit boundaries, so the loop
	// steers boundary phase toward 0.5 and the wrap point, where the bit
	// is sampled, falls mid-symbol.
	dllGain = 0.15
)

// bitFunc receives one recovered bit per symbol period together with the
// normalized correlation margin |mark-space|/(mark+space) at the sampling
// instant.
type bitFunc func(bit uint8, margin float64)

// oscillator is a wrapped-phase reference tone. next returns sin and cos
// of the current phase and advances it one sample.
type oscillator struct {
	phase float64
	step  float64
}

func newOscillator(freq, sampleRate float64) oscillator {
	return oscillator{step: 2 * math.Pi * freq / sampleRate}
}

func (o *oscillator) next() (sin, cos float64) {
	sin, cos = math.Sincos(o.phase)
	o.phase += o.step
	if o.phase >= 2*math.Pi {
		o.phase -= 2 * math.Pi
	}
	return sin, cos
}

// slidingSum keeps a running sum over the last len(buf) pushed values.
// The running form costs one add and one subtract per sample; renorm
// recomputes the sum from the ring to shed accumulated float error and
// is called once per symbol period.
type slidingSum struct {
	buf []float64
	pos int
	sum float64
}

func newSlidingSum(window int) slidingSum {
	return slidingSum{buf: make([]float64, window)}
}

func (s *slidingSum) push(v float64) {
	s.sum += v - s.buf[s.pos]
	s.buf[s.pos] = v
	s.pos++
	if s.pos == len(s.buf) {
		s.pos = 0
	}
}

func (s *slidingSum) renorm() {
	sum := 0.0
	for _, v := range s.buf {
		sum += v
	}
	s.sum = sum
}

func (s *slidingSum) reset() {
	for i := range s.buf {
		s.buf[i] = 0
	}
	s.pos = 0
	s.sum = 0
}

// demodulator turns float samples in [-1,1) into SAME bits.
type demodulator struct {
	markOsc  oscillator
	spaceOsc oscillator

	// Correlation products over one bit period. Energy at each tone is
	// the squared magnitude of (I,Q), which makes the detector blind to
	// the unknown carrier phase.
	markI, markQ   slidingSum
	spaceI, spaceQ slidingSum

	// Symbol clock. bitPhase advances phaseStep per sample and the bit
	// is sampled when it wraps past 1.
	bitPhase  float64
	phaseStep float64

	lastBit  uint8
	haveLast bool

	sink bitFunc
}

func newDemodulator(sampleRate float64, sink bitFunc) *demodulator {
	window := int(sampleRate/baudRate + 0.5)
	return &demodulator{
		markOsc:   newOscillator(markFrequency, sampleRate),
		spaceOsc:  newOscillator(spaceFrequency, sampleRate),
		markI:     newSlidingSum(window),
		markQ:     newSlidingSum(window),
		spaceI:    newSlidingSum(window),
		spaceQ:    newSlidingSum(window),
		phaseStep: baudRate / sampleRate,
		sink:      sink,
	}
}

// process consumes one sample. Bits are delivered to the sink from inside
// the call.
func (dm *demodulator) process(x float64) {
	ms, mc := dm.markOsc.next()
	ss, sc := dm.spaceOsc.next()
	dm.markI.push(x * mc)
	dm.markQ.push(x * ms)
	dm.spaceI.push(x * sc)
	dm.spaceQ.push(x * ss)

	markE := dm.markI.sum*dm.markI.sum + dm.markQ.sum*dm.markQ.sum
	spaceE := dm.spaceI.sum*dm.spaceI.sum + dm.spaceQ.sum*dm.spaceQ.sum

	bit := uint8(0)
	if markE > spaceE {
		bit = 1
	}
	if dm.haveLast && bit != dm.lastBit {
		dm.bitPhase += dllGain * (0.5 - dm.bitPhase)
	}
	dm.lastBit = bit
	dm.haveLast = true

	dm.bitPhase += dm.phaseStep
	if dm.bitPhase < 1 {
		return
	}
	dm.bitPhase -= 1

	margin := 0.0
	if total := markE + spaceE; total > 1e-12 {
		margin = math.Abs(markE-spaceE) / total
	}
	dm.renormalize()
	dm.sink(bit, margin)
}

func (dm *demodulator) renormalize() {
	dm.markI.renorm()
	dm.markQ.renorm()
	dm.spaceI.renorm()
	dm.spaceQ.renorm()
}

// reset clears all correlation state and the symbol clock. Called after a
// master-buffer discontinuity, where sample timing is no longer
// continuous with what the windows hold.
func (dm *demodulator) reset() {
	dm.markI.reset()
	dm.markQ.reset()
	dm.spaceI.reset()
	dm.spaceQ.reset()
	dm.bitPhase = 0
	dm.haveLast = false
	dm.markOsc.phase = 0
	dm.spaceOsc.phase = 0
}

// goertzel measures amplitude of a single tone over fixed windows. Used
// for the two-tone attention signal, which is plain audio rather than
// FSK data.
type goertzel struct {
	coeff  float64
	s1, s2 float64
	n      int
	window int

	// amplitude of the last completed window on a 0..1 full-scale basis.
	amplitude float64
}

func newGoertzel(freq float64, sampleRate, window int) *goertzel {
	w := 2 * math.Pi * freq / float64(sampleRate)
	return &goertzel{coeff: 2 * math.Cos(w), window: window}
}

// process consumes one sample and reports true when a window completed
// and amplitude was updated.
func (g *goertzel) process(x float64) bool {
	s0 := x + g.coeff*g.s1 - g.s2
	g.s2 = g.s1
	g.s1 = s0
	g.n++
	if g.n < g.window {
		return false
	}
	power := g.s1*g.s1 + g.s2*g.s2 - g.coeff*g.s1*g.s2
	if power < 0 {
		power = 0
	}
	g.amplitude = 2 * math.Sqrt(power) / float64(g.window)
	g.s1, g.s2 = 0, 0
	g.n = 0
	return true
}

func (g *goertzel) reset() {
	g.s1, g.s2 = 0, 0
	g.n = 0
	g.amplitude = 0
}
