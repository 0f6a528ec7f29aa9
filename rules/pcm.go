//go:build ruleguard

package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// SampleScaling enforces the fixed-point conversion convention used
// throughout the capture and decode path.
//
// Decoding divides by 32768 so the negative rail (-32768) lands on
// exactly -1.0; synthesis multiplies by 32767 so +1.0 cannot overflow
// int16. Mixing the constants up gives either an unreachable -1.0 or a
// wraparound click at full amplitude:
//
//	x := float64(s) / 32768.0      // int16 -> float
//	s := int16(x * 32767)          // float -> int16
func SampleScaling(m dsl.Matcher) {
	m.Match(
		`float64($s) / 32767.0`,
		`float64($s) / 32767`,
		`float32($s) / 32767.0`,
		`float32($s) / 32767`,
	).
		Report("normalize 16-bit samples by 32768 so -32768 maps to exactly -1.0")

	m.Match(
		`int16($x * 32768)`,
		`int16($x * 32768.0)`,
	).
		Report("scale to int16 with 32767; multiplying by 32768 wraps around at full amplitude")
}

// BigEndianSamples flags big-endian accessors on byte buffers. Every PCM
// surface in this tree, device capture, the subprocess pipe, WAV/FLAC
// file reads and the synthesizer, is interleaved S16LE, so a BigEndian
// call on audio bytes is a byte-swap bug that decodes as loud noise.
// Nothing else in the tree speaks a big-endian wire format; revisit this
// rule if that ever changes.
func BigEndianSamples(m dsl.Matcher) {
	m.Match(
		`binary.BigEndian.Uint16($b)`,
		`binary.BigEndian.PutUint16($b, $v)`,
	).
		Report("sample buffers are little-endian S16LE end to end; use binary.LittleEndian")
}

// TruncatedSampleDuration flags duration-from-sample-count conversions
// that divide before converting. Integer division first truncates to
// whole seconds, which silently breaks pacing and buffer sizing at any
// realistic chunk size:
//
//	time.Duration(n/rate) * time.Second            // 0 for n < rate
//	time.Duration(n) * time.Second / time.Duration(rate)  // exact
func TruncatedSampleDuration(m dsl.Matcher) {
	m.Match(
		`time.Duration($n / $rate) * time.Second`,
		`time.Second * time.Duration($n / $rate)`,
	).
		Report("integer division truncates to whole seconds; multiply first: time.Duration($n) * time.Second / time.Duration($rate)")
}
