// conf/consts.go hard coded constants
package conf

const (
	// PCM contract for everything that flows through the pipeline.
	// Sources deliver mono 16-bit little-endian samples at the configured
	// rate; compressed or differently shaped inputs are converted before
	// their frames enter a ring buffer.
	SampleRate  = 16000 // default samples per second fed to the decoder
	BitDepth    = 16    // bits per sample
	NumChannels = 1     // mono

	// ChunkMilliseconds is the nominal granularity of capture and copy
	// operations. 100 ms at 16 kHz is 1600 frames per chunk.
	ChunkMilliseconds = 100

	// BytesPerSample is derived from BitDepth, kept for readability at
	// byte-slicing call sites.
	BytesPerSample = BitDepth / 8

	// MinDecoderRate and MaxDecoderRate bound the sample rates the FSK
	// demodulator is dimensioned for.
	MinDecoderRate = 8000
	MaxDecoderRate = 48000
)

// ChunkFrames returns the number of frames in one nominal chunk at the
// given sample rate.
func ChunkFrames(sampleRate int) int {
	return sampleRate * ChunkMilliseconds / 1000
}
