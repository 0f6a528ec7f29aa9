// Package pcm defines the PCM chunk contract shared by capture sources,
// the ingest manager, and downstream consumers, plus audio level math.
//
// All pipeline audio is 16-bit little-endian signed mono. Sources that
// capture in another format convert before chunks enter the pipeline.
package pcm

import (
	"time"

	"github.com/easwatch/easwatch/internal/conf"
)

// Chunk is one fixed-duration block of PCM audio with capture metadata.
// Data length is ChunkBytes(sampleRate) for every chunk of a stream.
type Chunk struct {
	// Data holds interleaved 16-bit LE samples.
	Data []byte

	// SourceID identifies the capturing source. Empty for synthetic
	// silence emitted when no source is available.
	SourceID string

	// Timestamp is the capture time of the first sample.
	Timestamp time.Time

	// Sequence is assigned by the ingest manager in master-stream order.
	Sequence uint64

	// Discontinuity marks the first chunk after a source switch or gap.
	// Consumers must not assume sample continuity across it.
	Discontinuity bool

	// Synthetic marks substituted silence.
	Synthetic bool
}

// ChunkBytes returns the byte length of one chunk at the given rate.
func ChunkBytes(sampleRate int) int {
	return conf.ChunkFrames(sampleRate) * conf.BytesPerSample * conf.NumChannels
}

// Frames returns the number of sample frames in the chunk.
func (c *Chunk) Frames() int {
	return len(c.Data) / (conf.BytesPerSample * conf.NumChannels)
}

// Duration returns the chunk's play time at the given sample rate.
func (c *Chunk) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(sampleRate)
}

// Clone returns a deep copy. Ring handoff transfers ownership of Data,
// so producers that reuse capture buffers must clone before writing.
func (c *Chunk) Clone() Chunk {
	out := *c
	out.Data = make([]byte, len(c.Data))
	copy(out.Data, c.Data)
	return out
}

// SilenceChunk returns a zeroed synthetic chunk for the given rate.
func SilenceChunk(sampleRate int, ts time.Time) Chunk {
	return Chunk{
		Data:      make([]byte, ChunkBytes(sampleRate)),
		Timestamp: ts,
		Synthetic: true,
	}
}
