// Package ringbuf implements a fixed-capacity single-producer single-consumer
// ring buffer of PCM audio frames with atomic cursors.
//
// The producer and consumer never take a lock. Cursor updates use atomic
// operations whose ordering guarantees the consumer cannot observe a write
// cursor advance before the corresponding frame data is visible. Overflow
// behavior is selected per instance: RejectNew drops incoming frames and
// counts them, EvictOldest advances the read cursor over the oldest frames
// and counts the overrun. Counters and peak fill are maintained on every
// operation and exposed through Stats for health reporting.
package ringbuf

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/easwatch/easwatch/internal/errors"
)

// Policy selects what a full buffer does with an incoming write.
type Policy int

const (
	// RejectNew drops the frames that do not fit and increments the
	// dropped counter. Buffered data is never disturbed.
	RejectNew Policy = iota

	// EvictOldest advances the read cursor over the oldest frames to
	// make room and increments the overrun counter.
	EvictOldest
)

func (p Policy) String() string {
	switch p {
	case RejectNew:
		return "reject-new"
	case EvictOldest:
		return "evict-oldest"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// WriteResult reports the outcome of a single Write call, in frames.
type WriteResult struct {
	Accepted int // frames stored
	Dropped  int // incoming frames rejected (RejectNew)
	Overrun  int // buffered frames evicted to make room (EvictOldest)
}

// Stats is a point-in-time snapshot of ring counters. All frame counts
// are lifetime totals; Reset does not clear them.
type Stats struct {
	Capacity  uint64 // frames
	Buffered  uint64 // frames currently readable
	Written   uint64 // frames accepted into the ring
	Read      uint64 // frames returned to the consumer
	Dropped   uint64 // frames rejected by RejectNew
	Overruns  uint64 // frames evicted by EvictOldest
	Underruns uint64 // read attempts that found the ring empty
	PeakFill  float64
}

// FillPercent returns the current fill level in percent.
func (s Stats) FillPercent() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.Buffered) / float64(s.Capacity) * 100
}

// Ring is an SPSC frame buffer. Exactly one goroutine may call Write and
// exactly one may call Read or ReadWait; Stats and Available are safe
// from any goroutine.
type Ring struct {
	buf        []byte
	capacity   uint64 // frames
	frameBytes int
	policy     Policy

	// Monotonic frame cursors. Physical position is cursor % capacity.
	// writeCursor is advanced only by the producer after the frame data
	// is in place. readCursor is advanced by the consumer, and by the
	// producer when evicting under EvictOldest, hence the CAS protocol.
	writeCursor atomic.Uint64
	readCursor  atomic.Uint64

	written   atomic.Uint64
	read      atomic.Uint64
	dropped   atomic.Uint64
	overruns  atomic.Uint64
	underruns atomic.Uint64
	peakFill  atomic.Uint64 // frames
}

// New creates a ring holding capacityFrames frames of frameBytes each.
func New(capacityFrames, frameBytes int, policy Policy) (*Ring, error) {
	if capacityFrames <= 0 {
		return nil, errors.Newf("ring capacity must be positive, got %d", capacityFrames).
			Component("ringbuf").
			Category(errors.CategoryValidation).
			Build()
	}
	if frameBytes <= 0 {
		return nil, errors.Newf("frame size must be positive, got %d", frameBytes).
			Component("ringbuf").
			Category(errors.CategoryValidation).
			Build()
	}
	if policy != RejectNew && policy != EvictOldest {
		return nil, errors.Newf("unknown overflow policy %d", int(policy)).
			Component("ringbuf").
			Category(errors.CategoryValidation).
			Build()
	}

	return &Ring{
		buf:        make([]byte, capacityFrames*frameBytes),
		capacity:   uint64(capacityFrames),
		frameBytes: frameBytes,
		policy:     policy,
	}, nil
}

// Capacity returns the ring capacity in frames.
func (r *Ring) Capacity() int { return int(r.capacity) }

// FrameBytes returns the byte width of one frame.
func (r *Ring) FrameBytes() int { return r.frameBytes }

// Policy returns the configured overflow policy.
func (r *Ring) Policy() Policy { return r.policy }

// Available returns the number of frames ready to read.
func (r *Ring) Available() int {
	w := r.writeCursor.Load()
	rd := r.readCursor.Load()
	if w < rd {
		// Transient view during a concurrent eviction.
		return 0
	}
	return int(w - rd)
}

// Free returns the number of frames that fit without overflow handling.
func (r *Ring) Free() int {
	return int(r.capacity) - r.Available()
}

// Write stores the frames in p. len(p) must be a multiple of the frame
// size. The result reports how many frames were stored, rejected, or
// evicted according to the overflow policy. Write never blocks.
func (r *Ring) Write(p []byte) (WriteResult, error) {
	if len(p)%r.frameBytes != 0 {
		return WriteResult{}, errors.Newf("write of %d bytes is not a whole number of %d-byte frames", len(p), r.frameBytes).
			Component("ringbuf").
			Category(errors.CategoryValidation).
			Build()
	}

	n := uint64(len(p) / r.frameBytes)
	if n == 0 {
		return WriteResult{}, nil
	}

	var res WriteResult

	// A write larger than the whole ring keeps only the newest frames.
	if n > r.capacity {
		excess := n - r.capacity
		switch r.policy {
		case RejectNew:
			// Oldest part of the incoming data cannot fit; it is the
			// tail that gets rejected, so trim from the end.
			r.dropped.Add(excess)
			res.Dropped += int(excess)
			p = p[:r.capacity*uint64(r.frameBytes)]
		case EvictOldest:
			r.written.Add(excess)
			r.overruns.Add(excess)
			res.Accepted += int(excess)
			res.Overrun += int(excess)
			p = p[excess*uint64(r.frameBytes):]
		}
		n = r.capacity
	}

	w := r.writeCursor.Load()

	switch r.policy {
	case RejectNew:
		rd := r.readCursor.Load()
		free := r.capacity - (w - rd)
		if free < n {
			rejected := n - free
			r.dropped.Add(rejected)
			res.Dropped += int(rejected)
			n = free
			if n == 0 {
				return res, nil
			}
			p = p[:n*uint64(r.frameBytes)]
		}

	case EvictOldest:
		for {
			rd := r.readCursor.Load()
			free := r.capacity - (w - rd)
			if free >= n {
				break
			}
			need := n - free
			if r.readCursor.CompareAndSwap(rd, rd+need) {
				r.overruns.Add(need)
				res.Overrun += int(need)
				break
			}
		}
	}

	r.copyIn(w, p)
	// Data must be in place before the cursor advance is published.
	r.writeCursor.Store(w + n)

	r.written.Add(n)
	res.Accepted += int(n)
	r.updatePeakFill()

	return res, nil
}

// Read copies up to len(dst)/frameBytes frames into dst and returns the
// number of frames read. It never blocks; an empty ring returns 0 and
// counts an underrun.
func (r *Ring) Read(dst []byte) int {
	maxFrames := uint64(len(dst) / r.frameBytes)
	if maxFrames == 0 {
		return 0
	}

	for {
		rd := r.readCursor.Load()
		w := r.writeCursor.Load()
		if w <= rd {
			r.underruns.Add(1)
			return 0
		}

		n := w - rd
		if n > maxFrames {
			n = maxFrames
		}

		r.copyOut(dst, rd, n)

		// A failed CAS means the producer evicted frames out from under
		// the copy; the data may be torn, so discard it and retry.
		if r.readCursor.CompareAndSwap(rd, rd+n) {
			r.read.Add(n)
			return int(n)
		}
	}
}

// ReadWait behaves like Read but waits up to timeout for frames to
// arrive. The wait is a bounded poll, never indefinite. A timeout with
// no data returns 0 and counts a single underrun.
func (r *Ring) ReadWait(dst []byte, timeout time.Duration) int {
	maxFrames := uint64(len(dst) / r.frameBytes)
	if maxFrames == 0 {
		return 0
	}

	deadline := time.Now().Add(timeout)
	for {
		if r.Available() > 0 {
			// Read counts the underrun itself if the ring drained
			// between the availability check and the read.
			if n := r.Read(dst); n > 0 {
				return n
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			r.underruns.Add(1)
			return 0
		}

		sleep := time.Millisecond
		if remaining < sleep {
			sleep = remaining
		}
		time.Sleep(sleep)
	}
}

// Reset discards all buffered frames. Lifetime counters are preserved.
// Callers must ensure the producer and consumer are quiescent.
func (r *Ring) Reset() {
	w := r.writeCursor.Load()
	r.readCursor.Store(w)
}

// Stats returns a snapshot of ring counters.
func (r *Ring) Stats() Stats {
	s := Stats{
		Capacity:  r.capacity,
		Written:   r.written.Load(),
		Read:      r.read.Load(),
		Dropped:   r.dropped.Load(),
		Overruns:  r.overruns.Load(),
		Underruns: r.underruns.Load(),
	}
	s.Buffered = uint64(r.Available())
	s.PeakFill = float64(r.peakFill.Load()) / float64(r.capacity) * 100
	return s
}

func (r *Ring) updatePeakFill() {
	fill := uint64(r.Available())
	for {
		peak := r.peakFill.Load()
		if fill <= peak {
			return
		}
		if r.peakFill.CompareAndSwap(peak, fill) {
			return
		}
	}
}

// copyIn writes p starting at frame cursor pos, wrapping once if needed.
func (r *Ring) copyIn(pos uint64, p []byte) {
	off := int(pos%r.capacity) * r.frameBytes
	first := len(r.buf) - off
	if first >= len(p) {
		copy(r.buf[off:], p)
		return
	}
	copy(r.buf[off:], p[:first])
	copy(r.buf, p[first:])
}

// copyOut reads frames frames starting at cursor pos into dst.
func (r *Ring) copyOut(dst []byte, pos uint64, frames uint64) {
	off := int(pos%r.capacity) * r.frameBytes
	total := int(frames) * r.frameBytes
	first := len(r.buf) - off
	if first >= total {
		copy(dst, r.buf[off:off+total])
		return
	}
	copy(dst, r.buf[off:])
	copy(dst[first:], r.buf[:total-first])
}
