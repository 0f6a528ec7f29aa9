// stream.go captures network streams (HTTP/Icecast, RTSP) decoded to
// PCM by a subprocess pipe. A pump goroutine copies subprocess stdout
// into a staging byte ring, decoupling subprocess scheduling from the
// adapter's chunk framing.
package source

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/errors"
)

const (
	// pipeReadSize is the read granularity from subprocess stdout.
	pipeReadSize = 32768

	// stagingSeconds sizes the byte ring between pump and framer.
	stagingSeconds = 2

	// stagingPollInterval paces both sides of the staging ring: the
	// reader waiting for bytes to arrive and the pump waiting out a
	// full ring.
	stagingPollInterval = 10 * time.Millisecond

	// stagingWriteRetries bounds how long the pump waits on a full ring
	// before dropping the block. The framer drains continuously, so a
	// ring that stays full for a second means the consumer is gone.
	stagingWriteRetries = 100
)

// StreamSource captures a remote stream through a PCMPipe.
type StreamSource struct {
	id         string
	sampleRate int
	pipe       PCMPipe

	mu         sync.Mutex
	staging    *ringbuffer.RingBuffer
	pumpErr    error // terminal pipe status, io.EOF on a clean stream end
	closed     chan struct{}
	readerDone chan struct{}
}

func newStreamSource(cfg *conf.SourceConfig, sampleRate int) *StreamSource {
	return &StreamSource{
		id:         cfg.ID,
		sampleRate: sampleRate,
		pipe:       NewFFmpegPipe(cfg.URL, cfg.Transport, sampleRate),
	}
}

// NewStreamSourceWithPipe builds a stream source around an injected
// pipe. Used by tests and by callers with their own decoder transport.
func NewStreamSourceWithPipe(id string, sampleRate int, pipe PCMPipe) *StreamSource {
	return &StreamSource{
		id:         id,
		sampleRate: sampleRate,
		pipe:       pipe,
	}
}

// Format reports the PCM shape the pipe was asked to produce.
func (s *StreamSource) Format() Format {
	return Format{SampleRate: s.sampleRate, Channels: conf.NumChannels}
}

// Open starts the decoder subprocess and the pump goroutine.
func (s *StreamSource) Open(ctx context.Context) error {
	stdout, err := s.pipe.Start(ctx)
	if err != nil {
		return err
	}

	staging := ringbuffer.New(stagingSeconds * s.sampleRate * conf.BytesPerSample * conf.NumChannels)
	done := make(chan struct{})
	closed := make(chan struct{})

	s.mu.Lock()
	s.staging = staging
	s.pumpErr = nil
	s.closed = closed
	s.readerDone = done
	s.mu.Unlock()

	go s.pump(stdout, staging, closed, done)
	return nil
}

// pump copies subprocess stdout into the staging ring until the pipe
// ends or the source is closed. The terminal pipe status is parked for
// Read to return once the ring has drained.
func (s *StreamSource) pump(stdout io.ReadCloser, staging *ringbuffer.RingBuffer, closed <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, pipeReadSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 && !s.stage(staging, buf[:n], closed) {
			return
		}
		if err != nil {
			s.finishPump(err)
			return
		}
		select {
		case <-closed:
			return
		default:
		}
	}
}

// stage writes one block into the non-blocking ring, retrying the
// unwritten remainder while the ring is full. Returns false when the
// source was closed while waiting. A consumer stalled past the retry
// budget costs the rest of the block; the level meter and watchdog
// pick up the resulting gap.
func (s *StreamSource) stage(staging *ringbuffer.RingBuffer, data []byte, closed <-chan struct{}) bool {
	for retry := 0; len(data) > 0; retry++ {
		n, err := staging.Write(data)
		data = data[n:]
		if err == nil || len(data) == 0 {
			return true
		}
		if retry >= stagingWriteRetries {
			sourceLogger.Warn("staging ring full, dropping stream data",
				"source_id", s.id,
				"dropped_bytes", len(data))
			return true
		}
		select {
		case <-closed:
			return false
		default:
		}
		time.Sleep(stagingPollInterval)
	}
	return true
}

// finishPump records why the pipe ended. A clean end stays io.EOF so
// the supervisor classifies it as such; decoder failures carry the
// stderr tail.
func (s *StreamSource) finishPump(err error) {
	if !errors.Is(err, io.EOF) {
		if tail := s.pipe.LastStderr(); tail != "" {
			err = errors.Newf("stream decoder failed: %s", tail).
				Component("source").
				Category(errors.CategoryStream).
				Context("source_id", s.id).
				Build()
		}
	}
	s.mu.Lock()
	s.pumpErr = err
	s.mu.Unlock()
}

func (s *StreamSource) pumpError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pumpErr
}

// Read delivers decoded PCM, blocking until data arrives, the stream
// ends (io.EOF) or the source is closed. The ring is drained before
// the parked pipe status is surfaced, so no decoded audio is lost to
// a subprocess exit.
func (s *StreamSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	staging := s.staging
	closed := s.closed
	s.mu.Unlock()

	if staging == nil {
		return 0, errors.Newf("stream source not open").
			Component("source").
			Category(errors.CategoryState).
			Context("source_id", s.id).
			Build()
	}

	for {
		n, err := staging.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return 0, err
		}
		if perr := s.pumpError(); perr != nil {
			return 0, perr
		}
		select {
		case <-closed:
			return 0, errors.Newf("stream source closed").
				Component("source").
				Category(errors.CategoryState).
				Context("source_id", s.id).
				Build()
		default:
		}
		time.Sleep(stagingPollInterval)
	}
}

// Close kills the subprocess, unblocks Read and reaps the pump.
func (s *StreamSource) Close() error {
	s.mu.Lock()
	done := s.readerDone
	closed := s.closed
	s.staging = nil
	s.readerDone = nil
	s.closed = nil
	s.mu.Unlock()

	if closed != nil {
		close(closed)
	}
	err := s.pipe.Stop()
	if done != nil {
		<-done
	}
	return err
}
