// pcmpipe.go runs an external decoder subprocess that converts a
// network stream to s16le PCM on stdout. The stream source depends only
// on the PCMPipe contract, so tests and alternate decoders can inject
// their own.
package source

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/errors"
)

const (
	// processCleanupTimeout bounds waiting for the subprocess to exit
	// after a kill.
	processCleanupTimeout = 5 * time.Second

	// rtspTimeoutMicroseconds is passed to ffmpeg's rtsp demuxer so a
	// dead camera connection errors out instead of hanging forever.
	rtspTimeoutMicroseconds = 10000000

	// stderrTailSize caps retained subprocess stderr for error context.
	stderrTailSize = 4096
)

// PCMPipe produces an s16le PCM byte stream from some compressed or
// remote origin. Start may be called again after Stop.
type PCMPipe interface {
	Start(ctx context.Context) (io.ReadCloser, error)
	Stop() error
	// LastStderr returns the tail of the subprocess error output from
	// the current or most recent run, for failure context.
	LastStderr() string
}

// FFmpegPipe decodes a URL with an ffmpeg subprocess.
type FFmpegPipe struct {
	url        string
	transport  string
	sampleRate int

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser

	stderrMu sync.Mutex
	stderr   bytes.Buffer
}

// NewFFmpegPipe builds a pipe decoding url to mono s16le at sampleRate.
// transport selects the RTSP transport (tcp or udp) and is ignored for
// other schemes.
func NewFFmpegPipe(url, transport string, sampleRate int) *FFmpegPipe {
	if transport == "" {
		transport = "tcp"
	}
	return &FFmpegPipe{
		url:        url,
		transport:  transport,
		sampleRate: sampleRate,
	}
}

// Start launches ffmpeg and returns its stdout.
func (p *FFmpegPipe) Start(ctx context.Context) (io.ReadCloser, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, errors.New(err).
			Component("source").
			Category(errors.CategoryCommandExecution).
			Context("operation", "pipe_start").
			Build()
	}

	var args []string
	if strings.HasPrefix(p.url, "rtsp://") {
		args = append(args,
			"-rtsp_transport", p.transport,
			"-timeout", strconv.Itoa(rtspTimeoutMicroseconds),
		)
	}
	args = append(args,
		"-i", p.url,
		"-loglevel", "error",
		"-vn",
		"-f", "s16le",
		"-ar", strconv.Itoa(p.sampleRate),
		"-ac", strconv.Itoa(conf.NumChannels),
		"-hide_banner",
		"pipe:1",
	)

	p.mu.Lock()
	defer p.mu.Unlock()

	cmd := exec.CommandContext(ctx, ffmpegPath, args...) //nolint:gosec // G204: path from LookPath, args built internally
	setupProcessGroup(cmd)

	p.stderrMu.Lock()
	p.stderr.Reset()
	p.stderrMu.Unlock()
	cmd.Stderr = &stderrTail{pipe: p}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.New(err).
			Component("source").
			Category(errors.CategorySystem).
			Context("operation", "pipe_start").
			Build()
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.New(err).
			Component("source").
			Category(errors.CategoryCommandExecution).
			Context("operation", "pipe_start").
			Context("transport", p.transport).
			Build()
	}

	p.cmd = cmd
	p.stdout = stdout
	return stdout, nil
}

// Stop kills the subprocess group and reaps it. Readers of the previous
// stdout receive an error.
func (p *FFmpegPipe) Stop() error {
	p.mu.Lock()
	cmd := p.cmd
	stdout := p.stdout
	p.cmd = nil
	p.stdout = nil
	p.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if stdout != nil {
		_ = stdout.Close()
	}
	_ = killProcessGroup(cmd)

	waitDone := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		return nil
	case <-time.After(processCleanupTimeout):
		return errors.Newf("decoder subprocess did not exit after kill").
			Component("source").
			Category(errors.CategoryTimeout).
			Context("operation", "pipe_stop").
			Build()
	}
}

// LastStderr returns the retained stderr tail.
func (p *FFmpegPipe) LastStderr() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return strings.TrimSpace(p.stderr.String())
}

// stderrTail keeps only the newest stderr output, bounded.
type stderrTail struct {
	pipe *FFmpegPipe
}

func (w *stderrTail) Write(b []byte) (int, error) {
	w.pipe.stderrMu.Lock()
	defer w.pipe.stderrMu.Unlock()
	w.pipe.stderr.Write(b)
	if w.pipe.stderr.Len() > stderrTailSize {
		tail := w.pipe.stderr.Bytes()
		tail = tail[len(tail)-stderrTailSize:]
		var trimmed bytes.Buffer
		trimmed.Write(tail)
		w.pipe.stderr = trimmed
	}
	return len(b), nil
}
