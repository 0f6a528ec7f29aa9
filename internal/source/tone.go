package source

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/errors"
)

// ToneSource synthesizes a continuous sine tone, or silence when the
// configured frequency is zero. It paces delivery to realtime so it
// can stand in for a live capture during soak tests and failover
// drills.
type ToneSource struct {
	id         string
	frequency  float64
	amplitude  float64
	sampleRate int

	mu        sync.Mutex
	phase     float64
	closed    chan struct{}
	started   time.Time
	delivered int64
}

func newToneSource(cfg *conf.SourceConfig, sampleRate int) *ToneSource {
	amplitude := cfg.Amplitude
	if amplitude <= 0 {
		amplitude = conf.DefaultToneAmplitude
	}
	if amplitude > 1 {
		amplitude = 1
	}
	return &ToneSource{
		id:         cfg.ID,
		frequency:  cfg.Frequency,
		amplitude:  amplitude,
		sampleRate: sampleRate,
	}
}

// Format reports the synthesized PCM shape.
func (t *ToneSource) Format() Format {
	return Format{SampleRate: t.sampleRate, Channels: conf.NumChannels}
}

// Open arms the generator. The tone is phase-continuous from here
// until Close.
func (t *ToneSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = make(chan struct{})
	t.phase = 0
	t.started = time.Time{}
	t.delivered = 0
	return nil
}

// Read synthesizes up to one chunk of samples and paces to realtime.
// The phase and pacing fields are only touched by the single reading
// goroutine, so the mutex guards nothing beyond the closed channel.
func (t *ToneSource) Read(p []byte) (int, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	select {
	case <-closed:
		return 0, errors.Newf("tone source closed").
			Component("source").
			Category(errors.CategoryState).
			Context("source_id", t.id).
			Build()
	default:
	}

	frames := len(p) / (conf.BytesPerSample * conf.NumChannels)
	if limit := conf.ChunkFrames(t.sampleRate); frames > limit {
		frames = limit
	}
	if frames == 0 {
		return 0, nil
	}

	if t.frequency > 0 {
		step := 2 * math.Pi * t.frequency / float64(t.sampleRate)
		for i := 0; i < frames; i++ {
			s := int16(t.amplitude * math.Sin(t.phase) * math.MaxInt16)
			binary.LittleEndian.PutUint16(p[2*i:], uint16(s))
			t.phase += step
			if t.phase >= 2*math.Pi {
				t.phase -= 2 * math.Pi
			}
		}
	} else {
		for i := range frames * conf.BytesPerSample {
			p[i] = 0
		}
	}

	n := frames * conf.BytesPerSample * conf.NumChannels
	if err := t.pace(frames, closed); err != nil {
		return n, err
	}
	return n, nil
}

// pace sleeps until the wall clock catches up with the generated audio
// position.
func (t *ToneSource) pace(frames int, closed <-chan struct{}) error {
	if t.started.IsZero() {
		t.started = time.Now()
	}
	t.delivered += int64(frames)

	target := t.started.Add(time.Duration(t.delivered) * time.Second / time.Duration(t.sampleRate))
	wait := time.Until(target)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-closed:
		return errors.Newf("tone source closed").
			Component("source").
			Category(errors.CategoryState).
			Context("source_id", t.id).
			Build()
	}
}

// Close stops the generator and unblocks a paced Read.
func (t *ToneSource) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		select {
		case <-t.closed:
		default:
			close(t.closed)
		}
	}
	return nil
}
