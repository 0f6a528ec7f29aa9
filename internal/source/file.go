// file.go plays WAV and FLAC files as capture sources, with realtime
// pacing by default so the rest of the pipeline behaves exactly as with
// a live input. Stereo is downmixed and 24/32-bit samples are converted
// to the s16 contract. Files must already be at the pipeline rate;
// resampling is a job for the stream pipe, not this source.
package source

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/tphakala/flac"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/errors"
)

// fileReadSamples is the decode granularity in frames per fill.
const fileReadSamples = 4096

// FileInfo describes a playable audio file.
type FileInfo struct {
	SampleRate   int
	Channels     int
	BitDepth     int
	TotalSamples int64
}

// FileSource plays a WAV or FLAC file.
type FileSource struct {
	id         string
	path       string
	loop       bool
	fullSpeed  bool
	sampleRate int

	mu      sync.Mutex
	file    *os.File
	wavDec  *wav.Decoder
	flacDec *flac.Decoder
	wavBuf  *audio.IntBuffer

	channels int
	bitDepth int

	pending []byte
	closed  chan struct{}

	started   time.Time
	delivered int64 // frames handed to Read, for pacing
}

func newFileSource(cfg *conf.SourceConfig, sampleRate int) *FileSource {
	return &FileSource{
		id:         cfg.ID,
		path:       cfg.Path,
		loop:       cfg.Loop,
		fullSpeed:  cfg.FullSpeed,
		sampleRate: sampleRate,
	}
}

// Format reports the converted PCM shape.
func (f *FileSource) Format() Format {
	return Format{SampleRate: f.sampleRate, Channels: conf.NumChannels}
}

// Open opens the file and validates its shape against the pipeline
// contract.
func (f *FileSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = make(chan struct{})
	f.pending = nil
	f.started = time.Time{}
	f.delivered = 0

	return f.openDecoderLocked()
}

func (f *FileSource) openDecoderLocked() error {
	file, err := os.Open(f.path)
	if err != nil {
		return errors.New(err).
			Component("source").
			Category(errors.CategoryFileIO).
			Context("source_id", f.id).
			Context("path", f.path).
			Build()
	}

	switch strings.ToLower(filepath.Ext(f.path)) {
	case ".wav":
		decoder := wav.NewDecoder(file)
		decoder.ReadInfo()
		if !decoder.IsValidFile() {
			_ = file.Close()
			return f.formatError("not a valid WAV file")
		}
		if decoder.BitDepth != 16 && decoder.BitDepth != 24 && decoder.BitDepth != 32 {
			_ = file.Close()
			return f.formatError("unsupported WAV bit depth")
		}
		if decoder.NumChans != 1 && decoder.NumChans != 2 {
			_ = file.Close()
			return f.formatError("unsupported WAV channel count")
		}
		if int(decoder.SampleRate) != f.sampleRate {
			_ = file.Close()
			return f.formatError("file sample rate does not match pipeline rate")
		}
		f.file = file
		f.wavDec = decoder
		f.flacDec = nil
		f.channels = int(decoder.NumChans)
		f.bitDepth = int(decoder.BitDepth)
		f.wavBuf = &audio.IntBuffer{
			Data: make([]int, fileReadSamples*f.channels),
			Format: &audio.Format{
				SampleRate:  f.sampleRate,
				NumChannels: f.channels,
			},
		}
		return nil

	case ".flac":
		decoder, err := flac.NewDecoder(file)
		if err != nil {
			_ = file.Close()
			return errors.New(err).
				Component("source").
				Category(errors.CategoryFileParsing).
				Context("source_id", f.id).
				Context("path", f.path).
				Build()
		}
		if decoder.BitsPerSample != 16 && decoder.BitsPerSample != 24 && decoder.BitsPerSample != 32 {
			_ = file.Close()
			return f.formatError("unsupported FLAC bit depth")
		}
		if decoder.NChannels != 1 && decoder.NChannels != 2 {
			_ = file.Close()
			return f.formatError("unsupported FLAC channel count")
		}
		if decoder.SampleRate != f.sampleRate {
			_ = file.Close()
			return f.formatError("file sample rate does not match pipeline rate")
		}
		f.file = file
		f.flacDec = decoder
		f.wavDec = nil
		f.channels = decoder.NChannels
		f.bitDepth = decoder.BitsPerSample
		return nil

	default:
		_ = file.Close()
		return f.formatError("unsupported file extension, expected .wav or .flac")
	}
}

func (f *FileSource) formatError(msg string) error {
	return errors.Newf("%s", msg).
		Component("source").
		Category(errors.CategoryValidation).
		Context("source_id", f.id).
		Context("path", f.path).
		Build()
}

// Read delivers converted PCM, paced to realtime unless fullspeed is
// set. Returns io.EOF at end of file when looping is disabled.
//
// Pacing sleeps outside the mutex so a concurrent Close is never held
// up behind a sleeping Read. The pacing fields are only touched by the
// single reading goroutine.
func (f *FileSource) Read(p []byte) (int, error) {
	f.mu.Lock()
	closed := f.closed

	select {
	case <-closed:
		f.mu.Unlock()
		return 0, errors.Newf("file source closed").
			Component("source").
			Category(errors.CategoryState).
			Context("source_id", f.id).
			Build()
	default:
	}

	for len(f.pending) == 0 {
		if err := f.fillLocked(); err != nil {
			f.mu.Unlock()
			return 0, err
		}
	}

	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	f.mu.Unlock()

	if !f.fullSpeed {
		if err := f.pace(n/(conf.BytesPerSample*conf.NumChannels), closed); err != nil {
			return n, err
		}
	}
	return n, nil
}

// pace sleeps until the wall clock catches up with the audio position,
// keeping delivery at the realtime rate.
func (f *FileSource) pace(frames int, closed <-chan struct{}) error {
	if f.started.IsZero() {
		f.started = time.Now()
	}
	f.delivered += int64(frames)

	target := f.started.Add(time.Duration(f.delivered) * time.Second / time.Duration(f.sampleRate))
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
		return errors.Newf("file source closed").
			Component("source").
			Category(errors.CategoryState).
			Context("source_id", f.id).
			Build()
	}
}

// fillLocked decodes the next block into pending, handling EOF and
// looping.
func (f *FileSource) fillLocked() error {
	switch {
	case f.wavDec != nil:
		n, err := f.wavDec.PCMBuffer(f.wavBuf)
		if err != nil {
			return errors.New(err).
				Component("source").
				Category(errors.CategoryFileParsing).
				Context("source_id", f.id).
				Context("path", f.path).
				Build()
		}
		if n == 0 {
			return f.endOfFileLocked()
		}
		f.pending = convertInts(f.wavBuf.Data[:n], f.channels, f.bitDepth)
		return nil

	case f.flacDec != nil:
		frame, err := f.flacDec.Next()
		if errors.Is(err, io.EOF) {
			return f.endOfFileLocked()
		}
		if err != nil {
			return errors.New(err).
				Component("source").
				Category(errors.CategoryFileParsing).
				Context("source_id", f.id).
				Context("path", f.path).
				Build()
		}
		f.pending = convertFLACFrame(frame, f.channels, f.bitDepth)
		return nil

	default:
		return errors.Newf("file source not open").
			Component("source").
			Category(errors.CategoryState).
			Context("source_id", f.id).
			Build()
	}
}

// endOfFileLocked restarts playback when looping, otherwise reports
// io.EOF so the supervisor treats the attempt as ended.
func (f *FileSource) endOfFileLocked() error {
	if !f.loop {
		return io.EOF
	}
	if f.file != nil {
		_ = f.file.Close()
	}
	f.wavDec = nil
	f.flacDec = nil
	return f.openDecoderLocked()
}

// Close releases the file and unblocks a paced Read.
func (f *FileSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed != nil {
		select {
		case <-f.closed:
		default:
			close(f.closed)
		}
	}
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}
	f.wavDec = nil
	f.flacDec = nil
	f.pending = nil
	return nil
}

// convertInts downmixes and converts decoded integer samples at the
// given bit depth to s16le mono bytes.
func convertInts(data []int, channels, bitDepth int) []byte {
	frames := len(data) / channels
	out := make([]byte, frames*conf.BytesPerSample)
	for i := 0; i < frames; i++ {
		var v int
		if channels == 2 {
			v = (data[2*i] + data[2*i+1]) / 2
		} else {
			v = data[i]
		}
		var s int16
		switch bitDepth {
		case 16:
			s = int16(v)
		case 24:
			s = int16(v >> 8)
		case 32:
			s = int16(v >> 16)
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// convertFLACFrame converts one raw little-endian FLAC frame to s16le
// mono bytes, sign-extending sub-32-bit depths.
func convertFLACFrame(frame []byte, channels, bitDepth int) []byte {
	bytesPerSample := bitDepth / 8
	stride := bytesPerSample * channels
	frames := len(frame) / stride
	out := make([]byte, frames*conf.BytesPerSample)

	readSample := func(off int) int32 {
		switch bitDepth {
		case 16:
			return int32(int16(binary.LittleEndian.Uint16(frame[off:])))
		case 24:
			v := int32(uint32(frame[off]) | uint32(frame[off+1])<<8 | uint32(frame[off+2])<<16)
			// sign-extend from 24 bits
			return (v << 8) >> 8
		default: // 32
			return int32(binary.LittleEndian.Uint32(frame[off:]))
		}
	}

	for i := 0; i < frames; i++ {
		off := i * stride
		var v int32
		if channels == 2 {
			v = (readSample(off) + readSample(off+bytesPerSample)) / 2
		} else {
			v = readSample(off)
		}
		var s int16
		switch bitDepth {
		case 16:
			s = int16(v)
		case 24:
			s = int16(v >> 8)
		case 32:
			s = int16(v >> 16)
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// ReadFileInfo probes a WAV or FLAC file without building a source.
// The decode subcommand uses it to size its demodulator to the file's
// native rate.
func ReadFileInfo(path string) (FileInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return FileInfo{}, errors.New(err).
			Component("source").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	defer func() {
		_ = file.Close()
	}()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		decoder := wav.NewDecoder(file)
		decoder.ReadInfo()
		if !decoder.IsValidFile() {
			return FileInfo{}, errors.Newf("not a valid WAV file").
				Component("source").
				Category(errors.CategoryFileParsing).
				Context("path", path).
				Build()
		}
		stat, err := file.Stat()
		if err != nil {
			return FileInfo{}, err
		}
		bytesPerSample := int64(decoder.BitDepth / 8)
		total := stat.Size() / bytesPerSample / int64(decoder.NumChans)
		return FileInfo{
			SampleRate:   int(decoder.SampleRate),
			Channels:     int(decoder.NumChans),
			BitDepth:     int(decoder.BitDepth),
			TotalSamples: total,
		}, nil

	case ".flac":
		decoder, err := flac.NewDecoder(file)
		if err != nil {
			return FileInfo{}, errors.New(err).
				Component("source").
				Category(errors.CategoryFileParsing).
				Context("path", path).
				Build()
		}
		return FileInfo{
			SampleRate:   decoder.SampleRate,
			Channels:     decoder.NChannels,
			BitDepth:     decoder.BitsPerSample,
			TotalSamples: int64(decoder.TotalSamples),
		}, nil

	default:
		return FileInfo{}, errors.Newf("unsupported file extension, expected .wav or .flac").
			Component("source").
			Category(errors.CategoryValidation).
			Context("path", path).
			Build()
	}
}
