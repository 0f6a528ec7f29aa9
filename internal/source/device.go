// device.go captures audio from a local device through malgo
// (miniaudio). Samples arrive on the miniaudio callback thread and are
// handed to Read through a channel; miniaudio performs format and rate
// conversion to the pipeline contract.
package source

import (
	"context"
	"encoding/hex"
	"runtime"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/errors"
)

// deviceFrameBuffer is the hand-off channel depth between the miniaudio
// callback and Read. The adapter ring is the real buffer; this only
// absorbs scheduling jitter.
const deviceFrameBuffer = 8

// CaptureDeviceInfo describes one enumerated capture device.
type CaptureDeviceInfo struct {
	Index   int
	ID      string
	Name    string
	Default bool
}

// DeviceSource captures from a system audio device.
type DeviceSource struct {
	id         string
	deviceName string // configured name, "" or "default" for system default
	sampleRate int

	mu       sync.Mutex
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device

	frames   chan []byte
	residual []byte
	closed   chan struct{}
	stopOnce sync.Once
}

func newDeviceSource(cfg *conf.SourceConfig, sampleRate int) *DeviceSource {
	return &DeviceSource{
		id:         cfg.ID,
		deviceName: cfg.Device,
		sampleRate: sampleRate,
	}
}

// Format reports the converted PCM shape miniaudio delivers.
func (d *DeviceSource) Format() Format {
	return Format{SampleRate: d.sampleRate, Channels: conf.NumChannels}
}

// captureBackend picks the platform backend; ALSA needs NoMMap for
// broad hardware compatibility, set below.
func captureBackend() []malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return []malgo.Backend{malgo.BackendAlsa}
	case "windows":
		return []malgo.Backend{malgo.BackendWasapi}
	case "darwin":
		return []malgo.Backend{malgo.BackendCoreaudio}
	default:
		return nil // let miniaudio auto-select
	}
}

// Open initializes the malgo context, selects the configured device and
// starts capture.
func (d *DeviceSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.frames = make(chan []byte, deviceFrameBuffer)
	d.residual = nil
	d.closed = make(chan struct{})
	d.stopOnce = sync.Once{}

	malgoCtx, err := malgo.InitContext(captureBackend(), malgo.ContextConfig{}, func(message string) {
		sourceLogger.Debug("miniaudio", "source_id", d.id, "message", strings.TrimSpace(message))
	})
	if err != nil {
		return errors.New(err).
			Component("source").
			Category(errors.CategoryDevice).
			Context("source_id", d.id).
			Build()
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = conf.NumChannels
	deviceConfig.SampleRate = uint32(d.sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if d.deviceName != "" && d.deviceName != "default" {
		infos, err := malgoCtx.Devices(malgo.Capture)
		if err != nil {
			_ = malgoCtx.Uninit()
			malgoCtx.Free()
			return errors.New(err).
				Component("source").
				Category(errors.CategoryDevice).
				Context("source_id", d.id).
				Build()
		}
		found := false
		for i := range infos {
			if matchesCaptureDevice(&infos[i], d.deviceName) {
				deviceConfig.Capture.DeviceID = infos[i].ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			_ = malgoCtx.Uninit()
			malgoCtx.Free()
			return errors.Newf("no capture device matches %q", d.deviceName).
				Component("source").
				Category(errors.CategoryDevice).
				Context("source_id", d.id).
				Build()
		}
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, samples []byte, _ uint32) {
			// miniaudio reuses the callback buffer; copy before hand-off.
			chunk := make([]byte, len(samples))
			copy(chunk, samples)
			select {
			case d.frames <- chunk:
			case <-d.closed:
			default:
				// Reader stalled; dropping here lets the watchdog and
				// the adapter ring accounting see the gap.
			}
		},
		// Unexpected device stops starve Read; the adapter watchdog
		// tears the attempt down and restarts with backoff.
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return errors.New(err).
			Component("source").
			Category(errors.CategoryDevice).
			Context("source_id", d.id).
			Context("device", d.deviceName).
			Build()
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return errors.New(err).
			Component("source").
			Category(errors.CategoryDevice).
			Context("source_id", d.id).
			Context("device", d.deviceName).
			Build()
	}

	d.malgoCtx = malgoCtx
	d.device = device
	return nil
}

// Read delivers converted PCM from the capture callback. It blocks
// until data arrives or the source is closed.
func (d *DeviceSource) Read(p []byte) (int, error) {
	if len(d.residual) > 0 {
		n := copy(p, d.residual)
		d.residual = d.residual[n:]
		return n, nil
	}

	select {
	case chunk := <-d.frames:
		n := copy(p, chunk)
		if n < len(chunk) {
			d.residual = chunk[n:]
		}
		return n, nil
	case <-d.closed:
		return 0, errors.Newf("capture device closed").
			Component("source").
			Category(errors.CategoryDevice).
			Context("source_id", d.id).
			Build()
	}
}

// Close stops capture and releases the device and context. Safe to call
// concurrently with a blocked Read.
func (d *DeviceSource) Close() error {
	d.stopOnce.Do(func() {
		if d.closed != nil {
			close(d.closed)
		}
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device != nil {
		d.device.Uninit()
		d.device = nil
	}
	if d.malgoCtx != nil {
		_ = d.malgoCtx.Uninit()
		d.malgoCtx.Free()
		d.malgoCtx = nil
	}
	return nil
}

// matchesCaptureDevice checks a device against the configured name: the
// decoded hardware ID, a substring of the display name, or the system
// default marker on platforms without stable names.
func matchesCaptureDevice(info *malgo.DeviceInfo, name string) bool {
	if runtime.GOOS == "windows" && name == "sysdefault" {
		return info.IsDefault == 1
	}
	decodedID, err := hexToASCII(info.ID.String())
	if err == nil && decodedID == name {
		return true
	}
	return strings.Contains(info.Name(), name)
}

// hexToASCII converts miniaudio's hex-encoded device IDs to a readable
// string (the ALSA hw identifier on Linux).
func hexToASCII(hexStr string) (string, error) {
	decoded, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// ListCaptureDevices enumerates capture devices for configuration and
// the devices subcommand.
func ListCaptureDevices() ([]CaptureDeviceInfo, error) {
	malgoCtx, err := malgo.InitContext(captureBackend(), malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.New(err).
			Component("source").
			Category(errors.CategoryDevice).
			Build()
	}
	defer func() {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
	}()

	infos, err := malgoCtx.Devices(malgo.Capture)
	if err != nil {
		return nil, errors.New(err).
			Component("source").
			Category(errors.CategoryDevice).
			Build()
	}

	devices := make([]CaptureDeviceInfo, 0, len(infos))
	for i := range infos {
		decodedID, err := hexToASCII(infos[i].ID.String())
		if err != nil {
			decodedID = infos[i].ID.String()
		}
		devices = append(devices, CaptureDeviceInfo{
			Index:   i,
			ID:      decodedID,
			Name:    infos[i].Name(),
			Default: infos[i].IsDefault == 1,
		})
	}
	return devices, nil
}
