// Package source implements audio acquisition for the monitoring
// pipeline: one Source implementation per input kind (capture device,
// network stream, file, synthesized tone), an Adapter that supervises a
// Source with watchdog and restart backoff, and a Manager that selects
// the active source by priority and keeps the master buffer fed.
//
// All audio leaving this package is mono 16-bit little-endian PCM at the
// rate configured for the pipeline. Sources perform their own format
// conversion; the Adapter and Manager never inspect sample content
// beyond level metering.
package source

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/errors"
	"github.com/easwatch/easwatch/internal/logging"
)

var sourceLogger *slog.Logger

func init() {
	sourceLogger = logging.ForService("source")
	if sourceLogger == nil {
		// Fallback to default slog if logging not initialized
		sourceLogger = slog.Default().With("service", "source")
	}
}

// Format describes the PCM shape a Source delivers from Read.
type Format struct {
	SampleRate int
	Channels   int
}

// Source is the capability interface implemented once per input kind.
// The Adapter drives it through a strict Open -> Read* -> Close cycle
// and never reuses an instance across capture attempts without an
// intervening Close and Open.
//
// Read fills p with 16-bit little-endian mono PCM and may block until
// data is available. Close must be safe to call from another goroutine
// while Read is blocked and must cause that Read to return an error
// promptly; this is how the watchdog breaks a stalled capture attempt.
type Source interface {
	Open(ctx context.Context) error
	Read(p []byte) (int, error)
	Close() error
	Format() Format
}

// OriginLabel describes where a source's audio comes from, for level
// reports and the status API. Stream URLs are credential-stripped.
func OriginLabel(cfg *conf.SourceConfig) string {
	switch cfg.Kind {
	case conf.SourceKindDevice:
		if cfg.Device == "" || cfg.Device == "default" {
			return "default capture device"
		}
		return cfg.Device
	case conf.SourceKindStream:
		return conf.RedactURL(cfg.URL)
	case conf.SourceKindFile:
		return cfg.Path
	case conf.SourceKindTone:
		if cfg.Frequency == 0 {
			return "silence generator"
		}
		return fmt.Sprintf("%g Hz tone", cfg.Frequency)
	default:
		return cfg.Kind
	}
}

// NewSource builds the Source implementation for the configured kind.
// The config must already have passed conf.ValidateSourceConfig.
func NewSource(cfg *conf.SourceConfig, sampleRate int) (Source, error) {
	switch cfg.Kind {
	case conf.SourceKindDevice:
		return newDeviceSource(cfg, sampleRate), nil
	case conf.SourceKindStream:
		return newStreamSource(cfg, sampleRate), nil
	case conf.SourceKindFile:
		return newFileSource(cfg, sampleRate), nil
	case conf.SourceKindTone:
		return newToneSource(cfg, sampleRate), nil
	default:
		return nil, errors.Newf("unknown source kind %q", cfg.Kind).
			Component("source").
			Category(errors.CategoryValidation).
			Context("source_id", cfg.ID).
			Build()
	}
}
