// silence.go implements per-source silence detection over a rolling RMS
// window. The capture path feeds every chunk through Process; the
// manager sweep and the health monitor only read the flag.
package source

import (
	"sync"
	"time"

	"github.com/easwatch/easwatch/internal/pcm"
)

// levelSmoothing is the EWMA weight applied to new chunk RMS readings.
// One chunk is 100 ms, so ~0.3 settles the smoothed level in roughly a
// second without masking short dropouts.
const levelSmoothing = 0.3

// SilenceDetector flags a source as silent when its smoothed RMS level
// stays below the threshold for at least the hold duration. A single
// chunk above the threshold clears the flag immediately; announcement
// pauses shorter than the hold never trip it.
type SilenceDetector struct {
	mu        sync.Mutex
	threshold float64       // dBFS
	hold      time.Duration // how long below threshold before flagging

	level      float64 // smoothed RMS dBFS
	primed     bool    // level is meaningful (at least one chunk seen)
	belowSince time.Time
	silent     bool
}

// NewSilenceDetector creates a detector with the given threshold in dBFS
// (negative) and hold duration.
func NewSilenceDetector(threshold float64, hold time.Duration) *SilenceDetector {
	return &SilenceDetector{
		threshold: threshold,
		hold:      hold,
	}
}

// Process folds one chunk of s16le samples into the rolling level and
// returns the smoothed level and the current silence flag.
func (d *SilenceDetector) Process(samples []byte, now time.Time) (levelDB float64, silent bool) {
	rms := pcm.RMSDBFS(samples)

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.primed {
		d.level = rms
		d.primed = true
	} else {
		d.level += levelSmoothing * (rms - d.level)
	}

	if d.level >= d.threshold {
		d.belowSince = time.Time{}
		d.silent = false
		return d.level, false
	}

	if d.belowSince.IsZero() {
		d.belowSince = now
	}
	if !d.silent && now.Sub(d.belowSince) >= d.hold {
		d.silent = true
	}
	return d.level, d.silent
}

// Silent reports whether the source is currently flagged silent.
func (d *SilenceDetector) Silent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.silent
}

// LevelDB returns the smoothed RMS level in dBFS. Before any chunk has
// been processed it reports the digital silence floor.
func (d *SilenceDetector) LevelDB() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.primed {
		return pcm.SilenceFloorDB
	}
	return d.level
}

// Reset clears all rolling state. Called when a capture attempt ends so
// a restarted source does not inherit the previous attempt's window.
func (d *SilenceDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.level = 0
	d.primed = false
	d.belowSince = time.Time{}
	d.silent = false
}
