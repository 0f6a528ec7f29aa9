package pcm

import (
	"encoding/binary"
	"math"
)

// SilenceFloorDB is the dBFS value reported for digital silence. It sits
// at the 16-bit quantization floor so any real signal measures above it.
const SilenceFloorDB = -96.0

// LevelData holds a scaled audio level for status reporting.
type LevelData struct {
	Level    int    `json:"level"`    // 0-100
	Clipping bool   `json:"clipping"` // true if clipping is detected
	Source   string `json:"source"`   // source identifier
	Name     string `json:"name"`     // human-readable name of the source
}

// RMSDBFS computes the RMS level of 16-bit LE samples in dBFS.
// Returns SilenceFloorDB for empty input or digital silence.
func RMSDBFS(samples []byte) float64 {
	if len(samples)%2 != 0 {
		samples = samples[:len(samples)-1]
	}
	sampleCount := len(samples) / 2
	if sampleCount == 0 {
		return SilenceFloorDB
	}

	var sum float64
	for i := 0; i+1 < len(samples); i += 2 {
		sample := float64(int16(binary.LittleEndian.Uint16(samples[i : i+2])))
		sum += sample * sample
	}

	rms := math.Sqrt(sum / float64(sampleCount))
	if rms == 0 {
		return SilenceFloorDB
	}

	db := 20 * math.Log10(rms/32768.0)
	return math.Max(db, SilenceFloorDB)
}

// CalculateLevel calculates the RMS of the audio samples and returns a
// LevelData struct with the scaled level and clipping status.
func CalculateLevel(samples []byte, source, name string) LevelData {
	if len(samples) == 0 {
		return LevelData{Level: 0, Clipping: false, Source: source, Name: name}
	}

	if len(samples)%2 != 0 {
		samples = samples[:len(samples)-1]
	}

	var sum float64
	sampleCount := len(samples) / 2
	isClipping := false

	for i := 0; i+1 < len(samples); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(samples[i : i+2]))
		sampleAbs := math.Abs(float64(sample))
		sum += sampleAbs * sampleAbs

		if sample == 32767 || sample == -32768 {
			isClipping = true
		}
	}

	if sampleCount == 0 {
		return LevelData{Level: 0, Clipping: false, Source: source, Name: name}
	}

	rms := math.Sqrt(sum / float64(sampleCount))
	db := 20 * math.Log10(rms/32768.0)

	// Map roughly -60..-10 dBFS onto 0-100 for display.
	scaledLevel := (db + 60) * (100.0 / 50.0)

	if isClipping {
		scaledLevel = math.Max(scaledLevel, 95)
	}

	if scaledLevel < 0 {
		scaledLevel = 0
	} else if scaledLevel > 100 {
		scaledLevel = 100
	}

	return LevelData{
		Level:    int(scaledLevel),
		Clipping: isClipping,
		Source:   source,
		Name:     name,
	}
}
