package decode

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/errors"
	"github.com/easwatch/easwatch/internal/samedec"
)

const testHeader = "ZCZC-EAS-RWT-024021-024023+0015-2771820-KEAS/FM-"

func writeWAV(t *testing.T, path string, rate int, samples []int16) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)

	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:   data,
		Format: &audio.Format{SampleRate: rate, NumChannels: 1},
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
}

// messageWAV writes a synthesized three-repetition alert to a temp file.
func messageWAV(t *testing.T, rate int) string {
	t.Helper()
	syn := samedec.NewSynthesizer(rate, 0.8)
	var samples []int16
	samples = append(samples, syn.Silence(200*time.Millisecond)...)
	samples = append(samples, syn.Message(testHeader, time.Second)...)

	path := filepath.Join(t.TempDir(), "alert.wav")
	writeWAV(t, path, rate, samples)
	return path
}

func silenceWAV(t *testing.T, rate int) string {
	t.Helper()
	syn := samedec.NewSynthesizer(rate, 0)
	path := filepath.Join(t.TempDir(), "silence.wav")
	writeWAV(t, path, rate, syn.Silence(2*time.Second))
	return path
}

func TestDecodeValidatesAlertFile(t *testing.T) {
	t.Parallel()

	path := messageWAV(t, conf.SampleRate)
	var out bytes.Buffer

	require.NoError(t, runDecode(&out, []string{path}, false))
	assert.Contains(t, out.String(), testHeader)
	assert.Contains(t, out.String(), "1 burst(s) validated, 0 rejected")
}

func TestDecodeSilenceExitsWithError(t *testing.T) {
	t.Parallel()

	path := silenceWAV(t, conf.SampleRate)
	var out bytes.Buffer

	err := runDecode(&out, []string{path}, false)
	require.Error(t, err, "nothing validated must surface in the exit status")
	assert.True(t, errors.IsCategory(err, errors.CategoryDecode))
	assert.Contains(t, out.String(), "0 burst(s) validated")
}

func TestDecodeJSONOutput(t *testing.T) {
	t.Parallel()

	path := messageWAV(t, conf.SampleRate)
	var out bytes.Buffer

	require.NoError(t, runDecode(&out, []string{path}, true))

	var results []FileResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, path, res.File)
	assert.Equal(t, conf.SampleRate, res.SampleRate)
	assert.Equal(t, 1, res.Validated, "three repetitions validate once")
	assert.Zero(t, res.Rejected)
	assert.NotEmpty(t, res.Events)
	assert.Greater(t, res.Duration, 4.0, "three bursts with gaps run several seconds")
}

func TestDecodeUsesNativeFileRate(t *testing.T) {
	t.Parallel()

	path := messageWAV(t, 22050)
	var out bytes.Buffer

	require.NoError(t, runDecode(&out, []string{path}, true))

	var results []FileResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, 22050, results[0].SampleRate)
	assert.Equal(t, 1, results[0].Validated)
}

func TestDecodeMultipleFiles(t *testing.T) {
	t.Parallel()

	alert := messageWAV(t, conf.SampleRate)
	silence := silenceWAV(t, conf.SampleRate)
	var out bytes.Buffer

	require.NoError(t, runDecode(&out, []string{silence, alert}, true),
		"one validated file is enough for a zero exit")

	var results []FileResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Zero(t, results[0].Validated)
	assert.Equal(t, 1, results[1].Validated)
}

func TestDecodeMissingFile(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := runDecode(&out, []string{filepath.Join(t.TempDir(), "nope.wav")}, false)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
}
