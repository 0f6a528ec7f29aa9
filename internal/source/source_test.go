package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/errors"
)

func TestNewSourceUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := NewSource(&conf.SourceConfig{ID: "x", Kind: "cassette"}, conf.SampleRate)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestOriginLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  conf.SourceConfig
		want string
	}{
		{
			name: "named device",
			cfg:  conf.SourceConfig{Kind: conf.SourceKindDevice, Device: "hw:1,0"},
			want: "hw:1,0",
		},
		{
			name: "default device",
			cfg:  conf.SourceConfig{Kind: conf.SourceKindDevice},
			want: "default capture device",
		},
		{
			name: "stream credentials stripped",
			cfg:  conf.SourceConfig{Kind: conf.SourceKindStream, URL: "rtsp://user:pw@cam.local:554/wx"},
			want: "rtsp://cam.local:554/wx",
		},
		{
			name: "file path",
			cfg:  conf.SourceConfig{Kind: conf.SourceKindFile, Path: "/srv/audio/wxr.flac"},
			want: "/srv/audio/wxr.flac",
		},
		{
			name: "tone",
			cfg:  conf.SourceConfig{Kind: conf.SourceKindTone, Frequency: 1050},
			want: "1050 Hz tone",
		},
		{
			name: "silence tone",
			cfg:  conf.SourceConfig{Kind: conf.SourceKindTone},
			want: "silence generator",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, OriginLabel(&tt.cfg))
		})
	}
}
