package samedec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaderFields(t *testing.T) {
	t.Parallel()

	h, err := ParseHeader("ZCZC-EAS-RWT-024021-024023+0015-2771820-KEAS/FM-")
	require.NoError(t, err)

	assert.Equal(t, "EAS", h.Originator)
	assert.Equal(t, "RWT", h.EventCode)
	assert.Equal(t, []string{"024021", "024023"}, h.Locations)
	assert.Equal(t, "0015", h.Purge)
	assert.Equal(t, "2771820", h.Issued)
	assert.Equal(t, "KEAS/FM", h.Station)
	assert.Equal(t, "ZCZC-EAS-RWT-024021-024023+0015-2771820-KEAS/FM-", h.Raw)
}

func TestParseHeaderSingleLocationMinimalStation(t *testing.T) {
	t.Parallel()

	h, err := ParseHeader("ZCZC-WXR-TOR-048453+0030-0011822-K-")
	require.NoError(t, err)
	assert.Equal(t, []string{"048453"}, h.Locations)
	assert.Equal(t, "K", h.Station)
}

func TestParseHeaderLocationLimit(t *testing.T) {
	t.Parallel()

	locs := func(n int) string {
		parts := make([]string, n)
		for i := range parts {
			parts[i] = "012345"
		}
		return strings.Join(parts, "-")
	}

	_, err := ParseHeader("ZCZC-CIV-EVI-" + locs(maxLocationCodes) + "+0100-1231200-STATION-")
	assert.NoError(t, err, "31 location codes are legal")

	_, err = ParseHeader("ZCZC-CIV-EVI-" + locs(maxLocationCodes+1) + "+0100-1231200-STATION-")
	assert.Error(t, err, "32 location codes exceed the protocol limit")
}

func TestParseHeaderRejectsMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{"wrong prefix", "NNNN-EAS-RWT-024021+0015-2771820-KEAS/FM-"},
		{"no trailing dash", "ZCZC-EAS-RWT-024021+0015-2771820-KEAS/FM"},
		{"no purge separator", "ZCZC-EAS-RWT-024021-0015-2771820-KEAS/FM-"},
		{"lowercase originator", "ZCZC-eas-RWT-024021+0015-2771820-KEAS/FM-"},
		{"short originator", "ZCZC-EA-RWT-024021+0015-2771820-KEAS/FM-"},
		{"numeric event code", "ZCZC-EAS-R4T-024021+0015-2771820-KEAS/FM-"},
		{"short location", "ZCZC-EAS-RWT-02402+0015-2771820-KEAS/FM-"},
		{"alpha location", "ZCZC-EAS-RWT-02402A+0015-2771820-KEAS/FM-"},
		{"no locations", "ZCZC-EAS-RWT+0015-2771820-KEAS/FM-"},
		{"short purge", "ZCZC-EAS-RWT-024021+015-2771820-KEAS/FM-"},
		{"short issue time", "ZCZC-EAS-RWT-024021+0015-271820-KEAS/FM-"},
		{"long station", "ZCZC-EAS-RWT-024021+0015-2771820-KEASKEAS1-"},
		{"empty station", "ZCZC-EAS-RWT-024021+0015-2771820--"},
		{"extra tail field", "ZCZC-EAS-RWT-024021+0015-2771820-KEAS-FM-"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseHeader(tc.raw)
			assert.Error(t, err)
		})
	}
}

func TestParseHeaderRejectsPrefixOfLongerHeader(t *testing.T) {
	t.Parallel()

	// Capture relies on a successful parse marking the end of the
	// header, so every dash-terminated prefix must fail.
	full := "ZCZC-EAS-RWT-024021-035001+0015-2771820-KEAS/FM-"
	for i := 1; i < len(full); i++ {
		prefix := full[:i]
		if !strings.HasSuffix(prefix, "-") {
			continue
		}
		_, err := ParseHeader(prefix)
		assert.Error(t, err, "prefix %q must not parse", prefix)
	}
}

func TestHeaderCompleteGate(t *testing.T) {
	t.Parallel()

	assert.False(t, headerComplete([]byte("ZCZC-EAS-")))
	assert.False(t, headerComplete([]byte("ZCZC-EAS-RWT-024021+0015-2771820-KEAS/FM")))
	assert.True(t, headerComplete([]byte("ZCZC-EAS-RWT-024021+0015-2771820-KEAS/FM-")))
	assert.True(t, headerComplete([]byte("ZCZC-WXR-TOR-048453+0030-0011822-K-")),
		"the shortest legal header passes the gate")
}
