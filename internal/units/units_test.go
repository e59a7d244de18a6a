package units

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"2h", 2 * time.Hour},
		{"7d", 7 * Day},
		{"2w", 14 * Day},
		{"1y", 365 * Day},
		{"1d12h", 36 * time.Hour},
		{"1h30m15s", time.Hour + 30*time.Minute + 15*time.Second},
		{"0.5h", 30 * time.Minute},
		{"250ms", 250 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseDuration(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseDurationRejectsUnknownUnits(t *testing.T) {
	for _, in := range []string{"", "7", "7x", "1M", "d7", "7dd", "1h banana"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseDuration(in)
			assert.Error(t, err)
		})
	}
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1024B", 1024},
		{"4KiB", 4096},
		{"512MiB", 512 << 20},
		{"2GiB", 2 << 30},
		{"1.5GiB", 3 << 29},
		{"1TiB", 1 << 40},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseSize(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseSizeRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "512", "512MB", "512KB", "MiB", "1GiB2MiB"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseSize(in)
			assert.Error(t, err)
		})
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "4.0 KiB", FormatBytes(4096))
	assert.Equal(t, "512.0 MiB", FormatBytes(512<<20))
	assert.Equal(t, "1.5 GiB", FormatBytes(3<<29))
}
