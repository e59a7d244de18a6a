// Package units parses the duration and size grammars used by the agent's
// configuration: retention-style durations ("7d", "1d12h") and byte sizes
// ("512MiB", "1.5GiB").
package units

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	Day  = 24 * time.Hour
	Week = 7 * Day
	Year = 365 * Day
)

var durationUnits = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  Day,
	"w":  Week,
	"y":  Year,
}

var sizeUnits = map[string]int64{
	"B":   1,
	"KiB": 1 << 10,
	"MiB": 1 << 20,
	"GiB": 1 << 30,
	"TiB": 1 << 40,
}

// ParseDuration parses a concatenation of count/unit pairs, e.g. "7d",
// "1d12h" or "90s". Counts may be decimal. Valid units are ms, s, m, h,
// d (24h), w (7d) and y (365d).
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	var total float64
	rest := s
	for rest != "" {
		num, unit, tail, err := nextComponent(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		mult, ok := durationUnits[unit]
		if !ok {
			return 0, fmt.Errorf("invalid duration %q: unknown unit %q", s, unit)
		}
		total += num * float64(mult)
		rest = tail
	}
	if total > float64(math.MaxInt64) {
		return 0, fmt.Errorf("duration %q overflows", s)
	}
	return time.Duration(total), nil
}

// ParseSize parses a byte size such as "512MiB" or "1.5GiB". A bare "B"
// suffix is required for plain byte counts.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	num, unit, tail, err := nextComponent(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if tail != "" {
		return 0, fmt.Errorf("invalid size %q: trailing %q", s, tail)
	}
	mult, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("invalid size %q: unknown unit %q", s, unit)
	}
	v := num * float64(mult)
	if v > float64(math.MaxInt64) {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return int64(v), nil
}

// FormatBytes renders n with the largest binary unit that keeps the value
// above one, e.g. 536870912 -> "512.0 MiB".
func FormatBytes(n int64) string {
	f := float64(n)
	for _, unit := range []string{"B", "KiB", "MiB", "GiB", "TiB"} {
		if f < 1024 || unit == "TiB" {
			if unit == "B" {
				return fmt.Sprintf("%d B", n)
			}
			return fmt.Sprintf("%.1f %s", f, unit)
		}
		f /= 1024
	}
	return fmt.Sprintf("%d B", n)
}

// nextComponent splits the leading number/unit pair off s, returning the
// remainder. The unit is the maximal run of letters after the number.
func nextComponent(s string) (float64, string, string, error) {
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
		i++
	}
	if i == 0 {
		return 0, "", "", fmt.Errorf("expected number at %q", s)
	}
	num, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, "", "", fmt.Errorf("bad number %q", s[:i])
	}
	j := i
	for j < len(s) && isLetter(s[j]) {
		j++
	}
	if j == i {
		return 0, "", "", fmt.Errorf("missing unit after %q", s[:i])
	}
	return num, s[i:j], s[j:], nil
}

func isLetter(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
