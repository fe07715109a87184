package cli

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

// Property: FormatCount groups digits in threes and round-trips to the
// original number once separators are removed.
func TestProperty_FormatCountGrouping(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("FormatCount round-trips", prop.ForAll(
		func(n int64) bool {
			formatted := FormatCount(n)
			parsed, err := strconv.ParseInt(strings.ReplaceAll(formatted, ",", ""), 10, 64)
			if err != nil || parsed != n {
				t.Logf("FormatCount(%d) = %q", n, formatted)
				return false
			}
			groups := strings.Split(strings.TrimPrefix(formatted, "-"), ",")
			if len(groups[0]) < 1 || len(groups[0]) > 3 {
				return false
			}
			for _, g := range groups[1:] {
				if len(g) != 3 {
					return false
				}
			}
			return true
		},
		gen.Int64Range(-1e15, 1e15),
	))

	properties.TestingRun(t)
}

// Property: TruncateString never exceeds the limit and keeps short strings.
func TestProperty_TruncateString(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("TruncateString respects maxLen", prop.ForAll(
		func(s string, maxLen int) bool {
			out := TruncateString(s, maxLen)
			if len(out) > maxLen {
				return false
			}
			if len(s) <= maxLen {
				return out == s
			}
			return maxLen <= 3 || strings.HasSuffix(out, "...")
		},
		gen.AlphaString(),
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}

func TestFormatBytes(t *testing.T) {
	cases := map[uint64]string{
		0:               "0 B",
		1023:            "1023 B",
		1024:            "1.0 KiB",
		1536:            "1.5 KiB",
		5 * 1024 * 1024: "5.0 MiB",
		3 << 30:         "3.0 GiB",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatBytes(in), "FormatBytes(%d)", in)
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", FormatDuration(45*time.Second))
	assert.Equal(t, "2m 5s", FormatDuration(125*time.Second))
	assert.Equal(t, "3h 10m", FormatDuration(3*time.Hour+10*time.Minute))
	assert.Equal(t, "30d 0h", FormatDuration(720*time.Hour))
}

func TestFormatTimestampMs(t *testing.T) {
	assert.Equal(t, "never", FormatTimestampMs(0))
	ts := time.Date(2026, 3, 14, 9, 15, 0, 0, time.Local)
	assert.Equal(t, "14-Mar-2026 09:15:00", FormatTimestampMs(ts.UnixMilli()))
}
