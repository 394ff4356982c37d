// Package durationx parses the CLI's duration grammar: a bare number
// (milliseconds) or a number followed by ms/s/m/h. This is stricter than
// time.ParseDuration, which rejects bare numbers and accepts units (like "d")
// the profiler does not support.
package durationx

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var pattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)(ms|s|m|h)?$`)

var unitScale = map[string]time.Duration{
	"":   time.Millisecond,
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
}

// Parse parses a duration string per the CLI grammar
// `\d+(\.\d+)?(ms|s|m|h)?`, defaulting to milliseconds when no unit is
// given. Returns an error naming the offending input for values that don't
// match, including empty strings and unsupported units (e.g. "1d").
func Parse(s string) (time.Duration, error) {
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: want \\d+(\\.\\d+)?(ms|s|m|h)?", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	scale := unitScale[m[2]]
	return time.Duration(value * float64(scale)), nil
}
