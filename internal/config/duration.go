package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses a non-negative duration. Besides time.ParseDuration
// syntax it accepts whole days ("30d"), which is how retention is usually
// written. Empty means 0. path names the field in errors.
func ParseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// durationOr is ParseDuration with def for empty or zero values.
func durationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDuration(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
