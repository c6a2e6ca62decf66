package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration parses a Go duration string from the config field named by
// field. Empty means 0. Negative values are rejected.
func Duration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", field, d)
	}
	return d, nil
}

// DurationOr is Duration with def substituted for empty or zero.
func DurationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := Duration(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// Interval parses a period that can be switched off. "off", "none" and "0"
// return enabled=false; empty returns (0, true) so the caller applies its
// default.
func Interval(field, raw string) (d time.Duration, enabled bool, err error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "off", "none", "0", "0s":
		return 0, false, nil
	}
	d, err = Duration(field, raw)
	return d, err == nil, err
}
