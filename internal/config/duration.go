package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration like "30s". Empty is 0; negative
// values are rejected. Errors carry path so they point at the config key.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, &Error{Path: path, Err: fmt.Errorf("invalid duration %q", raw)}
	case d < 0:
		return 0, errorf(path, "must not be negative")
	}
	return d, nil
}

// ParseDurationOrDefault returns def when raw is empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
