package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses raw as a non-negative duration. Empty is 0.
// Errors carry the field path.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
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

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseBudget validates a rate budget; both fields set or neither.
func ParseBudget(path string, b BudgetConfig) (window time.Duration, maxN int, err error) {
	window, err = ParseDurationField(path+".window", b.Window)
	if err != nil {
		return 0, 0, err
	}
	switch {
	case b.Max < 0:
		return 0, 0, fmt.Errorf("%s.max: must be >= 0", path)
	case b.Max > 0 && window == 0:
		return 0, 0, fmt.Errorf("%s.window: required when max is set", path)
	case b.Max == 0 && window > 0:
		return 0, 0, fmt.Errorf("%s.max: required when window is set", path)
	}
	return window, b.Max, nil
}
