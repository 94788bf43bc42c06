package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var durationUnits = map[string]time.Duration{
	"day":     24 * time.Hour,
	"days":    24 * time.Hour,
	"hour":    time.Hour,
	"hours":   time.Hour,
	"minute":  time.Minute,
	"minutes": time.Minute,
	"second":  time.Second,
	"seconds": time.Second,
}

// ParseDuration accepts Go durations ("36h", "90s") and "<n> <unit>" strings
// with unit day, hour, minute or second, singular or plural ("1 day").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	unit, ok := durationUnits[strings.ToLower(fields[1])]
	if !ok {
		return 0, fmt.Errorf("invalid duration unit %q", fields[1])
	}
	n, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return time.Duration(n * float64(unit)), nil
}
