package ratethrottle

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var rateUnits = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

var rateUnitOrder = []string{"second", "minute", "hour", "day"}

// ParseRate parses a shorthand rate declaration of the form "<N>/<unit>"
// (unit one of second, minute, hour, day; case-insensitive, surrounding
// whitespace stripped) into a limit and window. Adapters produce this
// string for humans; the core never emits it on its own.
func ParseRate(s string) (limit int64, window time.Duration, err error) {
	trimmed := strings.TrimSpace(s)
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRate, s)
	}

	n, convErr := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if convErr != nil || n <= 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRate, s)
	}

	unit := strings.ToLower(strings.TrimSpace(parts[1]))
	d, ok := rateUnits[unit]
	if !ok {
		return 0, 0, fmt.Errorf("%w: unknown unit %q", ErrInvalidRate, unit)
	}
	return n, d, nil
}

// FormatRate renders (limit, window) back into the shorthand canonical
// form. window is expected to be one of the four unit durations ParseRate
// produces, so ParseRate and FormatRate round-trip.
func FormatRate(limit int64, window time.Duration) string {
	for _, unit := range rateUnitOrder {
		if rateUnits[unit] == window {
			return fmt.Sprintf("%d/%s", limit, unit)
		}
	}
	return fmt.Sprintf("%d/%s", limit, window)
}
