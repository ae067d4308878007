package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  72 * time.Hour,
	"1w":  7 * 24 * time.Hour,
}

// IntervalDuration maps an interval label ("1m", "1h", ...) to its nominal
// duration. Cursors advance by exactly this amount per bar.
func IntervalDuration(label string) (time.Duration, error) {
	d, ok := intervalDurations[strings.TrimSpace(label)]
	if !ok {
		return 0, fmt.Errorf("unsupported interval %q", label)
	}
	return d, nil
}

// IntervalMillis is IntervalDuration expressed in epoch-millisecond steps.
func IntervalMillis(label string) (int64, error) {
	d, err := IntervalDuration(label)
	if err != nil {
		return 0, err
	}
	return d.Milliseconds(), nil
}

// SupportedIntervals returns all interval labels, sorted.
func SupportedIntervals() []string {
	keys := make([]string, 0, len(intervalDurations))
	for k := range intervalDurations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
