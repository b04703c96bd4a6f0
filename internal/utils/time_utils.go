package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var units = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// ParseStringTime parses durations written as a number and a single unit,
// "10s", "20m", "48h" or "2d". "0" is the zero duration.
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "0" {
		return 0, nil
	}
	if len(timeString) < 2 {
		return 0, fmt.Errorf("invalid time format: %q", timeString)
	}
	unit, ok := units[timeString[len(timeString)-1]]
	if !ok {
		return 0, fmt.Errorf("invalid time unit: %q", timeString)
	}
	number, err := strconv.Atoi(timeString[:len(timeString)-1])
	if err != nil || number < 0 {
		return 0, fmt.Errorf("invalid time value: %q", timeString)
	}
	return time.Duration(number) * unit, nil
}

// FormatStringTime is the inverse of ParseStringTime, using the largest
// unit that divides d.
func FormatStringTime(d time.Duration) string {
	switch {
	case d == 0:
		return "0"
	case d%(24*time.Hour) == 0:
		return strconv.FormatInt(int64(d/(24*time.Hour)), 10) + "d"
	case d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	}
	return strconv.FormatInt(int64(d/time.Second), 10) + "s"
}
