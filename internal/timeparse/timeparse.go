// Package timeparse converts 12-hour clock labels ("8:00 AM") to and from minute offsets since midnight.
package timeparse

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// MinutesPerDay is the length of the day in minutes.
const MinutesPerDay = 24 * 60

var labelRegex = regexp.MustCompile(`^(\d{1,2}):(\d{2})\s*([AaPp][Mm])$`)

// FormatError is returned for labels that do not match "H:MM AM|PM".
type FormatError struct {
	Label string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid time label %q: expected H:MM AM|PM", e.Label)
}

// ToMinutes parses a 12-hour label into minutes since midnight in [0, 1440).
func ToMinutes(label string) (int, error) {
	m := labelRegex.FindStringSubmatch(strings.TrimSpace(label))
	if m == nil {
		return 0, &FormatError{Label: label}
	}

	hour, err := strconv.Atoi(m[1])
	if err != nil || hour < 1 || hour > 12 {
		return 0, &FormatError{Label: label}
	}
	minute, err := strconv.Atoi(m[2])
	if err != nil || minute > 59 {
		return 0, &FormatError{Label: label}
	}

	// 12 AM is midnight, 12 PM is noon.
	hour %= 12
	if strings.EqualFold(m[3], "PM") {
		hour += 12
	}
	return hour*60 + minute, nil
}

// FormatMinutes renders minutes since midnight as "h:MM AM|PM", wrapping values outside a day.
func FormatMinutes(minutes int) string {
	minutes = ((minutes % MinutesPerDay) + MinutesPerDay) % MinutesPerDay
	hour := minutes / 60
	minute := minutes % 60

	period := "AM"
	if hour >= 12 {
		period = "PM"
	}
	display := hour % 12
	if display == 0 {
		display = 12
	}
	return fmt.Sprintf("%d:%02d %s", display, minute, period)
}

// AddDuration returns the label hours after label. Fractional hours are allowed (2.5 for a test-package
// lesson); the result wraps past midnight.
func AddDuration(label string, hours float64) (string, error) {
	start, err := ToMinutes(label)
	if err != nil {
		return "", err
	}
	return FormatMinutes(start + HoursToMinutes(hours)), nil
}

// HoursToMinutes converts a duration in hours to whole minutes.
func HoursToMinutes(hours float64) int {
	return int(math.Round(hours * 60))
}
