// Package slots turns an instructor's raw availability and existing bookings into bookable lesson starts.
package slots

import (
	"fmt"
	"sort"

	"lessonbook/internal/model"
	"lessonbook/internal/timeparse"
)

// Granularity is the atomic slot length in minutes. Availability is published hourly.
const Granularity = 60

// BookableSlot is a start time with uninterrupted open capacity for the requested duration.
type BookableSlot struct {
	Start       string `json:"start"` // "11:00 AM"
	End         string `json:"end"`
	StartMinute int    `json:"startMinute"`
	EndMinute   int    `json:"endMinute"`
}

type interval struct {
	start, end int
}

// Resolve returns the starts on day at which a lesson of durationHours fits entirely inside open
// availability and overlaps no pending or confirmed booking. bookings should already be limited to the
// same day (see BookingsOn). Output is in ascending chronological order.
//
// Coverage is checked on whole-hour boundaries only: a 2.5 hour lesson at s needs open slots at s, s+60
// and s+120; the trailing half hour is not checked separately.
func Resolve(day model.AvailabilityDay, bookings []model.ExistingBooking, durationHours float64) ([]BookableSlot, error) {
	if durationHours <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %v", durationHours)
	}

	open, err := openMinutes(day)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}

	busy, err := busyIntervals(bookings)
	if err != nil {
		return nil, err
	}

	span := timeparse.HoursToMinutes(durationHours)
	openSet := make(map[int]struct{}, len(open))
	for _, m := range open {
		openSet[m] = struct{}{}
	}

	var result []BookableSlot
	for _, start := range open {
		if !covered(openSet, start, span) {
			continue
		}
		if overlapsAny(start, start+span, busy) {
			continue
		}
		result = append(result, BookableSlot{
			Start:       timeparse.FormatMinutes(start),
			End:         timeparse.FormatMinutes(start + span),
			StartMinute: start,
			EndMinute:   start + span,
		})
	}
	return result, nil
}

// openMinutes returns the sorted, de-duplicated minute offsets of the open atomic slots.
func openMinutes(day model.AvailabilityDay) ([]int, error) {
	seen := make(map[int]struct{}, len(day.Slots))
	out := make([]int, 0, len(day.Slots))
	for _, s := range day.Slots {
		if !s.Available {
			continue
		}
		m, err := timeparse.ToMinutes(s.Time)
		if err != nil {
			return nil, fmt.Errorf("availability %s: %w", day.Date, err)
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Ints(out)
	return out, nil
}

func busyIntervals(bookings []model.ExistingBooking) ([]interval, error) {
	var out []interval
	for _, b := range bookings {
		if !b.OccupiesCapacity() {
			continue
		}
		start, end, err := b.Interval()
		if err != nil {
			return nil, fmt.Errorf("booking %s: %w", b.ID, err)
		}
		out = append(out, interval{start: start, end: end})
	}
	return out, nil
}

// covered checks every hourly boundary in [start, start+span).
func covered(open map[int]struct{}, start, span int) bool {
	for m := start; m < start+span; m += Granularity {
		if _, ok := open[m]; !ok {
			return false
		}
	}
	return true
}

func overlapsAny(start, end int, busy []interval) bool {
	for _, b := range busy {
		if start < b.end && end > b.start {
			return true
		}
	}
	return false
}

// BookingsOn limits a booking snapshot to the given YYYY-MM-DD day.
func BookingsOn(bookings []model.ExistingBooking, date string) []model.ExistingBooking {
	var out []model.ExistingBooking
	for _, b := range bookings {
		if b.OnDate(date) {
			out = append(out, b)
		}
	}
	return out
}

// DayFor picks the availability record for date; ok is false when the instructor published none.
func DayFor(days []model.AvailabilityDay, date string) (model.AvailabilityDay, bool) {
	for _, d := range days {
		if d.Date == date {
			return d, true
		}
	}
	return model.AvailabilityDay{Date: date}, false
}

// Labels returns the display start labels.
func Labels(slots []BookableSlot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.Start
	}
	return out
}

// Contains reports whether label is one of the resolved starts. Labels are compared by minute value so
// "09:00 am" matches "9:00 AM".
func Contains(slots []BookableSlot, label string) bool {
	m, err := timeparse.ToMinutes(label)
	if err != nil {
		return false
	}
	for _, s := range slots {
		if s.StartMinute == m {
			return true
		}
	}
	return false
}

// NotBefore drops starts earlier than minute. Used to enforce a lead time on same-day lessons.
func NotBefore(slots []BookableSlot, minute int) []BookableSlot {
	var out []BookableSlot
	for _, s := range slots {
		if s.StartMinute >= minute {
			out = append(out, s)
		}
	}
	return out
}
