package model

import (
	"strings"

	"lessonbook/internal/timeparse"
)

// BookingStatus is the lifecycle status of a booking owned by the backend.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

// SlotState is one atomic (hourly) slot of an instructor's day.
type SlotState struct {
	Time      string `json:"time"` // "8:00 AM"
	Available bool   `json:"available"`
}

// AvailabilityDay is an instructor's raw availability for one calendar day.
type AvailabilityDay struct {
	Date  string      `json:"date"` // YYYY-MM-DD, instructor-local
	Slots []SlotState `json:"slots"`
}

// ExistingBooking is a read-only snapshot of a booking already held by the backend.
type ExistingBooking struct {
	ID            string        `json:"_id,omitempty"`
	InstructorID  string        `json:"instructorId,omitempty"`
	Date          string        `json:"date"`
	StartTime     string        `json:"startTime"`
	DurationHours float64       `json:"duration"`
	Status        BookingStatus `json:"status"`
}

// OccupiesCapacity reports whether the booking blocks its time span.
// Completed and cancelled bookings never do.
func (b ExistingBooking) OccupiesCapacity() bool {
	return b.Status == BookingPending || b.Status == BookingConfirmed
}

// Interval returns the booking's occupied span [start, end) in minutes since midnight.
func (b ExistingBooking) Interval() (start, end int, err error) {
	start, err = timeparse.ToMinutes(b.StartTime)
	if err != nil {
		return 0, 0, err
	}
	return start, start + timeparse.HoursToMinutes(b.DurationHours), nil
}

// OnDate reports whether the booking falls on the given YYYY-MM-DD day. Dates carrying a time
// component ("2026-03-02T00:00:00.000Z") are compared by their day prefix.
func (b ExistingBooking) OnDate(date string) bool {
	d := b.Date
	if i := strings.IndexByte(d, 'T'); i >= 0 {
		d = d[:i]
	}
	return d == date
}

// Instructor is the subset of the instructor profile the checkout needs.
type Instructor struct {
	ID         string   `json:"_id"`
	Name       string   `json:"name"`
	HourlyRate float64  `json:"hourlyRate"`
	Suburbs    []string `json:"suburbs,omitempty"`
	Vehicle    string   `json:"vehicle,omitempty"`
}

// Account is the authenticated identity as reported by the backend.
type Account struct {
	ID       string `json:"_id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Verified bool   `json:"isVerified"`
}
