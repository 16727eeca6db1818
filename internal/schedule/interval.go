package schedule

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInvalidInterval = errors.New("invalid interval")
)

// Interval is the half-open range [Start, End).
type Interval struct {
	Start Clock `json:"start"`
	End   Clock `json:"end"`
}

func (i Interval) String() string {
	return fmt.Sprintf("[%s,%s)", i.Start, i.End)
}

func (i Interval) Length() Clock {
	return i.End - i.Start
}

// Validate requires End strictly after Start and both within the day.
func (i Interval) Validate() error {
	if !i.Start.Valid() || !i.End.Valid() {
		return fmt.Errorf("%w: %s is outside the day", ErrInvalidInterval, i)
	}
	if i.End <= i.Start {
		return fmt.Errorf("%w: end %s must be after start %s", ErrInvalidInterval, i.End, i.Start)
	}
	return nil
}

// Overlaps reports whether two half-open intervals share any instant.
// Back-to-back intervals (i.End == o.Start) do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start < o.End && o.Start < i.End
}

// Within reports whether i lies entirely inside w.
func (i Interval) Within(w Window) bool {
	return i.Start >= w.Start && i.End <= w.End
}

// Window is a provider's daily bookable bounds.
type Window Interval

func (w Window) Validate() error {
	return Interval(w).Validate()
}

func (w Window) String() string {
	return Interval(w).String()
}

// Booking is an occupied interval belonging to an existing appointment.
type Booking struct {
	ID       uuid.UUID
	Interval Interval
}

// HasConflict reports whether candidate overlaps any booking other than exclude.
// A nil exclude compares against every booking.
func HasConflict(bookings []Booking, candidate Interval, exclude *uuid.UUID) bool {
	for _, b := range bookings {
		if exclude != nil && b.ID == *exclude {
			continue
		}
		if b.Interval.Overlaps(candidate) {
			return true
		}
	}
	return false
}
