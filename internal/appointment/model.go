package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
)

// Only scheduled appointments occupy the provider's time.
func (s AppointmentStatus) Occupies() bool {
	return s == StatusScheduled
}

type Appointment struct {
	ID           uuid.UUID
	ProviderID   uuid.UUID
	PatientID    uuid.UUID
	LocationID   uuid.UUID
	Date         time.Time // calendar date at midnight UTC
	Interval     schedule.Interval
	Status       AppointmentStatus
	CancelReason *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BookingRequest is a request to place a new scheduled appointment.
type BookingRequest struct {
	ProviderID uuid.UUID
	PatientID  uuid.UUID
	LocationID uuid.UUID
	Date       time.Time
	Interval   schedule.Interval
}

func bookings(appts []Appointment) []schedule.Booking {
	out := make([]schedule.Booking, 0, len(appts))
	for _, a := range appts {
		if !a.Status.Occupies() {
			continue
		}
		out = append(out, schedule.Booking{ID: a.ID, Interval: a.Interval})
	}
	return out
}
