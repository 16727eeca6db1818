package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/eventlog"
	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrOverlapConstraint is the storage exclusion constraint rejecting a
	// scheduled appointment that overlaps another for the same provider.
	ErrOverlapConstraint = errors.New("appointment overlaps an existing booking")

	ErrUnknownPatient = errors.New("patient does not exist")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	// WithTx runs fn against a repository bound to one transaction.
	WithTx(ctx context.Context, fn func(tx Repository) error) error

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// Row-locks the appointment for the rest of the transaction.
	GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// For conflict checks and availability
	ListScheduledForProviderDay(ctx context.Context, providerID uuid.UUID, date time.Time) ([]Appointment, error)
	ListForProviderDay(ctx context.Context, providerID uuid.UUID, date time.Time) ([]Appointment, error)

	// Creation and updates
	CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error)
	RescheduleAppointment(ctx context.Context, id uuid.UUID, date time.Time, interval schedule.Interval) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error)

	// Completion worker
	FindPastScheduled(ctx context.Context, date time.Time, clock schedule.Clock) ([]Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev eventlog.Event) error
}
