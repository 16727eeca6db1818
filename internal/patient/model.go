package patient

import (
	"time"

	"github.com/google/uuid"
)

type Patient struct {
	ID               uuid.UUID
	RecordIdentifier string
	ClinicScope      *string
	FirstName        string
	LastName         string
	DateOfBirth      *time.Time
	Email            *string
	Phone            *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
}

// NewPatient is the registration input. ClinicScope partitions the record
// identifier space and may be empty.
type NewPatient struct {
	ClinicScope string
	FirstName   string
	LastName    string
	DateOfBirth *time.Time
	Email       *string
	Phone       *string
}
