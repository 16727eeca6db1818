package patient

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/eventlog"
)

var (
	ErrPatientNotFound = errors.New("patient not found")

	// ErrDuplicateRecordIdentifier is the storage unique constraint rejecting
	// an identifier that another transaction committed first.
	ErrDuplicateRecordIdentifier = errors.New("record identifier already assigned")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	// WithTx runs fn against a repository bound to one transaction.
	WithTx(ctx context.Context, fn func(tx Repository) error) error

	// Includes soft-deleted patients.
	RecordIdentifierExists(ctx context.Context, id string) (bool, error)

	CreatePatient(ctx context.Context, p *Patient) (*Patient, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetPatientByRecordIdentifier(ctx context.Context, recordID string) (*Patient, error)
	SoftDeletePatient(ctx context.Context, id uuid.UUID) error

	InsertEvent(ctx context.Context, ev eventlog.Event) error
}
