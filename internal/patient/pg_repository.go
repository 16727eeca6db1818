package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling-core/internal/db"
	"github.com/hackgods/clinic-scheduling-core/internal/eventlog"
)

const recordIdentifierConstraint = "patients_record_identifier_key"

type PgRepository struct {
	pool *pgxpool.Pool
	q    db.DBTX
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool, q: pool}
}

func (r *PgRepository) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	return db.RunInTx(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&PgRepository{pool: r.pool, q: tx})
	})
}

const patientColumns = `id, record_identifier, clinic_scope, first_name, last_name, date_of_birth,
	email, phone, created_at, updated_at, deleted_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.RecordIdentifier,
		&p.ClinicScope,
		&p.FirstName,
		&p.LastName,
		&p.DateOfBirth,
		&p.Email,
		&p.Phone,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	return &p, nil
}

func (r *PgRepository) RecordIdentifierExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM patients WHERE record_identifier = $1)
	`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("probe record identifier: %w", err)
	}
	return exists, nil
}

func (r *PgRepository) CreatePatient(ctx context.Context, p *Patient) (*Patient, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	row := r.q.QueryRow(ctx, `
		INSERT INTO patients (id, record_identifier, clinic_scope, first_name, last_name,
		                      date_of_birth, email, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING `+patientColumns,
		p.ID, p.RecordIdentifier, p.ClinicScope, p.FirstName, p.LastName,
		dateOnly(p.DateOfBirth), p.Email, p.Phone)

	created, err := scanPatient(row)
	if err != nil {
		if db.IsUniqueViolation(err, recordIdentifierConstraint) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRecordIdentifier, p.RecordIdentifier)
		}
		return nil, fmt.Errorf("insert patient: %w", err)
	}
	return created, nil
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetPatientByRecordIdentifier(ctx context.Context, recordID string) (*Patient, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE record_identifier = $1 AND deleted_at IS NULL
	`, recordID)
	return scanPatient(row)
}

// SoftDeletePatient keeps the row so its record identifier stays reserved.
func (r *PgRepository) SoftDeletePatient(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE patients
		SET deleted_at = now(),
		    updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("delete patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPatientNotFound
	}
	return nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev eventlog.Event) error {
	return eventlog.Insert(ctx, r.q, ev)
}

func dateOnly(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &day
}
