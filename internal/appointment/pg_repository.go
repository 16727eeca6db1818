package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling-core/internal/db"
	"github.com/hackgods/clinic-scheduling-core/internal/eventlog"
	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

const (
	overlapConstraint = "appointments_no_overlap"
	patientFKey       = "appointments_patient_id_fkey"
)

type PgRepository struct {
	pool *pgxpool.Pool
	q    db.DBTX
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool, q: pool}
}

// WithTx uses read committed: the exclusion constraint, not isolation, is
// what rejects a concurrent overlapping booking.
func (r *PgRepository) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	return db.RunInTx(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&PgRepository{pool: r.pool, q: tx})
	})
}

// Helpers

const appointmentColumns = `id, provider_id, patient_id, location_id, date, start_time, end_time,
	status, cancel_reason, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var start, end pgtype.Time

	err := row.Scan(
		&a.ID,
		&a.ProviderID,
		&a.PatientID,
		&a.LocationID,
		&a.Date,
		&start,
		&end,
		&a.Status,
		&a.CancelReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Interval = schedule.Interval{Start: fromPgTime(start), End: fromPgTime(end)}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func toPgTime(c schedule.Clock) pgtype.Time {
	return pgtype.Time{Microseconds: c.Duration().Microseconds(), Valid: true}
}

func fromPgTime(t pgtype.Time) schedule.Clock {
	return schedule.Clock(t.Microseconds / time.Minute.Microseconds())
}

func mapWriteError(err error) error {
	if db.IsExclusionViolation(err, overlapConstraint) {
		return ErrOverlapConstraint
	}
	if db.IsForeignKeyViolation(err, patientFKey) {
		return ErrUnknownPatient
	}
	return err
}

// Interface methods

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListScheduledForProviderDay(ctx context.Context, providerID uuid.UUID, date time.Time) ([]Appointment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
		  AND date = $2
		  AND status = 'scheduled'
		ORDER BY start_time
	`, providerID, date)
	if err != nil {
		return nil, fmt.Errorf("query scheduled appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListForProviderDay(ctx context.Context, providerID uuid.UUID, date time.Time) ([]Appointment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
		  AND date = $2
		ORDER BY start_time, created_at
	`, providerID, date)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	id := a.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := r.q.QueryRow(ctx, `
		INSERT INTO appointments (id, provider_id, patient_id, location_id, date, start_time, end_time,
		                          status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'scheduled', now(), now())
		RETURNING `+appointmentColumns,
		id, a.ProviderID, a.PatientID, a.LocationID, a.Date,
		toPgTime(a.Interval.Start), toPgTime(a.Interval.End))

	created, err := scanAppointment(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return created, nil
}

func (r *PgRepository) RescheduleAppointment(ctx context.Context, id uuid.UUID, date time.Time, interval schedule.Interval) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE appointments
		SET date = $2,
		    start_time = $3,
		    end_time = $4,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'scheduled'
		RETURNING `+appointmentColumns,
		id, date, toPgTime(interval.Start), toPgTime(interval.End))

	updated, err := scanAppointment(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return updated, nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    cancel_reason = COALESCE($4, cancel_reason),
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, to, from, reason)

	return scanAppointment(row)
}

func (r *PgRepository) FindPastScheduled(ctx context.Context, date time.Time, clock schedule.Clock) ([]Appointment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'scheduled'
		  AND (date < $1 OR (date = $1 AND end_time <= $2))
	`, date, toPgTime(clock))
	if err != nil {
		return nil, fmt.Errorf("query past scheduled appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev eventlog.Event) error {
	return eventlog.Insert(ctx, r.q, ev)
}
