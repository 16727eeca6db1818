package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/db"
)

const (
	PatientRegistered      = "PATIENT_REGISTERED"
	PatientDeleted         = "PATIENT_DELETED"
	AppointmentBooked      = "APPOINTMENT_BOOKED"
	AppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	AppointmentCancelled   = "APPOINTMENT_CANCELLED"
	AppointmentCompleted   = "APPOINTMENT_COMPLETED"
)

type Event struct {
	ID          int64
	EventType   string
	AggregateID *uuid.UUID
	Payload     []byte
	CreatedAt   time.Time
}

// New builds an event for aggregateID with payload encoded as JSON.
func New(eventType string, aggregateID uuid.UUID, payload map[string]any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	id := aggregateID
	return Event{
		EventType:   eventType,
		AggregateID: &id,
		Payload:     data,
		CreatedAt:   time.Now(),
	}, nil
}

// Insert writes ev with q, so it commits or rolls back with the caller's transaction.
func Insert(ctx context.Context, q db.DBTX, ev Event) error {
	_, err := q.Exec(ctx, `
		INSERT INTO event_logs (event_type, aggregate_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AggregateID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
