package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
	"github.com/hackgods/clinic-scheduling-core/internal/patient"
	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

type RegisterPatientRequest struct {
	ClinicScope string  `json:"clinic_scope" validate:"omitempty,clinic_scope"`
	FirstName   string  `json:"first_name" validate:"required,max=100"`
	LastName    string  `json:"last_name" validate:"required,max=100"`
	DateOfBirth string  `json:"date_of_birth" validate:"omitempty,datetime=2006-01-02"`
	Email       *string `json:"email" validate:"omitempty,email"`
	Phone       *string `json:"phone" validate:"omitempty,max=32"`
}

type PatientResponse struct {
	ID               uuid.UUID `json:"id"`
	RecordIdentifier string    `json:"record_identifier"`
	ClinicScope      *string   `json:"clinic_scope,omitempty"`
	FirstName        string    `json:"first_name"`
	LastName         string    `json:"last_name"`
	DateOfBirth      *string   `json:"date_of_birth,omitempty"`
	Email            *string   `json:"email,omitempty"`
	Phone            *string   `json:"phone,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type BookAppointmentRequest struct {
	ProviderID string `json:"provider_id" validate:"required,uuid"`
	PatientID  string `json:"patient_id" validate:"required,uuid"`
	LocationID string `json:"location_id" validate:"required,uuid"`
	Date       string `json:"date" validate:"required,datetime=2006-01-02"`
	Start      string `json:"start" validate:"required,clock"`
	End        string `json:"end" validate:"required,clock"`
}

type RescheduleAppointmentRequest struct {
	Date  string `json:"date" validate:"required,datetime=2006-01-02"`
	Start string `json:"start" validate:"required,clock"`
	End   string `json:"end" validate:"required,clock"`
}

type CancelAppointmentRequest struct {
	Reason *string `json:"reason" validate:"omitempty,max=500"`
}

type AppointmentResponse struct {
	ID           uuid.UUID      `json:"id"`
	ProviderID   uuid.UUID      `json:"provider_id"`
	PatientID    uuid.UUID      `json:"patient_id"`
	LocationID   uuid.UUID      `json:"location_id"`
	Date         string         `json:"date"`
	Start        schedule.Clock `json:"start"`
	End          schedule.Clock `json:"end"`
	Status       string         `json:"status"`
	CancelReason *string        `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type SlotResponse struct {
	Start schedule.Clock `json:"start"`
	End   schedule.Clock `json:"end"`
}

type AvailableSlotsResponse struct {
	ProviderID         uuid.UUID      `json:"provider_id"`
	LocationID         uuid.UUID      `json:"location_id"`
	Date               string         `json:"date"`
	GranularityMinutes int            `json:"granularity_minutes"`
	Slots              []SlotResponse `json:"slots"`
}

type ConflictResponse struct {
	Conflict bool `json:"conflict"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toPatientResponse(p *patient.Patient) PatientResponse {
	resp := PatientResponse{
		ID:               p.ID,
		RecordIdentifier: p.RecordIdentifier,
		ClinicScope:      p.ClinicScope,
		FirstName:        p.FirstName,
		LastName:         p.LastName,
		Email:            p.Email,
		Phone:            p.Phone,
		CreatedAt:        p.CreatedAt,
	}
	if p.DateOfBirth != nil {
		dob := p.DateOfBirth.Format(schedule.DateLayout)
		resp.DateOfBirth = &dob
	}
	return resp
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:           a.ID,
		ProviderID:   a.ProviderID,
		PatientID:    a.PatientID,
		LocationID:   a.LocationID,
		Date:         a.Date.Format(schedule.DateLayout),
		Start:        a.Interval.Start,
		End:          a.Interval.End,
		Status:       string(a.Status),
		CancelReason: a.CancelReason,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}
