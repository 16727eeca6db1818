package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling-core/internal/config"
	"github.com/hackgods/clinic-scheduling-core/internal/eventlog"
	"github.com/hackgods/clinic-scheduling-core/internal/identity"
	"github.com/hackgods/clinic-scheduling-core/internal/metrics"
	"github.com/hackgods/clinic-scheduling-core/internal/retry"
)

var (
	ErrInvalidPatient = errors.New("invalid patient")
)

type Service struct {
	repo      Repository
	allocator *identity.Allocator
	cfg       config.Config
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewService(repo Repository, allocator *identity.Allocator, cfg config.Config, log *zap.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		allocator: allocator,
		cfg:       cfg,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

// Register allocates a record identifier and inserts the patient in one
// transaction. A unique violation on the identifier means a concurrent
// registration committed the same candidate first; the whole
// allocate-then-insert sequence is retried up to cfg.PatientInsertRetries times.
func (s *Service) Register(ctx context.Context, in NewPatient) (*Patient, error) {
	if err := validateNewPatient(in); err != nil {
		return nil, err
	}

	policy := retry.Policy{MaxAttempts: s.cfg.PatientInsertRetries, Step: s.cfg.AllocBackoffStep}

	var created *Patient
	err := retry.Do(ctx, policy, isDuplicate, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			s.metrics.RegistrationRetried()
		}
		return s.repo.WithTx(ctx, func(tx Repository) error {
			recordID, err := s.allocator.Allocate(ctx, tx, in.ClinicScope, s.now())
			if err != nil {
				return fmt.Errorf("allocate record identifier: %w", err)
			}

			p := &Patient{
				RecordIdentifier: recordID.String(),
				ClinicScope:      scopePtr(recordID),
				FirstName:        strings.TrimSpace(in.FirstName),
				LastName:         strings.TrimSpace(in.LastName),
				DateOfBirth:      in.DateOfBirth,
				Email:            in.Email,
				Phone:            in.Phone,
			}
			inserted, err := tx.CreatePatient(ctx, p)
			if err != nil {
				if errors.Is(err, ErrDuplicateRecordIdentifier) {
					s.log.Info("record identifier taken at insert, retrying",
						zap.String("record_identifier", p.RecordIdentifier),
						zap.Int("attempt", attempt))
				}
				return err
			}

			ev, err := eventlog.New(eventlog.PatientRegistered, inserted.ID, map[string]any{
				"record_identifier": inserted.RecordIdentifier,
			})
			if err != nil {
				return err
			}
			if err := tx.InsertEvent(ctx, ev); err != nil {
				return err
			}

			created = inserted
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, retry.ErrAttemptsExhausted) {
			return nil, fmt.Errorf("%w: %w", identity.ErrAllocationExhausted, err)
		}
		return nil, err
	}

	s.log.Info("patient registered",
		zap.String("patient_id", created.ID.String()),
		zap.String("record_identifier", created.RecordIdentifier))

	return created, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.repo.GetPatientByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

func (s *Service) GetByRecordIdentifier(ctx context.Context, recordID string) (*Patient, error) {
	p, err := s.repo.GetPatientByRecordIdentifier(ctx, strings.ToUpper(strings.TrimSpace(recordID)))
	if err != nil {
		return nil, fmt.Errorf("get patient by record identifier: %w", err)
	}
	return p, nil
}

// Delete retires the patient. Its record identifier is never reassigned.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.WithTx(ctx, func(tx Repository) error {
		p, err := tx.GetPatientByID(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.SoftDeletePatient(ctx, id); err != nil {
			return err
		}
		ev, err := eventlog.New(eventlog.PatientDeleted, id, map[string]any{
			"record_identifier": p.RecordIdentifier,
		})
		if err != nil {
			return err
		}
		return tx.InsertEvent(ctx, ev)
	})
}

func isDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateRecordIdentifier)
}

func validateNewPatient(in NewPatient) error {
	if strings.TrimSpace(in.FirstName) == "" || strings.TrimSpace(in.LastName) == "" {
		return fmt.Errorf("%w: first and last name are required", ErrInvalidPatient)
	}
	if _, err := identity.NormalizeScope(in.ClinicScope); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPatient, err)
	}
	return nil
}

func scopePtr(id identity.RecordIdentifier) *string {
	parts, err := identity.Parse(id.String())
	if err != nil || parts.Scope == "" {
		return nil
	}
	return &parts.Scope
}
