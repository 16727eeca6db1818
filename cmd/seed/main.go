package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
	"github.com/hackgods/clinic-scheduling-core/internal/config"
	"github.com/hackgods/clinic-scheduling-core/internal/db"
	"github.com/hackgods/clinic-scheduling-core/internal/identity"
	"github.com/hackgods/clinic-scheduling-core/internal/logger"
	"github.com/hackgods/clinic-scheduling-core/internal/patient"
	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

var clinicScopes = []string{"", "CL01", "CL02", "NORTH", "SOUTH"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	patientCount := getInt("SEED_PATIENTS", 500)
	providerCount := getInt("SEED_PROVIDERS", 10)
	days := getInt("SEED_DAYS", 5)
	log.Info("seed starting",
		zap.Int("patients", patientCount),
		zap.Int("providers", providerCount),
		zap.Int("days", days))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal("apply schema", zap.Error(err))
	}

	allocator := identity.NewAllocator(identity.Options{
		MaxAttempts:     cfg.AllocMaxAttempts,
		BackoffStep:     cfg.AllocBackoffStep,
		SuffixLength:    cfg.AllocSuffixLength,
		MaxSuffixLength: cfg.AllocMaxSuffixLength,
	}, log.Named("identity"))
	patients := patient.NewService(patient.NewPgRepository(pool), allocator, cfg, log.Named("patient"), nil)
	appointments := appointment.NewService(appointment.NewPgRepository(pool), nil, nil, cfg, log.Named("appointment"), nil)

	patientIDs, err := seedPatients(ctx, patients, patientCount, log)
	if err != nil {
		log.Fatal("seed patients", zap.Error(err))
	}

	booked, err := seedAppointments(ctx, appointments, cfg, patientIDs, providerCount, days)
	if err != nil {
		log.Fatal("seed appointments", zap.Error(err))
	}

	log.Info("seed complete",
		zap.Int("patients", len(patientIDs)),
		zap.Int("appointments", booked))
}

// seedPatients registers patients concurrently through the allocator path,
// so the seed also exercises identifier allocation under contention.
func seedPatients(ctx context.Context, svc *patient.Service, count int, log *zap.Logger) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, count)
	var done atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			dob := gofakeit.DateRange(
				time.Date(1940, 1, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC),
			)
			dob = schedule.Day(dob)
			email := gofakeit.Email()
			phone := gofakeit.Phone()

			p, err := svc.Register(ctx, patient.NewPatient{
				ClinicScope: clinicScopes[gofakeit.Number(0, len(clinicScopes)-1)],
				FirstName:   gofakeit.FirstName(),
				LastName:    gofakeit.LastName(),
				DateOfBirth: &dob,
				Email:       &email,
				Phone:       &phone,
			})
			if err != nil {
				return fmt.Errorf("register patient %d: %w", i, err)
			}
			ids[i] = p.ID

			if n := done.Add(1); n%100 == 0 {
				log.Info("patients seeded", zap.Int64("done", n), zap.Int("total", count))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// seedAppointments books a random share of each provider's free slots for
// the next days, starting tomorrow in the clinic's zone.
func seedAppointments(ctx context.Context, svc *appointment.Service, cfg config.Config, patientIDs []uuid.UUID, providers, days int) (int, error) {
	if len(patientIDs) == 0 {
		return 0, nil
	}

	today := schedule.Day(time.Now().In(cfg.ClinicLocation))
	booked := 0

	for p := 0; p < providers; p++ {
		providerID := uuid.New()
		locationID := uuid.New()

		for d := 1; d <= days; d++ {
			date := today.AddDate(0, 0, d)
			free, err := svc.ListAvailableSlots(ctx, providerID, date, locationID, schedule.Window{}, 0)
			if err != nil {
				return booked, fmt.Errorf("list slots: %w", err)
			}

			for _, slot := range free {
				if !gofakeit.Bool() {
					continue
				}
				_, err := svc.Book(ctx, appointment.BookingRequest{
					ProviderID: providerID,
					PatientID:  patientIDs[gofakeit.Number(0, len(patientIDs)-1)],
					LocationID: locationID,
					Date:       date,
					Interval:   slot.Interval(),
				})
				if err != nil {
					if errors.Is(err, appointment.ErrSchedulingConflict) {
						continue
					}
					return booked, fmt.Errorf("book slot %s: %w", slot.Interval(), err)
				}
				booked++
			}
		}
	}

	return booked, nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
