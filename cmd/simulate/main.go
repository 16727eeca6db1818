package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-scheduling-core/internal/logger"
	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

type SimConfig struct {
	APIBaseURL        string
	Workers           int
	Patients          int
	Providers         int
	BookingsPerWorker int
	CancelRatio       float64
	ClinicScope       string
	Date              string
	WindowStart       schedule.Clock
	WindowEnd         schedule.Clock
	RequestTimeout    time.Duration
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status, successStatus int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status == successStatus:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	p50 = latencies[len(latencies)*50/100]
	p95 = latencies[min(len(latencies)*95/100, len(latencies)-1)]
	max = latencies[len(latencies)-1]
	return avg, p50, p95, max
}

type Metrics struct {
	Register OperationMetrics
	Booking  OperationMetrics
	Cancel   OperationMetrics
	Slots    OperationMetrics
}

type provider struct {
	ID       uuid.UUID
	Location uuid.UUID
}

type Simulator struct {
	config    SimConfig
	client    *http.Client
	log       *zap.Logger
	metrics   Metrics
	providers []provider

	mu         sync.Mutex
	patientIDs []uuid.UUID
	recordIDs  []string
}

func main() {
	log, err := logger.New(getEnv("APP_ENV", "dev"), getEnv("LOG_LEVEL", "info"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		log:    log,
	}
	for i := 0; i < cfg.Providers; i++ {
		sim.providers = append(sim.providers, provider{ID: uuid.New(), Location: uuid.New()})
	}

	log.Info("simulator starting",
		zap.String("api", cfg.APIBaseURL),
		zap.Int("workers", cfg.Workers),
		zap.Int("patients", cfg.Patients),
		zap.Int("providers", cfg.Providers),
		zap.String("date", cfg.Date))

	ctx := context.Background()

	if err := sim.registerPatients(ctx); err != nil {
		log.Fatal("register patients", zap.Error(err))
	}
	if err := sim.runBookings(ctx); err != nil {
		log.Fatal("run bookings", zap.Error(err))
	}

	violations := sim.verify(ctx)
	sim.PrintReport()

	if violations > 0 {
		log.Error("invariant violations found", zap.Int("count", violations))
		os.Exit(1)
	}
	log.Info("no duplicate record identifiers and no double bookings")
}

func loadConfig() (SimConfig, error) {
	start, err := schedule.ParseClock(getEnv("SIM_WINDOW_START", "09:00"))
	if err != nil {
		return SimConfig{}, err
	}
	end, err := schedule.ParseClock(getEnv("SIM_WINDOW_END", "17:00"))
	if err != nil {
		return SimConfig{}, err
	}

	cfg := SimConfig{
		APIBaseURL:        strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Workers:           getInt("SIM_WORKERS", 20),
		Patients:          getInt("SIM_PATIENTS", 200),
		Providers:         getInt("SIM_PROVIDERS", 3),
		BookingsPerWorker: getInt("SIM_BOOKINGS_PER_WORKER", 50),
		CancelRatio:       getFloat("SIM_CANCEL_RATIO", 0.1),
		ClinicScope:       getEnv("SIM_CLINIC_SCOPE", "SIM"),
		Date:              getEnv("SIM_DATE", time.Now().AddDate(0, 0, 1).Format(schedule.DateLayout)),
		WindowStart:       start,
		WindowEnd:         end,
		RequestTimeout:    10 * time.Second,
	}

	if cfg.Workers <= 0 || cfg.Patients <= 0 || cfg.Providers <= 0 {
		return SimConfig{}, fmt.Errorf("SIM_WORKERS, SIM_PATIENTS and SIM_PROVIDERS must be > 0")
	}
	if _, err := schedule.ParseDate(cfg.Date); err != nil {
		return SimConfig{}, err
	}
	if cfg.WindowEnd-cfg.WindowStart < 60 {
		return SimConfig{}, fmt.Errorf("simulation window must span at least one hour")
	}
	return cfg, nil
}

// registerPatients registers patients concurrently; every returned record
// identifier must be distinct.
func (s *Simulator) registerPatients(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Workers)

	for i := 0; i < s.config.Patients; i++ {
		g.Go(func() error {
			body := map[string]any{
				"clinic_scope": s.config.ClinicScope,
				"first_name":   fmt.Sprintf("Sim%d", i),
				"last_name":    "Patient",
			}
			var resp struct {
				ID               uuid.UUID `json:"id"`
				RecordIdentifier string    `json:"record_identifier"`
			}
			status, err := s.call(ctx, &s.metrics.Register, http.MethodPost, "/patients", body, &resp, http.StatusCreated)
			if err != nil {
				return err
			}
			if status != http.StatusCreated {
				return nil
			}

			s.mu.Lock()
			s.patientIDs = append(s.patientIDs, resp.ID)
			s.recordIDs = append(s.recordIDs, resp.RecordIdentifier)
			s.mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if len(s.patientIDs) == 0 {
		return fmt.Errorf("no patients registered")
	}
	return nil
}

// runBookings fires overlapping booking requests from every worker against
// the same few provider-days, cancelling some of the successful ones.
func (s *Simulator) runBookings(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for w := 0; w < s.config.Workers; w++ {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(w)))
			for i := 0; i < s.config.BookingsPerWorker; i++ {
				if err := s.bookOne(ctx, rng); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

func (s *Simulator) bookOne(ctx context.Context, rng *rand.Rand) error {
	p := s.providers[rng.IntN(len(s.providers))]

	s.mu.Lock()
	patientID := s.patientIDs[rng.IntN(len(s.patientIDs))]
	s.mu.Unlock()

	// 15 to 60 minutes on a 15 minute grid
	length := schedule.Clock(15 * (1 + rng.IntN(4)))
	steps := int(s.config.WindowEnd-s.config.WindowStart-length) / 15
	start := s.config.WindowStart + schedule.Clock(15*rng.IntN(steps+1))

	body := map[string]any{
		"provider_id": p.ID,
		"patient_id":  patientID,
		"location_id": p.Location,
		"date":        s.config.Date,
		"start":       start.String(),
		"end":         (start + length).String(),
	}
	var resp struct {
		ID uuid.UUID `json:"id"`
	}
	status, err := s.call(ctx, &s.metrics.Booking, http.MethodPost, "/appointments", body, &resp, http.StatusCreated)
	if err != nil {
		return err
	}

	if status == http.StatusCreated && rng.Float64() < s.config.CancelRatio {
		path := fmt.Sprintf("/appointments/%s/cancel", resp.ID)
		if _, err := s.call(ctx, &s.metrics.Cancel, http.MethodPost, path, map[string]any{"reason": "simulated"}, nil, http.StatusOK); err != nil {
			return err
		}
	}

	if rng.IntN(4) == 0 {
		path := fmt.Sprintf("/appointments/available-slots?provider_id=%s&location_id=%s&date=%s", p.ID, p.Location, s.config.Date)
		if _, err := s.call(ctx, &s.metrics.Slots, http.MethodGet, path, nil, nil, http.StatusOK); err != nil {
			return err
		}
	}
	return nil
}

// verify counts duplicate record identifiers and overlapping scheduled
// appointments per provider.
func (s *Simulator) verify(ctx context.Context) int {
	violations := 0

	seen := make(map[string]bool, len(s.recordIDs))
	for _, id := range s.recordIDs {
		if seen[id] {
			s.log.Error("duplicate record identifier", zap.String("record_identifier", id))
			violations++
		}
		seen[id] = true
	}

	for _, p := range s.providers {
		var appts []struct {
			ID     uuid.UUID      `json:"id"`
			Start  schedule.Clock `json:"start"`
			End    schedule.Clock `json:"end"`
			Status string         `json:"status"`
		}
		path := fmt.Sprintf("/appointments?provider_id=%s&date=%s", p.ID, s.config.Date)
		if _, err := s.call(ctx, nil, http.MethodGet, path, nil, &appts, http.StatusOK); err != nil {
			s.log.Error("list appointments", zap.Error(err))
			violations++
			continue
		}

		var scheduled []schedule.Interval
		for _, a := range appts {
			if a.Status == "scheduled" {
				scheduled = append(scheduled, schedule.Interval{Start: a.Start, End: a.End})
			}
		}
		for i := range scheduled {
			for j := i + 1; j < len(scheduled); j++ {
				if scheduled[i].Overlaps(scheduled[j]) {
					s.log.Error("double booking",
						zap.String("provider_id", p.ID.String()),
						zap.Stringer("a", scheduled[i]),
						zap.Stringer("b", scheduled[j]))
					violations++
				}
			}
		}
		s.log.Info("provider verified",
			zap.String("provider_id", p.ID.String()),
			zap.Int("scheduled", len(scheduled)))
	}

	return violations
}

// call sends a JSON request and decodes the body into out when the status
// matches want. Transport errors are fatal to the run; HTTP errors are counted.
func (s *Simulator) call(ctx context.Context, om *OperationMetrics, method, path string, body, out any, want int) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if om != nil {
		om.Record(time.Since(start), resp.StatusCode, want)
	}
	if resp.StatusCode == want && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Workers: %d  Providers: %d  Date: %s\n\n", s.config.Workers, s.config.Providers, s.config.Date)

	printOperationReport("Register patient", &s.metrics.Register)
	printOperationReport("Book appointment", &s.metrics.Booking)
	printOperationReport("Cancel appointment", &s.metrics.Cancel)
	printOperationReport("Available slots", &s.metrics.Slots)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
