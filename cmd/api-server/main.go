package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling-core/internal/api"
	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
	"github.com/hackgods/clinic-scheduling-core/internal/config"
	"github.com/hackgods/clinic-scheduling-core/internal/db"
	"github.com/hackgods/clinic-scheduling-core/internal/identity"
	"github.com/hackgods/clinic-scheduling-core/internal/logger"
	"github.com/hackgods/clinic-scheduling-core/internal/metrics"
	"github.com/hackgods/clinic-scheduling-core/internal/patient"
	redisclient "github.com/hackgods/clinic-scheduling-core/internal/redis"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

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

	log.Info("api-server starting up",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("version", version),
		zap.String("slot_cache", cfg.SlotCacheBackend))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: cfg.DBMaxConns})
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	if cfg.AutoMigrate {
		if err := db.Migrate(rootCtx, pgPool); err != nil {
			log.Fatal("schema migration error", zap.Error(err))
		}
		log.Info("schema applied")
	}

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("error closing redis", zap.Error(err))
		}
	}()
	log.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg, "clinic")

	allocator := identity.NewAllocator(identity.Options{
		MaxAttempts:     cfg.AllocMaxAttempts,
		BackoffStep:     cfg.AllocBackoffStep,
		SuffixLength:    cfg.AllocSuffixLength,
		MaxSuffixLength: cfg.AllocMaxSuffixLength,
	}, log.Named("identity"), identity.WithMetrics(m))

	patients := patient.NewService(patient.NewPgRepository(pgPool), allocator, cfg, log.Named("patient"), m)

	locker := redisclient.NewProviderDayLocker(rdb, cfg.LockTTL, cfg.LockWait)
	appointments := appointment.NewService(
		appointment.NewPgRepository(pgPool),
		locker,
		newSlotCache(cfg, rdb, log),
		cfg,
		log.Named("appointment"),
		m,
	)

	health := api.NewHealthHandler(pgPool, api.PingFunc(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}), cfg.Env, version)

	router := api.NewRouter(api.RouterConfig{
		Patients:           patients,
		Appointments:       appointments,
		Health:             health,
		Gatherer:           reg,
		Logger:             log.Named("http"),
		RateLimit:          cfg.RateLimit,
		DefaultGranularity: cfg.DefaultGranularity,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error("http server error", zap.Error(err))
		}
	}

	log.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newSlotCache(cfg config.Config, rdb *redis.Client, log *zap.Logger) appointment.SlotCache {
	switch cfg.SlotCacheBackend {
	case config.CacheBackendRedis:
		return redisclient.NewSlotCache(rdb, cfg.SlotCacheTTL, log.Named("slot_cache"))
	case config.CacheBackendMemory:
		return appointment.NewMemoryCache(cfg.SlotCacheTTL)
	default:
		return appointment.NoopCache{}
	}
}
