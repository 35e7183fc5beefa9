package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/toursync/toursync/internal/api"
	"github.com/toursync/toursync/internal/archive"
	"github.com/toursync/toursync/internal/attendance"
	"github.com/toursync/toursync/internal/audit"
	"github.com/toursync/toursync/internal/auth"
	"github.com/toursync/toursync/internal/config"
	"github.com/toursync/toursync/internal/db"
	"github.com/toursync/toursync/internal/health"
	"github.com/toursync/toursync/internal/idempotency"
	"github.com/toursync/toursync/internal/incident"
	"github.com/toursync/toursync/internal/jobs"
	"github.com/toursync/toursync/internal/middleware"
	"github.com/toursync/toursync/internal/notify"
	"github.com/toursync/toursync/internal/tracing"
	"github.com/toursync/toursync/migrations"
)

const (
	readinessTimeout        = 3 * time.Second
	rateLimitCleanupEvery   = time.Minute
	idempotencyCleanupEvery = time.Hour
	checkInReportEvery      = 15 * time.Minute
)

// app owns every long-lived dependency of the API process.
type app struct {
	logger  *slog.Logger
	handler http.Handler
	hub     *notify.Hub

	tracer *tracing.Provider
	db     *sql.DB
	sqlite *attendance.SQLiteRepository
	redis  *redis.Client
	mqtt   mqtt.Client
}

// newApp builds the dependency graph described by cfg. Background loops
// started here stop when ctx is cancelled.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.closeResources(context.Background())
		}
	}()

	a.tracer, err = tracing.NewProvider(tracing.Config{
		ServiceName:    api.ServiceName,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		StorageBackend: cfg.StorageBackend(),
		ExporterType:   cfg.OtelExporterType,
		OTLPEndpoint:   cfg.OtelEndpoint,
		SamplingRate:   cfg.TracingSamplingRate,
		InsecureMode:   cfg.TracingInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	httpMetrics := middleware.NewMetrics()
	if err = httpMetrics.Register(reg); err != nil {
		return nil, fmt.Errorf("register http metrics: %w", err)
	}
	hubMetrics := notify.NewMetrics()
	if err = hubMetrics.Register(reg); err != nil {
		return nil, fmt.Errorf("register notification metrics: %w", err)
	}
	jobMetrics := jobs.NewMetrics()
	if err = jobMetrics.Register(reg); err != nil {
		return nil, fmt.Errorf("register job metrics: %w", err)
	}
	var background []jobs.Job

	checks := health.NewRegistry(readinessTimeout, logger)

	var (
		records     attendance.Repository
		checkpoints attendance.CheckpointRepository
		incidents   incident.Repository = incident.NewInMemoryRepository()
		auditLog    audit.Repository    = audit.NewInMemoryRepository()
	)
	switch cfg.StorageBackend() {
	case "postgres":
		a.db, err = db.Open(ctx, cfg.DatabaseURL, db.DefaultConnectTimeout, logger)
		if err != nil {
			return nil, err
		}
		if _, err = db.Migrate(ctx, a.db, migrations.FS, logger); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		repo := attendance.NewPostgresRepository(a.db, logger)
		records, checkpoints = repo, repo
		incidents = incident.NewPostgresRepository(a.db, logger)
		auditLog = audit.NewPostgresRepository(a.db)
		checks.Register("database", health.NewDBChecker(a.db))
	case "sqlite":
		a.sqlite, err = attendance.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		records, checkpoints = a.sqlite, a.sqlite
		checks.Register("database", health.NewDBChecker(a.sqlite.DB()))
	default:
		repo := attendance.NewInMemoryRepository()
		records, checkpoints = repo, repo
		logger.Warn("no database configured, data is kept in memory")
	}

	a.hub = notify.NewHub(
		notify.WithQueueSize(cfg.NotifyQueueSize),
		notify.WithMetrics(hubMetrics),
	)

	var (
		rateLimits  middleware.RateLimitStore
		idempotence idempotency.Repository
	)
	if cfg.RedisURL != "" {
		opts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			return nil, fmt.Errorf("parse redis url: %w", perr)
		}
		a.redis = redis.NewClient(opts)
		checks.Register("redis", health.NewRedisChecker(a.redis))

		store := middleware.NewRedisRateLimitStore(a.redis)
		store.SetMetrics(httpMetrics)
		rateLimits = store
		idempotence = idempotency.NewRedisRepository(a.redis, idempotency.DefaultExpiry)

		relay := notify.NewRedisRelay(a.redis, a.hub, cfg.RedisChannel)
		a.hub.AddSink(relay)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("notification relay stopped", "error", err)
			}
		}()
	} else {
		store := middleware.NewInMemoryRateLimitStore()
		rateLimits = store
		idempotence = idempotency.NewInMemoryRepository()
		background = append(background, jobs.Job{
			Type:     jobs.JobTypeRateLimitCleanup,
			Interval: rateLimitCleanupEvery,
			Run: func(context.Context) error {
				store.Cleanup()
				return nil
			},
		})
	}
	background = append(background, jobs.Job{
		Type:     jobs.JobTypeIdempotencyCleanup,
		Interval: idempotencyCleanupEvery,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			_, err := idempotency.CleanupOldKeys(ctx, idempotence, idempotency.DefaultExpiry)
			return err
		},
	})

	if cfg.MQTTBrokerURL != "" {
		a.mqtt, err = notify.ConnectMQTT(cfg.MQTTBrokerURL, cfg.MQTTClientID)
		if err != nil {
			return nil, err
		}
		a.hub.AddSink(notify.NewMQTTBridge(a.mqtt, cfg.MQTTTopicPrefix))
		checks.Register("mqtt", health.NewMQTTChecker(a.mqtt))
	}

	anonymize := audit.NewAnonymizationJob(audit.AnonymizationJobConfig{
		Repository: auditLog,
		Logger:     logger,
	})
	background = append(background, jobs.Job{
		Type:     jobs.JobTypeAuditAnonymize,
		Interval: audit.DefaultAnonymizationInterval,
		Timeout:  5 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := anonymize.Run(ctx)
			return err
		},
	})

	if cfg.ArchiveBucket != "" {
		archiveCfg := archive.Config{
			Bucket:          cfg.ArchiveBucket,
			Endpoint:        cfg.ArchiveEndpoint,
			Region:          cfg.ArchiveRegion,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
			Prefix:          cfg.ArchivePrefix,
		}
		store, err := archive.NewS3Client(archiveCfg)
		if err != nil {
			return nil, fmt.Errorf("audit archive: %w", err)
		}
		archiver := archive.NewArchiver(auditLog, store, archiveCfg, logger)
		background = append(background, jobs.Job{
			Type:     jobs.JobTypeAuditArchive,
			Interval: archive.Interval,
			Timeout:  10 * time.Minute,
			Run:      archiver.ArchivePreviousDay,
		})
	}

	attendanceSvc := attendance.NewService(records, checkpoints, a.hub, logger)
	background = append(background, jobs.Job{
		Type:     jobs.JobTypeCheckInReport,
		Interval: checkInReportEvery,
		Run: func(context.Context) error {
			attendanceSvc.Stats().LogAndReset(logger)
			return nil
		},
	})

	for _, job := range background {
		go jobs.Every(ctx, job, jobMetrics, logger)
	}

	heartbeat := cfg.NotifyHeartbeat()
	if heartbeat == 0 {
		heartbeat = -1
	}

	a.handler = api.NewRouter(api.RouterConfig{
		Logger:      logger,
		Tokens:      auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret),
		Attendance:  attendanceSvc,
		Incidents:   incident.NewService(incidents, a.hub, logger),
		Hub:         a.hub,
		AuditLog:    auditLog,
		RateLimits:  rateLimits,
		Idempotency: idempotence,
		Metrics:     httpMetrics,
		Gatherer:    reg,
		Checks:      checks,
		Notifications: api.NotificationConfig{
			Heartbeat:      heartbeat,
			AllowedOrigins: cfg.CORSAllowedOrigins,
			Logger:         logger,
		},
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", middleware.IdempotencyKeyHeader},
			AllowCredentials: true,
			MaxAge:           3600,
		},
		Tracing: a.tracer.IsEnabled(),
	})

	logger.Info("dependencies ready", "checks", checks.Names())
	return a, nil
}

// shutdown ends live streams, drains in-flight requests and releases every
// dependency. Streams must close first or Shutdown waits on them until ctx
// expires.
func (a *app) shutdown(ctx context.Context, server *http.Server) error {
	if a.hub != nil {
		a.hub.Close()
	}
	err := server.Shutdown(ctx)
	a.closeResources(ctx)
	return err
}

func (a *app) closeResources(ctx context.Context) {
	if a.mqtt != nil {
		a.mqtt.Disconnect(250)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database", "error", err)
		}
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.logger.Warn("close sqlite", "error", err)
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("shutdown tracing", "error", err)
		}
	}
}
