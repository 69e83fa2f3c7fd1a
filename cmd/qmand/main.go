package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/qman/qman/internal/adapter/audit"
	"github.com/qman/qman/internal/adapter/cache"
	"github.com/qman/qman/internal/adapter/docker"
	"github.com/qman/qman/internal/adapter/hostuser"
	qmanhttp "github.com/qman/qman/internal/adapter/http"
	"github.com/qman/qman/internal/adapter/memory"
	"github.com/qman/qman/internal/adapter/persistence"
	"github.com/qman/qman/internal/aggregate"
	"github.com/qman/qman/internal/attribution"
	"github.com/qman/qman/internal/config"
	"github.com/qman/qman/internal/domain"
	"github.com/qman/qman/internal/enforce"
	"github.com/qman/qman/internal/notifier"
	"github.com/qman/qman/internal/ports"
)

func main() {
	// Load .env if present, then configuration from the environment
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := newLogger(cfg)
	logger.WithFields(logrus.Fields{
		"environment": cfg.Server.Environment,
		"mock_mode":   cfg.Runtime.MockMode,
	}).Info("qmand starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Ledger database
	db, err := sql.Open(cfg.Database.Driver, cfg.GetDatabaseURL())
	if err != nil {
		logger.WithError(err).Fatal("Failed to open database")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	db.SetConnMaxIdleTime(cfg.Database.MaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		logger.WithError(err).Fatal("Failed to ping database")
	}
	cancel()

	store := persistence.NewStore(db, persistence.Dialect(cfg.Database.Driver))
	if err := store.Migrate(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to migrate database schema")
	}
	logger.WithField("driver", cfg.Database.Driver).Info("ledger database ready")

	// Runtime: real engine or the in-memory mock
	var (
		inventorySource ports.RuntimeInventory
		eventSource     ports.RuntimeEvents
		control         ports.RuntimeControl
	)
	if cfg.Runtime.MockMode {
		mock := memory.NewRuntime(domain.Inventory{DataRoot: "/var/lib/docker"})
		inventorySource, eventSource, control = mock, mock, mock
		logger.Warn("running in mock mode, no container runtime is touched")
	} else {
		engine, err := docker.New(docker.Options{
			CallTimeout: cfg.Runtime.CallTimeout,
			StopTimeout: cfg.Runtime.StopTimeout,
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to container runtime")
		}
		if err := engine.Ping(ctx); err != nil {
			// Enforcement without a reachable control plane would let
			// usage grow unchecked while claiming to enforce.
			logger.WithError(err).Fatal("Container runtime is unreachable")
		}
		inventorySource, eventSource, control = engine, engine, engine
	}

	// Optional Redis inventory cache
	var invalidator attribution.Invalidator
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:        cfg.GetRedisAddr(),
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.Timeout,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("Redis unreachable, inventory cache disabled")
		} else {
			cached := cache.NewInventory(inventorySource, rdb, cfg.Master.HostID, cfg.Redis.CacheTTL, logger)
			inventorySource = cached
			invalidator = cached
			defer rdb.Close()
			logger.Info("inventory cache enabled")
		}
	}

	// Audit source and its startup diagnosis
	auditSource := audit.New(cfg.Attribution.AuditTimeout, logger)
	status := auditSource.Check(ctx)
	if len(status.Errors) > 0 {
		logger.WithField("problems", status.Errors).Warn("audit subsystem degraded, attribution will rely on labels and events")
	}

	users := hostuser.New()

	// Event sink: master callback when configured, log otherwise
	var sink ports.EventSink
	if cfg.Master.URL != "" {
		sink = notifier.NewCallback(cfg.Master.URL, cfg.Master.HostID, cfg.Master.Secret, cfg.Master.Timeout, logger)
	} else {
		sink = &notifier.LogSink{Logger: logger}
	}

	syncer := attribution.NewSyncer(store, store, inventorySource, eventSource, auditSource, users, invalidator, attribution.Options{
		Window:        cfg.Attribution.Window,
		AuditLookback: cfg.Attribution.AuditLookback,
		AuditKeys:     cfg.Attribution.AuditKeys,
		EventMaxWait:  cfg.Attribution.EventMaxWait,
		EventMaxCount: cfg.Attribution.EventMaxCount,
	}, logger)

	aggregator := aggregate.New(store, store, users, logger)

	order, _ := domain.ParseOrder(cfg.Enforcement.Order)
	scheduler := enforce.NewScheduler(aggregator, inventorySource, store, store, control, sink, users, invalidator, enforce.Options{
		Order:         order,
		ReservedBytes: cfg.Runtime.ReservedBytes,
		DryRun:        cfg.Enforcement.DryRun,
	}, logger)

	// Background loops
	go syncer.Run(ctx, cfg.Attribution.SyncInterval)
	if cfg.Enforcement.Enabled {
		go scheduler.RunLoop(ctx, cfg.Enforcement.Interval)
	} else {
		logger.Info("enforcement disabled, running attribution only")
	}

	// Administrative API
	server := qmanhttp.NewServer(
		qmanhttp.ServerConfig{
			Port:         cfg.Server.Port,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
			AuthSecret:   cfg.Server.AuthSecret,
		},
		qmanhttp.NewDeviceHandler(inventorySource, aggregator, cfg.Runtime.ReservedBytes, logger),
		qmanhttp.NewLimitsHandler(store, users, logger),
		qmanhttp.NewOpsHandler(syncer, scheduler, auditSource, logger),
		logger,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.WithError(err).Error("HTTP server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP shutdown failed")
	}
	logger.Info("qmand stopped")
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	return logger
}
