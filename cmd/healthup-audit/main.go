package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudnitski/HealthUp-sub002/internal/audit"
	auditpostgres "github.com/rudnitski/HealthUp-sub002/internal/audit/postgres"
	"github.com/rudnitski/HealthUp-sub002/internal/config"
	"github.com/rudnitski/HealthUp-sub002/internal/observability"
	patientpostgres "github.com/rudnitski/HealthUp-sub002/internal/patient/postgres"
	s3store "github.com/rudnitski/HealthUp-sub002/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("healthup-audit")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	if !cfg.Audit.Enabled {
		logger.Info("audit pipeline is disabled, nothing to do")
		return
	}

	db, err := patientpostgres.Open(context.Background(), patientpostgres.DBConfig{
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open store db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	store, err := s3store.New(context.Background(), s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	outbox := auditpostgres.NewOutbox(db)
	archiver := &audit.Archiver{
		Outbox:      outbox,
		Files:       outbox,
		ObjectStore: store,
		Config: audit.ArchiverConfig{
			ConsumerID:   cfg.Audit.ConsumerID,
			ClaimLimit:   cfg.Audit.ClaimLimit,
			LeaseSeconds: cfg.Audit.LeaseSeconds,
			PollInterval: cfg.Audit.PollInterval,
		},
		Logger: logger,
	}
	retention := &audit.Retention{
		Files:       outbox,
		ObjectStore: store,
		Config: audit.RetentionConfig{
			Interval: cfg.Audit.RetentionInterval,
			MaxAge:   cfg.Audit.RetentionAge,
		},
		Logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := retention.Run(ctx); err != nil {
			logger.Error("retention loop failed", slog.Any("error", err))
			stop()
		}
	}()

	logger.Info("audit worker started")
	if err := archiver.Run(ctx); err != nil {
		logger.Error("audit worker failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("audit worker stopped")
}
