package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rudnitski/HealthUp-sub002/internal/demo/seeder"
)

func main() {
	cfg, err := seeder.LoadConfigFromEnv(os.LookupEnv)
	if err != nil {
		slog.Error("failed to load demo seeder config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}

	service, err := seeder.New(cfg, logger, db)
	if err != nil {
		logger.Error("failed to initialize demo seeder", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(
		"demo seeder started",
		slog.Int("accounts", cfg.Accounts),
		slog.Int("patients_per_account", cfg.PatientsPerAccount),
		slog.Int("reports_per_patient", cfg.ReportsPerPatient),
		slog.Bool("reset", cfg.Reset),
		slog.Int64("seed", cfg.Seed),
	)

	if _, err := service.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("demo seeder canceled")
			return
		}
		logger.Error("demo seeder failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("demo seeder finished")
}
