package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rudnitski/HealthUp-sub002/internal/api"
	"github.com/rudnitski/HealthUp-sub002/internal/audit"
	auditpostgres "github.com/rudnitski/HealthUp-sub002/internal/audit/postgres"
	"github.com/rudnitski/HealthUp-sub002/internal/auth"
	"github.com/rudnitski/HealthUp-sub002/internal/chat"
	"github.com/rudnitski/HealthUp-sub002/internal/config"
	"github.com/rudnitski/HealthUp-sub002/internal/llm"
	"github.com/rudnitski/HealthUp-sub002/internal/observability"
	patientpostgres "github.com/rudnitski/HealthUp-sub002/internal/patient/postgres"
	querypostgres "github.com/rudnitski/HealthUp-sub002/internal/query/postgres"
	"github.com/rudnitski/HealthUp-sub002/internal/safety"
	safetyduckdb "github.com/rudnitski/HealthUp-sub002/internal/safety/duckdb"
	"github.com/rudnitski/HealthUp-sub002/internal/schema"
	schemapostgres "github.com/rudnitski/HealthUp-sub002/internal/schema/postgres"
	"github.com/rudnitski/HealthUp-sub002/internal/session"
	s3store "github.com/rudnitski/HealthUp-sub002/internal/storage/s3"
	"github.com/rudnitski/HealthUp-sub002/internal/stream"
)

func main() {
	cfg, err := config.LoadFromEnv("healthup-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeDB, err := patientpostgres.Open(context.Background(), patientpostgres.DBConfig{
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
	defer func() { _ = storeDB.Close() }()

	registry := patientpostgres.NewRegistry(storeDB)
	schemaCache := schema.NewCache(schemapostgres.NewIntrospector(storeDB), cfg.Schema.CacheTTL)

	validator := &safety.Validator{
		Config: safety.Config{
			MaxJoins:         cfg.Safety.MaxJoins,
			MaxSubqueryDepth: cfg.Safety.MaxSubqueryDepth,
			MaxAggregates:    cfg.Safety.MaxAggregates,
			DataRowCap:       cfg.Safety.DataRowCap,
			PlotRowCap:       cfg.Safety.PlotRowCap,
		},
		Logger: logger,
	}
	// The prober is best effort: without it statements are still parsed
	// and bounded, they just skip the dry-run planning pass.
	if manifest, err := schemaCache.Manifest(context.Background()); err != nil {
		logger.Warn("schema manifest unavailable at startup, statement probing disabled", slog.Any("error", err))
	} else if prober, err := safetyduckdb.NewProber(context.Background(), manifest); err != nil {
		logger.Warn("statement prober unavailable", slog.Any("error", err))
	} else {
		validator.Prober = prober
		defer func() { _ = prober.Close() }()
	}

	engine := querypostgres.NewExecutor(storeDB)
	engine.StatementTimeout = cfg.Store.StatementTimeout

	var (
		archiver  *audit.Archiver
		retention *audit.Retention
		publisher *auditpostgres.Outbox
	)
	if cfg.Audit.Enabled {
		objectStore, err := s3store.New(context.Background(), s3store.Config{
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
		publisher = auditpostgres.NewOutbox(storeDB)
		archiver = &audit.Archiver{
			Outbox:      publisher,
			Files:       publisher,
			ObjectStore: objectStore,
			Config: audit.ArchiverConfig{
				ConsumerID:   cfg.Audit.ConsumerID,
				ClaimLimit:   cfg.Audit.ClaimLimit,
				LeaseSeconds: cfg.Audit.LeaseSeconds,
				PollInterval: cfg.Audit.PollInterval,
			},
			Logger: logger,
		}
		retention = &audit.Retention{
			Files:       publisher,
			ObjectStore: objectStore,
			Config: audit.RetentionConfig{
				Interval: cfg.Audit.RetentionInterval,
				MaxAge:   cfg.Audit.RetentionAge,
			},
			Logger: logger,
		}
	}

	var (
		chatService *chat.Service
		sessions    *session.Manager
		hub         *stream.Hub
	)
	if cfg.Model.APIKey != "" {
		model, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL:      cfg.Model.BaseURL,
			APIKey:       cfg.Model.APIKey,
			Model:        cfg.Model.Model,
			Temperature:  cfg.Model.Temperature,
			Timeout:      cfg.Model.Timeout,
			MaxRetries:   cfg.Model.MaxRetries,
			RetryBackoff: cfg.Model.RetryBackoff,
		})
		if err != nil {
			logger.Error("failed to initialize model client", slog.Any("error", err))
			os.Exit(1)
		}
		hub = stream.NewHub(logger)
		sessions = &session.Manager{
			MaxSessions:     cfg.Chat.MaxSessions,
			SessionTTL:      cfg.Chat.SessionTTL,
			MaxUserMessages: cfg.Chat.MaxUserMessages,
			MaxLogEntries:   cfg.Chat.MaxLogEntries,
			Logger:          logger,
		}
		chatService = &chat.Service{
			Sessions:  sessions,
			Hub:       hub,
			Model:     model,
			Schema:    schemaCache,
			Patients:  registry,
			Validator: validator,
			Engine:    engine,
			Config: chat.Config{
				ExploreRowCap: cfg.Chat.ExploreRowCap,
				DataRowCap:    cfg.Safety.DataRowCap,
				PlotRowCap:    cfg.Safety.PlotRowCap,
				TokenBudget:   cfg.Schema.TokenBudget,
				SearchLimit:   cfg.Schema.SearchLimit,
				TurnTimeout:   cfg.Chat.TurnTimeout,
			},
			Logger: logger,
		}
		if publisher != nil {
			chatService.Audit = publisher
		}
		sessions.OnEvict = chatService.EndEvicted

		sweeper := &session.Sweeper{
			Manager:  sessions,
			Interval: cfg.Chat.SweepInterval,
			Logger:   logger,
			OnExpire: chatService.EndExpired,
		}
		go func() {
			if err := sweeper.Run(ctx); err != nil {
				logger.Error("session sweeper failed", slog.Any("error", err))
			}
		}()
	} else {
		logger.Warn("model api key is not set, chat endpoints are disabled")
	}

	var objectStoreCheck, modelCheck api.ReadinessCheck
	if cfg.Audit.Enabled {
		objectStoreCheck = api.CheckObjectStoreConfig(cfg)
	}
	if chatService != nil {
		modelCheck = api.CheckModelConfig(cfg)
	}
	deps := api.Dependencies{
		Logger:           logger,
		Schema:           schemaCache,
		Readiness:        api.CombineReadinessChecks(registry.HealthCheck, objectStoreCheck, modelCheck),
		DependencyTimout: time.Second,
	}
	if chatService != nil {
		deps.Chat = chatService
		deps.Sessions = sessions
		deps.Streams = hub
	}
	if archiver != nil {
		deps.Archiver = archiver
		deps.Retention = retention
	}
	if cfg.Auth.Required {
		keyValidator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, keyValidator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
