package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rudnitski/HealthUp-sub002/internal/audit"
	"github.com/rudnitski/HealthUp-sub002/internal/config"
	"github.com/rudnitski/HealthUp-sub002/internal/observability"
	"github.com/rudnitski/HealthUp-sub002/internal/schema"
	"github.com/rudnitski/HealthUp-sub002/internal/session"
	"github.com/rudnitski/HealthUp-sub002/internal/stream"
)

type ReadinessCheck func(ctx context.Context) error

// ChatService is the orchestrator surface the HTTP transport drives.
type ChatService interface {
	CreateSession(ctx context.Context, accountID, patientHint string) (session.Session, error)
	HandleMessage(ctx context.Context, token, text string) error
	CloseSession(token string)
}

// SessionDirectory resolves tokens for ownership checks. Reads only;
// every mutation goes through the ChatService.
type SessionDirectory interface {
	Get(token string) (session.Session, error)
}

// ArchiveRunner runs one synchronous audit archive cycle.
type ArchiveRunner interface {
	ProcessOnce(ctx context.Context) (audit.ArchiveSummary, error)
}

// RetentionRunner runs one synchronous audit retention cycle.
type RetentionRunner interface {
	ProcessOnce(ctx context.Context) (audit.RetentionSummary, error)
}

type Dependencies struct {
	Logger           *slog.Logger
	Readiness        ReadinessCheck
	AuthMiddleware   func(http.Handler) http.Handler
	DependencyTimout time.Duration
	Chat             ChatService
	Sessions         SessionDirectory
	Streams          *stream.Hub
	Schema           schema.Provider
	Archiver         ArchiveRunner
	Retention        RetentionRunner
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/chat/sessions", func(w http.ResponseWriter, r *http.Request) {
		handleCreateSession(deps, w, r)
	})
	protected.HandleFunc("POST /v1/chat/sessions/{session}/messages", func(w http.ResponseWriter, r *http.Request) {
		handlePostMessage(deps, w, r)
	})
	protected.HandleFunc("GET /v1/chat/sessions/{session}/stream", func(w http.ResponseWriter, r *http.Request) {
		handleStream(deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/chat/sessions/{session}", func(w http.ResponseWriter, r *http.Request) {
		handleDeleteSession(deps, w, r)
	})
	protected.HandleFunc("GET /v1/schema", func(w http.ResponseWriter, r *http.Request) {
		handleSchemaSnapshot(deps, w, r)
	})
	protected.HandleFunc("POST /v1/audit/archive/run", func(w http.ResponseWriter, r *http.Request) {
		handleAuditArchiveRun(deps, w, r)
	})
	protected.HandleFunc("POST /v1/audit/retention/run", func(w http.ResponseWriter, r *http.Request) {
		handleAuditRetentionRun(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/chat/sessions", protectedHandler)
	mux.Handle("POST /v1/chat/sessions/{session}/messages", protectedHandler)
	mux.Handle("GET /v1/chat/sessions/{session}/stream", protectedHandler)
	mux.Handle("DELETE /v1/chat/sessions/{session}", protectedHandler)
	mux.Handle("GET /v1/schema", protectedHandler)
	mux.Handle("POST /v1/audit/archive/run", protectedHandler)
	mux.Handle("POST /v1/audit/retention/run", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckStoreDSN(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Store.DSN == "" {
			return errors.New("store dsn is not configured")
		}
		return nil
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CheckModelConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Model.BaseURL == "" {
			return errors.New("model base url is not configured")
		}
		if cfg.Model.Model == "" {
			return errors.New("model name is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
