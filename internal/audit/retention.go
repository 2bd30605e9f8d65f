package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rudnitski/HealthUp-sub002/internal/observability"
	"github.com/rudnitski/HealthUp-sub002/internal/storage"
)

// Retention deletes archived files older than the configured window.
type Retention struct {
	Files       FileStore
	ObjectStore storage.ObjectStore
	Config      RetentionConfig
	Logger      *slog.Logger
	Clock       func() time.Time
}

type RetentionConfig struct {
	Interval   time.Duration
	MaxAge     time.Duration
	BatchLimit int
}

type RetentionSummary struct {
	CandidateFiles int `json:"candidate_files"`
	FilesDeleted   int `json:"files_deleted"`
	Failures       int `json:"failures"`
}

func (s *Retention) Run(ctx context.Context) error {
	s.ensureDefaults()

	ticker := time.NewTicker(s.Config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary, err := s.ProcessOnce(ctx)
			if err != nil {
				if s.Logger != nil {
					s.Logger.ErrorContext(ctx, "audit retention cycle failed", slog.Any("error", err), slog.Any("summary", summary))
				}
				continue
			}
			if summary.FilesDeleted > 0 && s.Logger != nil {
				s.Logger.InfoContext(ctx, "audit retention cycle completed", slog.Any("summary", summary))
			}
		}
	}
}

// ProcessOnce deletes one batch of expired files. The object is removed
// before its row so a crash leaves a row pointing at a missing object,
// which the next cycle retries, never an orphaned object.
func (s *Retention) ProcessOnce(ctx context.Context) (RetentionSummary, error) {
	s.ensureDefaults()
	if s.Files == nil {
		return RetentionSummary{}, fmt.Errorf("file store is required")
	}
	if s.ObjectStore == nil {
		return RetentionSummary{}, fmt.Errorf("object store is required")
	}

	cutoff := s.Clock().UTC().Add(-s.Config.MaxAge)
	files, err := s.Files.ListExpiredFiles(ctx, cutoff, s.Config.BatchLimit)
	if err != nil {
		observability.AuditRetentionFailure()
		_ = s.Files.RecordRetentionRun(ctx, RetentionRun{Status: "failed", Detail: err.Error()})
		return RetentionSummary{}, fmt.Errorf("list expired audit files: %w", err)
	}

	summary := RetentionSummary{CandidateFiles: len(files)}
	failures := make([]string, 0)

	for _, file := range files {
		if err := s.ObjectStore.Delete(ctx, file.Path); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("delete object %s: %v", file.Path, err))
			continue
		}
		if err := s.Files.DeleteFile(ctx, file.FileID); err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("delete file row %d: %v", file.FileID, err))
			continue
		}
		summary.FilesDeleted++
	}

	observability.ObserveAuditRetention(summary.FilesDeleted)

	status := "completed"
	detail := ""
	var runErr error
	if len(failures) > 0 {
		status = "failed"
		detail = strings.Join(failures, "; ")
		runErr = fmt.Errorf("audit retention encountered %d failure(s): %s", len(failures), detail)
		observability.AuditRetentionFailure()
	}

	if err := s.Files.RecordRetentionRun(ctx, RetentionRun{
		Status:         status,
		CandidateFiles: summary.CandidateFiles,
		DeletedFiles:   summary.FilesDeleted,
		Detail:         detail,
	}); err != nil && runErr == nil {
		runErr = fmt.Errorf("record retention run: %w", err)
	}

	return summary, runErr
}

func (s *Retention) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Config.Interval <= 0 {
		s.Config.Interval = time.Hour
	}
	if s.Config.MaxAge <= 0 {
		s.Config.MaxAge = 90 * 24 * time.Hour
	}
	if s.Config.BatchLimit <= 0 {
		s.Config.BatchLimit = 500
	}
}
